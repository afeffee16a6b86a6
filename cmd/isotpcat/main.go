// Command isotpcat wires an isotp.Transport to an in-memory loopback CAN
// pair and sends whatever is piped to stdin, printing whatever the
// transport reassembles. It exists to smoke-test the transport by hand; it
// is not a protocol front-end.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/canisotp/isotp"
)

func main() {
	txID := flag.Int("tx", 0x7E0, "tx arbitration id")
	rxID := flag.Int("rx", 0x7E8, "rx arbitration id")
	flag.Parse()

	bus := make(chan isotp.CanMessage, 16)

	rxfn := func(timeout float64) *isotp.CanMessage {
		select {
		case msg := <-bus:
			return &msg
		case <-time.After(time.Duration(timeout * float64(time.Second))):
			return nil
		}
	}
	txfn := func(msg *isotp.CanMessage) error {
		select {
		case bus <- *msg:
			return nil
		default:
			return fmt.Errorf("loopback bus full")
		}
	}

	addr := isotp.NewAddress(isotp.Normal11bits, *txID, *rxID, 0, 0, 0, 0, 0, false, false)
	transport := isotp.NewTransport(rxfn, txfn, addr, nil)
	transport.Start()
	defer transport.Stop()

	go func() {
		for err := range transport.Errors() {
			log.Printf("isotpcat: %v", err)
		}
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Bytes()
		if err := transport.Send(append([]byte{}, line...), isotp.Physical, 2); err != nil {
			log.Printf("send failed: %v", err)
			continue
		}
		for i := 0; i < 50; i++ {
			if data, ok := transport.Recv(); ok {
				fmt.Printf("%s\n", data)
				break
			}
			time.Sleep(20 * time.Millisecond)
		}
	}
}
