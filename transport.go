package isotp

import (
	"fmt"
	"sync"
	"time"

	"github.com/canisotp/isotp/internal/relay"
)

// Transport is the public, goroutine-driven front end over
// TransportLayerLogic. Constructed with Start unstarted, it behaves exactly
// like calling Process yourself; Start spins up a worker goroutine plus a
// relay goroutine so Send/Recv can be called safely from any goroutine
// without the caller ever touching Process.
type Transport struct {
	logic *TransportLayerLogic
	rxfn  RxFn
	txfn  TxFn

	mu      sync.Mutex
	started bool
	relay   *relay.Relay[CanMessage]
	stopCh  chan struct{}
	wg      sync.WaitGroup
	errCh   chan error
}

// NewTransport builds a Transport around rxfn/txfn and an addressing
// configuration. params may be nil to accept NewParams() defaults.
func NewTransport(rxfn RxFn, txfn TxFn, address AddressHandler, params *Params) *Transport {
	t := &Transport{
		rxfn:  rxfn,
		txfn:  txfn,
		errCh: make(chan error, 64),
	}
	t.logic = NewTransportLayerLogic(rxfn, txfn, address, t.dispatchError, params, nil)
	return t
}

func (t *Transport) dispatchError(err error) {
	select {
	case t.errCh <- err:
	default:
	}
}

// Errors returns the channel errors are pushed onto as the worker
// encounters them. Reading from it is optional; it drops errors once full
// rather than block the worker.
func (t *Transport) Errors() <-chan error {
	return t.errCh
}

// SetPostSendCallback registers a hook invoked once a SendRequest is pushed
// onto the Tx queue, before it is ever transmitted.
func (t *Transport) SetPostSendCallback(cb PostSendCallback) {
	t.logic.postSendCallback = cb
}

// SetAddress changes the addressing configuration. Must not be called
// concurrently with Start, or while the worker is running.
func (t *Transport) SetAddress(address AddressHandler) {
	t.logic.SetAddress(address)
}

// Start launches the worker and relay goroutines. No-op if already started.
func (t *Transport) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return
	}
	t.started = true
	t.stopCh = make(chan struct{})
	t.relay = relay.New[CanMessage](func(timeout float64) *CanMessage {
		return t.rxfn(timeout)
	}, 32, 0.002)
	t.relay.Start()
	t.wg.Add(1)
	go t.workerLoop()
}

// Stop halts the worker and relay goroutines. The transport may be Start-ed
// again afterward. Does not clear queued state; call Reset separately if
// that is desired.
func (t *Transport) Stop() {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return
	}
	t.started = false
	close(t.stopCh)
	r := t.relay
	t.mu.Unlock()

	r.Stop()
	t.wg.Wait()
}

func (t *Transport) workerLoop() {
	defer t.wg.Done()
	for {
		sleep := time.Duration(t.logic.SleepTime() * float64(time.Second))
		select {
		case <-t.stopCh:
			return
		case frame := <-t.relay.Out:
			if frame.Msg != nil {
				t.logic.ProcessMessage(*frame.Msg)
			} else {
				t.logic.checkTimeoutsRx()
			}
		case <-relay.Deadline(sleep):
			t.logic.checkTimeoutsRx()
		}

		for _, msg := range t.logic.ProcessTxTick() {
			if err := t.txfn(msg); err != nil {
				t.dispatchError(fmt.Errorf("txfn failed: %w", err))
			}
		}
	}
}

// Send enqueues data for transmission. When the worker is running, it wakes
// it immediately rather than waiting for the next poll tick. data must be
// []byte or SendGenerator.
func (t *Transport) Send(data interface{}, targetAddressType uint32, sendTimeoutSec float64) error {
	req, err := t.logic.EnqueueSend(data, targetAddressType)
	if err != nil {
		return err
	}

	t.mu.Lock()
	r := t.relay
	t.mu.Unlock()
	if r != nil {
		r.Wake()
	}

	if t.logic.Params.BlockingSend {
		return t.logic.WaitForCompletion(req, sendTimeoutSec)
	}
	return nil
}

// Recv returns the oldest fully received payload, if any, without blocking.
func (t *Transport) Recv() ([]byte, bool) {
	return t.logic.rxQueue.Pop()
}

// Available reports whether Recv would return data immediately.
func (t *Transport) Available() bool {
	return t.logic.Available()
}

// Transmitting reports whether a payload is queued or in flight.
func (t *Transport) Transmitting() bool {
	return t.logic.Transmitting()
}

// StopSending aborts whatever Tx payload is in flight, failing its
// SendRequest if one was pending.
func (t *Transport) StopSending() {
	t.logic.StopSending()
}

// StopReceiving aborts whatever Rx payload is in flight, discarding it.
func (t *Transport) StopReceiving() {
	t.logic.StopReceiving()
}

// Reset clears both queues and both state machines.
func (t *Transport) Reset() {
	t.logic.Reset()
}

// Process runs the single-threaded fallback directly, for callers that
// never call Start and instead drive the state machine from their own
// loop (matching the teacher's TransportLayerLogic.Process usage).
func (t *Transport) Process(rxTimeout float64, doRx, doTx bool) ProcessStats {
	return t.logic.Process(rxTimeout, doRx, doTx)
}
