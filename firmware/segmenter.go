package firmware

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/canisotp/isotp"
)

// UDS (ISO-14229) service IDs and response offsets used by the transfer
// sequence. Only the subset needed to drive RequestDownload/TransferData/
// RequestTransferExit is implemented; this is not a general UDS client.
const (
	sidRequestDownload     = 0x34
	sidTransferData        = 0x36
	sidRequestTransferExit = 0x37
	positiveResponseOffset = 0x40
	sidNegativeResponse    = 0x7F
)

// NegativeResponseError is returned when the ECU answers a request with a
// UDS negative response (SID 0x7F).
type NegativeResponseError struct {
	RequestSID byte
	NRC        byte
}

func (e *NegativeResponseError) Error() string {
	return fmt.Sprintf("firmware: ECU rejected SID 0x%02X with NRC 0x%02X", e.RequestSID, e.NRC)
}

// Segmenter drives a RequestDownload/TransferData/RequestTransferExit
// sequence over a Transport, splitting an Image into blocks of BlockSize
// payload bytes chosen by the caller; the transport's TxDataLength is not
// consulted. Each block waits for the ECU's response before the next is
// sent, matching how a real ECU reprogramming session must serialize
// transfer blocks. Send itself blocks only if the transport's
// Params.BlockingSend is set; Segmenter does not set it.
type Segmenter struct {
	Transport   *isotp.Transport
	BlockSize   int // payload bytes per TransferData block, before SID/counter/tag overhead
	Auth        *Authenticator
	RecvTimeout time.Duration
	PollInterval time.Duration
}

// NewSegmenter builds a Segmenter targeting blockSize payload bytes per
// TransferData request (excluding the 2-byte SID+counter header and any
// authentication tag).
func NewSegmenter(t *isotp.Transport, blockSize int) *Segmenter {
	return &Segmenter{
		Transport:    t,
		BlockSize:    blockSize,
		RecvTimeout:  2 * time.Second,
		PollInterval: 2 * time.Millisecond,
	}
}

// Transfer runs the full download sequence for img: one RequestDownload,
// then one TransferData per block across every segment, then one
// RequestTransferExit.
func (s *Segmenter) Transfer(ctx context.Context, img *Image) error {
	if err := s.requestDownload(ctx, img); err != nil {
		return fmt.Errorf("firmware: request download: %w", err)
	}

	counter := byte(1)
	for _, seg := range img.Segments {
		for off := 0; off < len(seg.Data); off += s.BlockSize {
			end := off + s.BlockSize
			if end > len(seg.Data) {
				end = len(seg.Data)
			}
			if err := s.transferBlock(ctx, counter, seg.Data[off:end]); err != nil {
				return fmt.Errorf("firmware: transfer data (segment 0x%08X, offset %d): %w", seg.Address, off, err)
			}
			if counter == 0xFF {
				counter = 0x00
			}
			counter++
		}
	}

	if err := s.requestTransferExit(ctx); err != nil {
		return fmt.Errorf("firmware: request transfer exit: %w", err)
	}
	return nil
}

func (s *Segmenter) requestDownload(ctx context.Context, img *Image) error {
	first := img.Segments[0]
	payload := []byte{sidRequestDownload, 0x00, 0x44}
	addrBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(addrBuf, first.Address)
	payload = append(payload, addrBuf...)
	sizeBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(sizeBuf, uint32(img.TotalSize()))
	payload = append(payload, sizeBuf...)

	_, err := s.request(ctx, payload)
	return err
}

func (s *Segmenter) transferBlock(ctx context.Context, counter byte, data []byte) error {
	payload := make([]byte, 0, 2+len(data)+16)
	payload = append(payload, sidTransferData, counter)
	payload = append(payload, data...)
	if s.Auth != nil {
		tag, err := s.Auth.Tag(payload)
		if err != nil {
			return fmt.Errorf("sign block: %w", err)
		}
		payload = append(payload, tag...)
	}
	_, err := s.request(ctx, payload)
	return err
}

func (s *Segmenter) requestTransferExit(ctx context.Context) error {
	_, err := s.request(ctx, []byte{sidRequestTransferExit})
	return err
}

// request sends payload and waits for the matching UDS response, returning
// its data past the SID byte. It mirrors the teacher's UDS client response
// framing (expectedResponseSID = requestSID + 0x40, SID 0x7F = negative).
func (s *Segmenter) request(ctx context.Context, payload []byte) ([]byte, error) {
	for {
		if _, ok := s.Transport.Recv(); !ok {
			break
		}
	}

	if err := s.Transport.Send(payload, isotp.Physical, s.RecvTimeout.Seconds()); err != nil {
		return nil, err
	}

	requestSID := payload[0]
	expected := requestSID + positiveResponseOffset
	deadline := time.NewTimer(s.RecvTimeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, fmt.Errorf("firmware: no response to SID 0x%02X within %v", requestSID, s.RecvTimeout)
		default:
		}

		data, ok := s.Transport.Recv()
		if !ok {
			time.Sleep(s.PollInterval)
			continue
		}
		if len(data) == 0 {
			continue
		}
		if data[0] == sidNegativeResponse && len(data) >= 3 {
			return nil, &NegativeResponseError{RequestSID: data[1], NRC: data[2]}
		}
		if data[0] != expected {
			return nil, fmt.Errorf("firmware: unexpected response SID 0x%02X, wanted 0x%02X", data[0], expected)
		}
		return data[1:], nil
	}
}
