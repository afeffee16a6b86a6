package isotp

import (
	"errors"
	"testing"
	"time"
)

func newLoopback(t *testing.T) (*TransportLayerLogic, *TransportLayerLogic) {
	t.Helper()
	addrA := NewAddress(Normal11bits, 0x123, 0x321, 0, 0, 0, 0, 0, false, false)
	addrB := NewAddress(Normal11bits, 0x321, 0x123, 0, 0, 0, 0, 0, false, false)

	busAtoB := make(chan CanMessage, 64)
	busBtoA := make(chan CanMessage, 64)

	var a, b *TransportLayerLogic
	txA := func(msg *CanMessage) error {
		busAtoB <- *msg
		return nil
	}
	rxA := func(timeout float64) *CanMessage {
		select {
		case msg := <-busBtoA:
			return &msg
		default:
			return nil
		}
	}
	txB := func(msg *CanMessage) error {
		busBtoA <- *msg
		return nil
	}
	rxB := func(timeout float64) *CanMessage {
		select {
		case msg := <-busAtoB:
			return &msg
		default:
			return nil
		}
	}

	a = NewTransportLayerLogic(rxA, txA, addrA, func(e error) { t.Logf("node A error: %v", e) }, nil, nil)
	b = NewTransportLayerLogic(rxB, txB, addrB, func(e error) { t.Logf("node B error: %v", e) }, nil, nil)
	return a, b
}

func pumpUntilDelivered(t *testing.T, sender, receiver *TransportLayerLogic, maxTicks int) []byte {
	t.Helper()
	for i := 0; i < maxTicks; i++ {
		sender.Process(0, true, true)
		receiver.Process(0, true, true)
		if receiver.Available() {
			data, _ := receiver.rxQueue.Pop()
			return data
		}
	}
	t.Fatalf("payload was not delivered within %d ticks", maxTicks)
	return nil
}

func TestRoundTrip_SingleFrame(t *testing.T) {
	a, b := newLoopback(t)
	payload := []byte{0x11, 0x22, 0x33}
	if err := a.Send(payload, Physical, 0); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	got := pumpUntilDelivered(t, a, b, 10)
	if string(got) != string(payload) {
		t.Fatalf("got %v, want %v", got, payload)
	}
}

func TestRoundTrip_MultiFrameWithFlowControl(t *testing.T) {
	a, b := newLoopback(t)
	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(i)
	}
	if err := a.Send(payload, Physical, 0); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	got := pumpUntilDelivered(t, a, b, 200)
	if len(got) != len(payload) {
		t.Fatalf("expected %d bytes, got %d", len(payload), len(got))
	}
	for i := range payload {
		if got[i] != payload[i] {
			t.Fatalf("byte %d mismatch: got %02X want %02X", i, got[i], payload[i])
		}
	}
}

// TestRoundTrip_BlockSizeHonored sends a 40-byte payload (classical CAN, 8
// byte frames) with BlockSize 2 and checks not just that it arrives, but
// that the receiver emits exactly three FlowControl frames: the initial CTS
// after the First Frame, then one more after every 2 CFs. A First Frame
// carries 6 payload bytes, leaving 34 for Consecutive Frames at 7 bytes each
// (5 CFs, the last one partial), so CF2 and CF4 each cross the block
// boundary and CF5 completes the transfer without another FC.
func TestRoundTrip_BlockSizeHonored(t *testing.T) {
	addrA := NewAddress(Normal11bits, 0x123, 0x321, 0, 0, 0, 0, 0, false, false)
	addrB := NewAddress(Normal11bits, 0x321, 0x123, 0, 0, 0, 0, 0, false, false)

	busAtoB := make(chan CanMessage, 64)
	busBtoA := make(chan CanMessage, 64)
	flowControlsSent := 0

	txA := func(msg *CanMessage) error {
		busAtoB <- *msg
		return nil
	}
	rxA := func(timeout float64) *CanMessage {
		select {
		case msg := <-busBtoA:
			return &msg
		default:
			return nil
		}
	}
	txB := func(msg *CanMessage) error {
		if msg.Data[0]>>4&0xF == PDUFlowControl {
			flowControlsSent++
		}
		busBtoA <- *msg
		return nil
	}
	rxB := func(timeout float64) *CanMessage {
		select {
		case msg := <-busAtoB:
			return &msg
		default:
			return nil
		}
	}

	a := NewTransportLayerLogic(rxA, txA, addrA, func(e error) { t.Logf("node A error: %v", e) }, nil, nil)
	b := NewTransportLayerLogic(rxB, txB, addrB, func(e error) { t.Logf("node B error: %v", e) }, nil, nil)
	b.Params.BlockSize = 2

	payload := make([]byte, 40)
	if err := a.Send(payload, Physical, 0); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	got := pumpUntilDelivered(t, a, b, 200)
	if len(got) != len(payload) {
		t.Fatalf("expected %d bytes, got %d", len(payload), len(got))
	}
	if flowControlsSent != 3 {
		t.Fatalf("expected exactly 3 FlowControl transitions, got %d", flowControlsSent)
	}
}

func TestWrongSequenceNumberError(t *testing.T) {
	a, b := newLoopback(t)
	payload := make([]byte, 40)
	if err := a.Send(payload, Physical, 0); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	// Step once so the First Frame round trips and the FlowControl is sent.
	a.Process(0, true, true)
	b.Process(0, true, true)
	a.Process(0, true, true)

	if b.rxState != RxWaitCF {
		t.Fatalf("expected receiver to be waiting for consecutive frames")
	}

	// Corrupt the sequence number of the next CF node A would send by
	// injecting a bogus one directly into B's rx path.
	bogus := CanMessage{ArbitrationId: 0x123, Data: []byte{0x25, 1, 2, 3, 4, 5, 6, 7}}
	report := b.processRx(bogus)
	_ = report
	if b.rxState != RxIdle {
		t.Fatalf("expected receiver to abort reception on bad sequence number")
	}
}

// openReassembly starts a 40-byte multi-frame reception from a 24-byte CAN
// FD First Frame (PCI 0x10 0x28), leaving 18 bytes still to receive.
func openReassembly(t *testing.T, b *TransportLayerLogic) {
	t.Helper()
	ff := make([]byte, 24)
	ff[0], ff[1] = 0x10, 0x28
	for i := 2; i < len(ff); i++ {
		ff[i] = byte(i)
	}
	report := b.processRx(CanMessage{ArbitrationId: 0x123, Data: ff})
	if !report.ImmediateTxRequired {
		t.Fatalf("expected a FlowControl response to be queued")
	}
	if b.rxState != RxWaitCF {
		t.Fatalf("expected receiver to be waiting for consecutive frames, got %v", b.rxState)
	}
	if b.getActualRxDL() != 24 {
		t.Fatalf("expected actualRxDL to be 24, got %d", b.getActualRxDL())
	}
}

// A final Consecutive Frame padded to a *smaller* CAN FD length than the
// First Frame is normal (padMessageData sizes each frame to what's left to
// send) and must still complete the reassembly: the RX_DL mismatch is only
// an error when the shorter frame could not physically carry the remaining
// bytes.
func TestConsecutiveFrameShorterRXDLStillCompletes(t *testing.T) {
	_, b := newLoopback(t)
	openReassembly(t, b)

	// 18 bytes remain; an 8-byte CF cannot carry them, but a 20-byte CF
	// (shorter than the First Frame's 24) carries the PCI byte plus 19.
	cf := make([]byte, 20)
	cf[0] = 0x21
	for i := 1; i < len(cf); i++ {
		cf[i] = byte(i)
	}
	report := b.processRx(CanMessage{ArbitrationId: 0x123, Data: cf})

	if !report.FrameReceived {
		t.Fatalf("expected the reassembly to complete")
	}
	if b.rxState != RxIdle {
		t.Fatalf("expected receiver to return to idle after completion")
	}
}

// A Consecutive Frame whose RX_DL changed AND is too short to carry the
// remaining bytes is ignored: the bad frame is dropped, the receiver stays
// in RxWaitCF with its buffer intact, waiting for a better one.
func TestConsecutiveFrameShorterRXDLTooSmallIsIgnored(t *testing.T) {
	_, b := newLoopback(t)
	openReassembly(t, b)

	var seen error
	b.errorHandler = func(e error) { seen = e }

	// 18 bytes remain; an unpadded 8-byte CF (RX_DL 8) cannot carry them.
	cf := []byte{0x21, 1, 2, 3, 4, 5, 6, 7}
	report := b.processRx(CanMessage{ArbitrationId: 0x123, Data: cf})

	if report.FrameReceived {
		t.Fatalf("expected the short frame to be ignored, not delivered")
	}
	if b.rxState != RxWaitCF {
		t.Fatalf("expected receiver to remain waiting for consecutive frames, got %v", b.rxState)
	}
	var target ChangingInvalidRXDLError
	if !errors.As(seen, &target) {
		t.Fatalf("expected ChangingInvalidRXDLError, got %v", seen)
	}
}

// An Overflow FlowControl from the peer aborts the send immediately: the
// active request completes as a failure and the sender falls back to idle.
func TestOverflowFlowControlAbortsSend(t *testing.T) {
	a, _ := newLoopback(t)
	payload := make([]byte, 40)
	req, err := a.EnqueueSend(payload, Physical)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	a.activeSendRequest = req
	a.txState = TxWaitFC

	var seen error
	a.errorHandler = func(e error) { seen = e }

	fc := CanMessage{ArbitrationId: 0x321, Data: []byte{0x32, 0x00, 0x00}}
	a.lastFlowControlFrame, err = NewPDU(fc, 0)
	if err != nil {
		t.Fatalf("unexpected error decoding flow control: %v", err)
	}
	a.processTx()

	var target OverflowError
	if !errors.As(seen, &target) {
		t.Fatalf("expected OverflowError, got %v", seen)
	}
	if a.txState != TxIdle {
		t.Fatalf("expected sender to fall back to idle, got %v", a.txState)
	}
	select {
	case success := <-req.completeCh:
		if success {
			t.Fatalf("expected request to complete as failure")
		}
	default:
		t.Fatalf("expected completion to be signaled")
	}
}

// A Consecutive Frame that never arrives lets the N_Cr timer expire; the
// receiver reports ConsecutiveFrameTimeoutError and abandons the reassembly.
func TestConsecutiveFrameTimeoutAbortsReception(t *testing.T) {
	_, b := newLoopback(t)
	openReassembly(t, b)

	var seen error
	b.errorHandler = func(e error) { seen = e }

	b.timerRxCF.deadline = time.Now().Add(-time.Millisecond)
	b.checkTimeoutsRx()

	var target ConsecutiveFrameTimeoutError
	if !errors.As(seen, &target) {
		t.Fatalf("expected ConsecutiveFrameTimeoutError, got %v", seen)
	}
	if b.rxState != RxIdle {
		t.Fatalf("expected receiver to abandon reassembly, got %v", b.rxState)
	}
}

func TestUnexpectedFlowControlTriggersError(t *testing.T) {
	a, _ := newLoopback(t)
	var seen error
	a.errorHandler = func(e error) { seen = e }

	fc := CanMessage{ArbitrationId: 0x321, Data: []byte{0x30, 0x08, 0x00}}
	a.lastFlowControlFrame, _ = NewPDU(fc, 0)
	a.processTx()

	var target UnexpectedFlowControlError
	if !errors.As(seen, &target) {
		t.Fatalf("expected UnexpectedFlowControlError, got %v", seen)
	}
}

func TestStopSendingCompletesPendingRequestAsFailure(t *testing.T) {
	a, _ := newLoopback(t)
	payload := make([]byte, 40)
	req, err := a.EnqueueSend(payload, Physical)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	a.activeSendRequest = req
	a.txState = TxWaitFC
	a.stopSending(false)

	select {
	case success := <-req.completeCh:
		if success {
			t.Fatalf("expected request to complete as failure")
		}
	default:
		t.Fatalf("expected completion to be signaled")
	}
}

func TestListenModeRejectsSend(t *testing.T) {
	a, _ := newLoopback(t)
	a.Params.ListenMode = true
	if err := a.Send([]byte{1}, Physical, 0); err == nil {
		t.Fatalf("expected send to be rejected in listen mode")
	}
}
