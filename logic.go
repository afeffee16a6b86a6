package isotp

import (
	"fmt"
	"log"
	"time"
)

// RxState is the receiver half of the state machine: either idle or
// mid-reassembly of a multi-frame message.
type RxState int

const (
	RxIdle RxState = iota
	RxWaitCF
)

// TxState is the sender half of the state machine.
type TxState int

const (
	TxIdle TxState = iota
	TxWaitFC
	TxTransmitCF
	TxTransmitSFStandby
	TxTransmitFFStandby
)

// TransportLayerLogic runs the Rx and Tx state machines described in
// spec.md §4.C/§4.D. It is single-threaded: exactly one goroutine may call
// Process/Send/Recv/Reset concurrently with itself, though Send/Recv/
// Available/Transmitting are additionally safe to call from other
// goroutines because they only touch the SafeQueues and channels.
// Transport wraps this with the worker/relay goroutines that give it that
// safety in practice.
type TransportLayerLogic struct {
	Params          Params
	Logger          *log.Logger
	RemoteBlockSize *int

	rxfn RxFn
	txfn TxFn

	txQueue *SafeQueue[*SendRequest]
	rxQueue *SafeQueue[[]byte]

	rxState     RxState
	txState     TxState
	lastRxState RxState
	lastTxState TxState

	rxBuffer       []byte
	rxFrameLength  int
	rxBlockCounter int
	lastSeqNum     int
	actualRxDL     *int

	activeSendRequest *SendRequest
	txStandbyMsg      *CanMessage
	txFrameLength     int
	txBlockCounter    int
	txSeqNum          int
	wftCounter        int

	lastFlowControlFrame *PDU
	pendingFlowControlTx bool
	pendingFlowControlSt int

	timerRxFC    *Timer
	timerRxCF    *Timer
	timerTxStMin *Timer
	rateLimiter  *RateLimiter

	address      AddressHandler
	errorHandler ErrorHandler

	timings          map[[2]int]float64
	postSendCallback PostSendCallback
}

func NewTransportLayerLogic(rxfn RxFn, txfn TxFn, address AddressHandler, errorHandler ErrorHandler, params *Params, postSendCb PostSendCallback) *TransportLayerLogic {
	p := NewParams()
	if params != nil {
		p = *params
	}
	if err := p.Validate(); err != nil {
		panic(err)
	}

	t := &TransportLayerLogic{
		Params:           p,
		Logger:           log.New(log.Writer(), fmt.Sprintf("[%s] ", p.LoggerName), log.LstdFlags),
		rxfn:             rxfn,
		txfn:             txfn,
		errorHandler:     errorHandler,
		postSendCallback: postSendCb,
		timerTxStMin:     NewTimer(0),
	}

	t.SetAddress(address)
	t.txQueue = NewSafeQueue[*SendRequest]()
	t.rxQueue = NewSafeQueue[[]byte]()
	t.loadTimers()
	t.timings = map[[2]int]float64{
		{int(RxIdle), int(TxIdle)}:   0.02,
		{int(RxIdle), int(TxWaitFC)}: 0.005,
	}
	return t
}

// loadTimers (re)builds the timers and rate limiter from Params; called at
// construction and available for a future config-reload path.
func (t *TransportLayerLogic) loadTimers() {
	t.timerRxFC = NewTimer(secFromMs(t.Params.RxFlowControlTimeoutMs))
	t.timerRxCF = NewTimer(secFromMs(t.Params.RxConsecutiveTimeoutMs))
	t.rateLimiter = NewRateLimiter(float64(t.Params.RateLimitMaxBitrate), t.Params.RateLimitWindowSize)
	if t.Params.RateLimitEnable {
		t.rateLimiter.Enable()
	} else {
		t.rateLimiter.Disable()
	}
}

func secFromMs(ms int) float64 { return float64(ms) / 1000.0 }

// ---- outbound submission -------------------------------------------------

// Send enqueues data for transmission. data must be []byte or SendGenerator.
func (t *TransportLayerLogic) Send(data interface{}, targetAddressType uint32, sendTimeoutSec float64) error {
	req, err := t.EnqueueSend(data, targetAddressType)
	if err != nil {
		return err
	}
	if t.Params.BlockingSend {
		return t.waitForCompletion(req, sendTimeoutSec)
	}
	return nil
}

// EnqueueSend validates and pushes data onto the Tx queue without waiting
// for completion, returning the SendRequest so a caller that drives the
// state machine from a separate goroutine (Transport) can wake it and wait
// on the request itself.
func (t *TransportLayerLogic) EnqueueSend(data interface{}, targetAddressType uint32) (*SendRequest, error) {
	if t.Params.ListenMode {
		return nil, fmt.Errorf("cannot transmit when listen_mode=true")
	}

	req, err := NewSendRequest(data, targetAddressType)
	if err != nil {
		return nil, err
	}

	if targetAddressType == Functional {
		if err := t.checkFunctionalFits(req); err != nil {
			return nil, err
		}
	}

	t.txQueue.Push(req)
	if t.postSendCallback != nil {
		t.postSendCallback(req)
	}
	return req, nil
}

func (t *TransportLayerLogic) checkFunctionalFits(req *SendRequest) error {
	lengthBytes := 2
	if t.Params.TxDataLength == 8 {
		lengthBytes = 1
	}
	maxLen := t.Params.TxDataLength - lengthBytes - len(t.address.GetTxPayloadPrefix())
	if req.Generator.TotalLength() > maxLen {
		return fmt.Errorf("cannot send multi packet frame with functional target address type")
	}
	return nil
}

// WaitForCompletion exposes waitForCompletion for callers (Transport) that
// enqueue through EnqueueSend from outside the worker goroutine.
func (t *TransportLayerLogic) WaitForCompletion(req *SendRequest, sendTimeoutSec float64) error {
	return t.waitForCompletion(req, sendTimeoutSec)
}

// waitForCompletion blocks until req.Complete is called or sendTimeoutSec
// elapses (0 means wait forever), used by the blocking-send API.
func (t *TransportLayerLogic) waitForCompletion(req *SendRequest, sendTimeoutSec float64) error {
	if sendTimeoutSec <= 0 {
		if !<-req.completeCh {
			return BlockingSendFailure{IsoTpError: NewIsoTpError("send failed")}
		}
		return nil
	}

	timer := time.NewTimer(time.Duration(sendTimeoutSec * float64(time.Second)))
	defer timer.Stop()
	select {
	case success := <-req.completeCh:
		if !success {
			return BlockingSendFailure{IsoTpError: NewIsoTpError("send failed")}
		}
		return nil
	case <-timer.C:
		return BlockingSendTimeout{BlockingSendFailure: BlockingSendFailure{IsoTpError: NewIsoTpError(
			fmt.Sprintf("send timed out after %.3fs", sendTimeoutSec))}}
	}
}

// Available reports whether Recv would return data immediately.
func (t *TransportLayerLogic) Available() bool {
	return t.rxQueue.Len() > 0
}

// Transmitting reports whether a payload is queued or in flight.
func (t *TransportLayerLogic) Transmitting() bool {
	return t.txQueue.Len() > 0 || t.txState != TxIdle
}

// ---- driving loop ---------------------------------------------------------

// Process runs one iteration of the RX/TX state machines. rxTimeout is the
// timeout (in seconds) passed to rxfn on each poll; doRx/doTx let a caller
// step only one side.
func (t *TransportLayerLogic) Process(rxTimeout float64, doRx, doTx bool) ProcessStats {
	var stats ProcessStats
	again := true

	for again {
		again = false

		txFirst := doTx && t.txQueue.Len() > 0 && t.rxState == RxIdle && t.txState == TxIdle
		if txFirst {
			again = true
		}

		if doRx && !txFirst {
			if t.drainRx(rxTimeout, &stats) {
				again = true
			}
		}

		t.rateLimiter.Update()

		if doTx {
			for {
				result := t.processTx()
				if result.Msg != nil {
					stats.Sent++
					if err := t.txfn(result.Msg); err != nil {
						t.triggerError(fmt.Errorf("txfn failed: %w", err))
					}
				}
				if !result.ImmediateRxRequired {
					break
				}
				again = true
			}
		}

		t.lastTxState = t.txState
		t.lastRxState = t.rxState
	}

	return stats
}

// drainRx polls rxfn until it returns nil, feeding each frame into processRx
// and returning true early if a frame demands an immediate Tx response.
func (t *TransportLayerLogic) drainRx(rxTimeout float64, stats *ProcessStats) bool {
	for {
		msg := t.rxfn(rxTimeout)
		t.checkTimeoutsRx()
		if msg == nil {
			return false
		}
		stats.Received++
		if !t.address.IsForMe(*msg) {
			continue
		}
		stats.ReceivedProcessed++
		result := t.processRx(*msg)
		if result.FrameReceived {
			stats.FrameReceived++
		}
		if result.ImmediateTxRequired {
			return true
		}
	}
}

// ProcessMessage feeds one already-received CAN frame into the Rx/Tx state
// machines without polling rxfn, used by Transport's worker loop which
// pulls frames off the relay channel instead of calling rxfn directly.
func (t *TransportLayerLogic) ProcessMessage(msg CanMessage) ProcessRxReport {
	t.checkTimeoutsRx()
	if !t.address.IsForMe(msg) {
		return ProcessRxReport{}
	}
	return t.processRx(msg)
}

// ProcessTxTick drains at most the Tx work available for one tick,
// returning every frame it produced (usually 0 or 1, but an FC-triggered
// immediate retry can yield more).
func (t *TransportLayerLogic) ProcessTxTick() []*CanMessage {
	var out []*CanMessage
	t.rateLimiter.Update()
	for {
		result := t.processTx()
		if result.Msg != nil {
			out = append(out, result.Msg)
		}
		if !result.ImmediateRxRequired {
			return out
		}
	}
}

func (t *TransportLayerLogic) checkTimeoutsRx() {
	if t.timerRxCF.IsTimedOut() {
		t.triggerError(ConsecutiveFrameTimeoutError{})
		t.stopReceiving()
	}
}

// ---- receive path ---------------------------------------------------------

// processRx decodes one inbound CAN frame and feeds it through the
// receiver state machine, or hands a FlowControl frame off for the sender
// side to pick up on its next tick.
func (t *TransportLayerLogic) processRx(msg CanMessage) ProcessRxReport {
	pdu, err := NewPDU(msg, t.address.GetRxPrefixSize())
	if err != nil {
		t.reportDecodeFailure(err)
		return ProcessRxReport{}
	}

	if pdu.Type == PDUFlowControl {
		t.lastFlowControlFrame = pdu
		return ProcessRxReport{ImmediateTxRequired: true}
	}

	var report ProcessRxReport
	switch t.rxState {
	case RxIdle:
		report = t.handleRxIdle(pdu)
	case RxWaitCF:
		report = t.handleRxWaitCF(pdu)
	}

	if t.pendingFlowControlTx {
		report.ImmediateTxRequired = true
	}
	return report
}

func (t *TransportLayerLogic) reportDecodeFailure(err error) {
	if missing, ok := err.(MissingEscapeSequenceError); ok {
		t.triggerError(missing)
	} else {
		t.triggerError(InvalidCanDataError{IsoTpError: NewIsoTpError(err.Error())})
	}
	t.stopReceiving()
}

// handleRxIdle is entered with no reassembly in progress: a SingleFrame
// delivers immediately, a FirstFrame opens a new reassembly, and a stray
// ConsecutiveFrame is an error.
func (t *TransportLayerLogic) handleRxIdle(pdu *PDU) ProcessRxReport {
	t.rxFrameLength = 0
	t.timerRxCF.Stop()

	switch pdu.Type {
	case PDUSingleFrame:
		if pdu.Data == nil {
			return ProcessRxReport{}
		}
		t.deliver(pdu.Data)
		return ProcessRxReport{FrameReceived: true}
	case PDUFirstFrame:
		return ProcessRxReport{ImmediateTxRequired: t.beginReassembly(pdu)}
	case PDUConsecutiveFrame:
		t.triggerError(UnexpectedConsecutiveFrameError{})
	}
	return ProcessRxReport{}
}

// handleRxWaitCF is entered while reassembling a multi-frame message. A
// SingleFrame or FirstFrame here interrupts the reassembly in progress; a
// ConsecutiveFrame with the expected sequence number advances it.
func (t *TransportLayerLogic) handleRxWaitCF(pdu *PDU) ProcessRxReport {
	switch pdu.Type {
	case PDUSingleFrame:
		if pdu.Data == nil {
			return ProcessRxReport{}
		}
		t.rxState = RxIdle
		t.deliver(pdu.Data)
		t.triggerError(ReceptionInterruptedWithSingleFrameError{})
		return ProcessRxReport{FrameReceived: true}
	case PDUFirstFrame:
		immediate := t.beginReassembly(pdu)
		t.triggerError(ReceptionInterruptedWithFirstFrameError{})
		return ProcessRxReport{ImmediateTxRequired: immediate}
	case PDUConsecutiveFrame:
		return t.acceptConsecutiveFrame(pdu)
	}
	return ProcessRxReport{}
}

func (t *TransportLayerLogic) acceptConsecutiveFrame(pdu *PDU) ProcessRxReport {
	expected := (t.lastSeqNum + 1) & 0xF
	if pdu.SeqNum == nil || *pdu.SeqNum != expected {
		t.stopReceiving()
		t.triggerError(WrongSequenceNumberError{})
		return ProcessRxReport{}
	}
	remaining := t.rxFrameLength - len(t.rxBuffer)
	if pdu.RxDL != t.getActualRxDL() && pdu.RxDL < remaining {
		// A frame this short can't carry the rest of the payload at the
		// RX_DL the reassembly started with; ignore it and stay in
		// RxWaitCF rather than discarding what has already been received.
		t.triggerError(ChangingInvalidRXDLError{})
		return ProcessRxReport{}
	}

	t.startRxCFTimer()
	t.lastSeqNum = *pdu.SeqNum

	if remaining < len(pdu.Data) {
		t.appendRxData(pdu.Data[:remaining])
	} else {
		t.appendRxData(pdu.Data)
	}

	if len(t.rxBuffer) >= t.rxFrameLength {
		t.deliver(t.rxBuffer)
		t.stopReceiving()
		return ProcessRxReport{FrameReceived: true}
	}

	t.rxBlockCounter++
	if t.Params.BlockSize > 0 && t.rxBlockCounter%t.Params.BlockSize == 0 {
		t.requestTxFlowControl(FlowStatusContinueToSend)
		t.timerRxCF.Stop()
		return ProcessRxReport{ImmediateTxRequired: true}
	}
	return ProcessRxReport{}
}

func (t *TransportLayerLogic) deliver(data []byte) {
	t.rxQueue.Push(append([]byte{}, data...))
}

// beginReassembly starts a new multi-frame reception from a FirstFrame,
// returning true if a CTS FlowControl now needs to go out.
func (t *TransportLayerLogic) beginReassembly(pdu *PDU) bool {
	if pdu.Length == nil {
		return false
	}
	if !isValidRxDL(pdu.RxDL) {
		t.triggerError(InvalidCanFdFirstFrameRXDL{})
		t.stopReceiving()
		return false
	}
	t.actualRxDL = &pdu.RxDL

	started := false
	if *pdu.Length > t.Params.MaxFrameSize {
		t.triggerError(FrameTooLongError{})
		t.requestTxFlowControl(FlowStatusOverflow)
		t.rxState = RxIdle
	} else {
		t.rxState = RxWaitCF
		t.rxFrameLength = *pdu.Length
		t.appendRxData(pdu.Data)
		t.requestTxFlowControl(FlowStatusContinueToSend)
		t.startRxCFTimer()
		started = true
	}

	t.lastSeqNum = 0
	t.rxBlockCounter = 0
	return started
}

func isValidRxDL(rxdl int) bool {
	switch rxdl {
	case 8, 12, 16, 20, 24, 32, 48, 64:
		return true
	default:
		return false
	}
}

// ---- send path --------------------------------------------------------

// processTx advances the sender state machine by at most one outbound
// frame, first absorbing any pending FlowControl reply/response and timer
// expiry before looking at what the current TxState allows to go out.
func (t *TransportLayerLogic) processTx() ProcessTxReport {
	allowedBytes := t.rateLimiter.AllowedBytes()

	if reply, done := t.drainPendingFlowControl(); done {
		return reply
	}

	if abort := t.consumeInboundFlowControl(); abort != nil {
		return *abort
	}

	if t.timerRxFC.IsTimedOut() {
		t.triggerError(FlowControlTimeoutError{})
		t.stopSending(false)
	}

	if t.txState != TxIdle && t.activeSendRequest != nil && t.activeSendRequest.Generator.Depleted() && t.txStandbyMsg == nil {
		t.stopSending(true)
	}

	var report ProcessTxReport
	switch t.txState {
	case TxIdle:
		report = t.startNextSend(allowedBytes)
	case TxTransmitSFStandby, TxTransmitFFStandby:
		report = t.releaseStandby(allowedBytes)
	case TxWaitFC:
		// nothing to send while waiting on the peer
	case TxTransmitCF:
		report = t.sendNextConsecutiveFrame(allowedBytes)
	}

	if report.Msg != nil {
		t.rateLimiter.InformByteSent(len(report.Msg.Data))
	}
	return report
}

// drainPendingFlowControl emits a FlowControl frame this node owes the
// peer, if one is queued. done is true when a FlowControl frame was
// produced and the caller should return it immediately. In listen mode the
// pending flag is cleared but no frame is produced and done is false.
func (t *TransportLayerLogic) drainPendingFlowControl() (ProcessTxReport, bool) {
	if !t.pendingFlowControlTx {
		return ProcessTxReport{}, false
	}
	t.pendingFlowControlTx = false
	if t.pendingFlowControlSt == FlowStatusContinueToSend {
		t.startRxCFTimer()
	}
	if t.Params.ListenMode {
		return ProcessTxReport{}, false
	}
	msg := t.makeFlowControl(t.pendingFlowControlSt, nil, nil)
	return ProcessTxReport{Msg: msg, ImmediateRxRequired: true}, true
}

// consumeInboundFlowControl reacts to a FlowControl frame the peer sent us
// while we were sending, returning a non-nil report only when the send
// must abort right away.
func (t *TransportLayerLogic) consumeInboundFlowControl() *ProcessTxReport {
	fc := t.lastFlowControlFrame
	t.lastFlowControlFrame = nil
	if fc == nil {
		return nil
	}

	if fc.FlowStatus != nil && *fc.FlowStatus == FlowStatusOverflow {
		t.stopSending(false)
		t.triggerError(OverflowError{})
		return &ProcessTxReport{}
	}

	if t.txState == TxIdle {
		t.triggerError(UnexpectedFlowControlError{}, true)
		return nil
	}

	switch *fc.FlowStatus {
	case FlowStatusWait:
		t.handleWaitFrame()
	case FlowStatusContinueToSend:
		t.handleContinueToSend(fc)
	default:
		panic("unhandled default case")
	}
	return nil
}

func (t *TransportLayerLogic) handleWaitFrame() {
	switch {
	case t.Params.WftMax == 0 && !t.Params.ListenMode:
		t.triggerError(UnsupportedWaitFrameError{})
	case t.wftCounter >= t.Params.WftMax && !t.Params.ListenMode:
		t.triggerError(MaximumWaitFrameReachedError{})
		t.stopSending(false)
	default:
		t.wftCounter++
		if t.txState == TxWaitFC || t.txState == TxTransmitCF {
			t.txState = TxWaitFC
			t.startRxFCTimer()
		}
	}
}

func (t *TransportLayerLogic) handleContinueToSend(fc *PDU) {
	if t.timerRxFC.IsTimedOut() {
		return
	}
	t.wftCounter = 0
	t.timerRxFC.Stop()

	if t.Params.OverrideReceiverStMin != nil {
		t.timerTxStMin.SetTimeout(*t.Params.OverrideReceiverStMin)
	} else if fc.StMinSeconds != nil {
		t.timerTxStMin.SetTimeout(*fc.StMinSeconds)
	}
	t.RemoteBlockSize = fc.BlockSize

	if t.txState == TxWaitFC {
		t.txBlockCounter = 0
		t.timerTxStMin.Start()
	}
	t.txState = TxTransmitCF
}

// startNextSend pops the next queued request (skipping any already
// depleted) and emits either a SingleFrame or a FirstFrame for it,
// stashing the message as a standby frame if the rate limiter can't admit
// it yet.
func (t *TransportLayerLogic) startNextSend(allowedBytes int) ProcessTxReport {
	for t.txQueue.Len() > 0 {
		req, _ := t.txQueue.Pop()
		t.activeSendRequest = req

		if req.Generator.Depleted() {
			req.Complete(true)
			continue
		}

		if t.fitsInSingleFrame(req) {
			return t.emitSingleFrame(req, allowedBytes)
		}
		return t.emitFirstFrame(req, allowedBytes)
	}
	return ProcessTxReport{}
}

func (t *TransportLayerLogic) fitsInSingleFrame(req *SendRequest) bool {
	sizeOffset := 2
	if req.Generator.RemainingSize()+len(t.address.GetTxPayloadPrefix()) <= 7 {
		sizeOffset = 1
	}
	return req.Generator.TotalLength() <= t.Params.TxDataLength-sizeOffset-len(t.address.GetTxPayloadPrefix())
}

func (t *TransportLayerLogic) emitSingleFrame(req *SendRequest, allowedBytes int) ProcessTxReport {
	total := req.Generator.TotalLength()
	singleByteLen := total+len(t.address.GetTxPayloadPrefix()) <= 7

	payload, err := req.Generator.Consume(total, true)
	if err != nil {
		t.triggerError(err)
		t.stopSending(false)
		return ProcessTxReport{}
	}

	data := append([]byte{}, t.address.GetTxPayloadPrefix()...)
	if singleByteLen {
		data = append(data, byte(len(payload)))
	} else {
		data = append(data, 0x0, byte(len(payload)))
	}
	data = append(data, payload...)

	msg := t.makeTxMsg(t.address.GetTxArbitrationId(req.TargetAddressType), data)
	if len(data) > allowedBytes {
		t.txStandbyMsg = msg
		t.txState = TxTransmitSFStandby
		return ProcessTxReport{}
	}
	t.stopSending(true)
	return ProcessTxReport{Msg: msg}
}

func (t *TransportLayerLogic) emitFirstFrame(req *SendRequest, allowedBytes int) ProcessTxReport {
	t.txFrameLength = req.Generator.TotalLength()
	prefix := t.address.GetTxPayloadPrefix()
	data := append([]byte{}, prefix...)

	var payload []byte
	var err error
	if t.txFrameLength <= 0xFFF {
		payload, err = req.Generator.Consume(t.Params.TxDataLength-2-len(prefix), true)
		if err == nil {
			data = append(data, byte(0x10|((t.txFrameLength>>8)&0xF)), byte(t.txFrameLength&0xFF))
		}
	} else {
		payload, err = req.Generator.Consume(t.Params.TxDataLength-6-len(prefix), true)
		if err == nil {
			data = append(data, 0x10, 0x00,
				byte((t.txFrameLength>>24)&0xFF), byte((t.txFrameLength>>16)&0xFF),
				byte((t.txFrameLength>>8)&0xFF), byte(t.txFrameLength&0xFF))
		}
	}
	if err != nil {
		t.triggerError(err)
		t.stopSending(false)
		return ProcessTxReport{}
	}
	data = append(data, payload...)

	t.txSeqNum = 1
	msg := t.makeTxMsg(t.address.GetTxArbitrationId(req.TargetAddressType), data)
	if len(data) > allowedBytes {
		t.txStandbyMsg = msg
		t.txState = TxTransmitFFStandby
		return ProcessTxReport{}
	}
	t.txState = TxWaitFC
	t.startRxFCTimer()
	return ProcessTxReport{Msg: msg}
}

// releaseStandby holds a frame that the rate limiter previously blocked
// and emits it as soon as enough budget has accumulated.
func (t *TransportLayerLogic) releaseStandby(allowedBytes int) ProcessTxReport {
	if t.txStandbyMsg == nil || len(t.txStandbyMsg.Data) > allowedBytes {
		return ProcessTxReport{}
	}
	msg := t.txStandbyMsg
	t.txStandbyMsg = nil
	if t.txState == TxTransmitFFStandby {
		t.startRxFCTimer()
		t.txState = TxWaitFC
	} else {
		t.txState = TxIdle
	}
	return ProcessTxReport{Msg: msg}
}

// sendNextConsecutiveFrame emits the next ConsecutiveFrame once the STmin
// timer allows it, completing or block-pausing the send as needed.
func (t *TransportLayerLogic) sendNextConsecutiveFrame(allowedBytes int) ProcessTxReport {
	if t.RemoteBlockSize == nil || !t.timerTxStMin.IsTimedOut() || t.activeSendRequest == nil {
		return ProcessTxReport{}
	}

	prefix := t.address.GetTxPayloadPrefix()
	chunkLen := minInt(t.Params.TxDataLength-1-len(prefix), t.activeSendRequest.Generator.RemainingSize())
	if chunkLen > allowedBytes {
		return ProcessTxReport{}
	}

	payload, err := t.activeSendRequest.Generator.Consume(chunkLen, false)
	if err != nil {
		t.triggerError(err)
		t.stopSending(false)
		return ProcessTxReport{}
	}

	var report ProcessTxReport
	if len(payload) > 0 {
		data := append([]byte{}, prefix...)
		data = append(data, byte(0x20|t.txSeqNum))
		data = append(data, payload...)
		report.Msg = t.makeTxMsg(t.address.GetTxArbitrationId(t.activeSendRequest.TargetAddressType), data)
		t.txSeqNum = (t.txSeqNum + 1) & 0xF
		t.timerTxStMin.Start()
		t.txBlockCounter++
	}

	switch {
	case t.activeSendRequest.Generator.Depleted() && t.activeSendRequest.Generator.RemainingSize() > 0:
		t.triggerError(BadGeneratorError{IsoTpError: NewIsoTpError("generator depleted before reaching specified size")})
		t.stopSending(false)
	case t.activeSendRequest.Generator.Depleted():
		t.stopSending(true)
	case *t.RemoteBlockSize != 0 && t.txBlockCounter >= *t.RemoteBlockSize:
		t.txState = TxWaitFC
		report.ImmediateRxRequired = true
		t.startRxFCTimer()
	}
	return report
}

// ---- shared helpers ---------------------------------------------------

func (t *TransportLayerLogic) SetSleepTiming(idle, waitFC float64) {
	t.timings[[2]int{int(RxIdle), int(TxIdle)}] = idle
	t.timings[[2]int{int(RxIdle), int(TxWaitFC)}] = waitFC
}

// SetAddress sets the addressing configuration. Per spec.md §4.G, callers
// must not change it once Start has been called.
func (t *TransportLayerLogic) SetAddress(address AddressHandler) {
	if address == nil {
		panic("address must be provided")
	}
	t.address = address
}

func (t *TransportLayerLogic) padMessageData(data []byte) []byte {
	target, mustPad := t.paddingTarget(len(data))
	if !mustPad || len(data) >= target {
		return data
	}
	paddingByte := byte(0xCC)
	if t.Params.TxPadding != nil {
		paddingByte = byte(*t.Params.TxPadding)
	}
	pad := make([]byte, target-len(data))
	for i := range pad {
		pad[i] = paddingByte
	}
	return append(data, pad...)
}

func (t *TransportLayerLogic) paddingTarget(dataLen int) (target int, mustPad bool) {
	if t.Params.TxDataLength == 8 {
		if t.Params.TxDataMinLength != nil {
			return *t.Params.TxDataMinLength, true
		}
		return 8, t.Params.TxPadding != nil
	}
	fdSize := t.getNearestCanFdSize(dataLen)
	if t.Params.TxDataMinLength == nil {
		return fdSize, true
	}
	return maxInt(*t.Params.TxDataMinLength, fdSize), true
}

func (t *TransportLayerLogic) startRxFCTimer() {
	t.timerRxFC = NewTimer(secFromMs(t.Params.RxFlowControlTimeoutMs))
	t.timerRxFC.Start()
}

func (t *TransportLayerLogic) startRxCFTimer() {
	t.timerRxCF = NewTimer(secFromMs(t.Params.RxConsecutiveTimeoutMs))
	t.timerRxCF.Start()
}

func (t *TransportLayerLogic) appendRxData(data []byte) {
	t.rxBuffer = append(t.rxBuffer, data...)
}

func (t *TransportLayerLogic) requestTxFlowControl(status int) {
	t.pendingFlowControlTx = true
	t.pendingFlowControlSt = status
}

func (t *TransportLayerLogic) stopSendingFlowControl() {
	t.pendingFlowControlTx = false
	t.lastFlowControlFrame = nil
}

func (t *TransportLayerLogic) makeTxMsg(arbitrationID int, data []byte) *CanMessage {
	data = t.padMessageData(data)
	return &CanMessage{
		ArbitrationId: arbitrationID,
		Dlc:           t.getDlc(data),
		Data:          data,
		ExtendedId:    t.address.IsTx29Bit(),
		IsFd:          t.Params.CanFD,
		BitrateSwitch: t.Params.BitrateSwitch,
	}
}

func (t *TransportLayerLogic) getDlc(data []byte) int {
	switch fdlen := t.getNearestCanFdSize(len(data)); {
	case fdlen <= 8:
		return fdlen
	case fdlen == 12:
		return 9
	case fdlen == 16:
		return 10
	case fdlen == 20:
		return 11
	case fdlen == 24:
		return 12
	case fdlen == 32:
		return 13
	case fdlen == 48:
		return 14
	case fdlen == 64:
		return 15
	default:
		panic(fmt.Sprintf("impossible DLC for payload size %d", len(data)))
	}
}

func (t *TransportLayerLogic) getNearestCanFdSize(size int) int {
	switch {
	case size <= 8:
		return size
	case size <= 12:
		return 12
	case size <= 16:
		return 16
	case size <= 20:
		return 20
	case size <= 24:
		return 24
	case size <= 32:
		return 32
	case size <= 48:
		return 48
	case size <= 64:
		return 64
	default:
		panic(fmt.Sprintf("impossible data size for CAN FD: %d", size))
	}
}

func (t *TransportLayerLogic) makeFlowControl(flowStatus int, blockSize *int, stMin *int) *CanMessage {
	bs := t.Params.BlockSize
	if blockSize != nil {
		bs = *blockSize
	}
	st := t.Params.StMin
	if stMin != nil {
		st = *stMin
	}
	data := CraftFlowControlData(flowStatus, bs, st)
	return t.makeTxMsg(t.address.GetTxArbitrationId(Physical), append(t.address.GetTxPayloadPrefix(), data...))
}

func (t *TransportLayerLogic) StopSending() {
	t.stopSending(false)
}

func (t *TransportLayerLogic) stopSending(success bool) {
	if t.activeSendRequest != nil {
		t.activeSendRequest.Complete(success)
		t.activeSendRequest = nil
	}
	t.txState = TxIdle
	t.txFrameLength = 0
	t.timerRxFC.Stop()
	t.timerTxStMin.Stop()
	t.RemoteBlockSize = nil
	t.txBlockCounter = 0
	t.txSeqNum = 0
	t.wftCounter = 0
	t.txStandbyMsg = nil
}

func (t *TransportLayerLogic) StopReceiving() {
	t.stopReceiving()
}

func (t *TransportLayerLogic) stopReceiving() {
	t.actualRxDL = nil
	t.rxState = RxIdle
	t.rxBuffer = []byte{}
	t.stopSendingFlowControl()
	t.timerRxCF.Stop()
}

func (t *TransportLayerLogic) ClearRxQueue() {
	t.rxQueue.Clear()
}

func (t *TransportLayerLogic) ClearTxQueue() {
	t.txQueue.Clear()
}

func (t *TransportLayerLogic) triggerError(err error, inhibitInListenMode ...bool) {
	if len(inhibitInListenMode) > 0 && inhibitInListenMode[0] && t.Params.ListenMode {
		return
	}
	if t.errorHandler != nil {
		t.errorHandler(err)
		return
	}
	t.Logger.Println(err)
}

func (t *TransportLayerLogic) Reset() {
	t.ClearRxQueue()
	t.ClearTxQueue()
	t.stopSending(false)
	t.stopReceiving()
	t.rateLimiter.Reset()
}

// SleepTime returns how long the worker may safely block before it must
// re-check the state machines, based on the current (Rx, Tx) state pair.
func (t *TransportLayerLogic) SleepTime() float64 {
	if v, ok := t.timings[[2]int{int(t.rxState), int(t.txState)}]; ok {
		return v
	}
	return 0.001
}

func (t *TransportLayerLogic) IsTxThrottled() bool {
	return t.txState == TxTransmitSFStandby || t.txState == TxTransmitFFStandby
}

func (t *TransportLayerLogic) IsRxActive() bool {
	return t.rxState != RxIdle
}

func (t *TransportLayerLogic) IsTxTransmittingCF() bool {
	return t.txState == TxTransmitCF
}

func (t *TransportLayerLogic) NextCFDelay() *float64 {
	if !t.IsTxTransmittingCF() {
		return nil
	}
	if t.timerTxStMin.IsTimedOut() {
		zero := 0.0
		return &zero
	}
	remaining := t.timerTxStMin.Remaining()
	return &remaining
}

func (t *TransportLayerLogic) getActualRxDL() int {
	if t.actualRxDL == nil {
		return 0
	}
	return *t.actualRxDL
}
