package isotp

import "fmt"

// PDU is a decoded ISO-15765-2 protocol data unit extracted from a CAN
// frame, after any addressing prefix has already been stripped off.
type PDU struct {
	Type           int
	Length         *int
	Data           []byte
	BlockSize      *int
	StMin          *int
	StMinSeconds   *float64
	SeqNum         *int
	FlowStatus     *int
	RxDL           int
	EscapeSequence bool
	CanDL          int
}

const (
	PDUSingleFrame = iota
	PDUFirstFrame
	PDUConsecutiveFrame
	PDUFlowControl
)

const (
	FlowStatusContinueToSend = iota
	FlowStatusWait
	FlowStatusOverflow
)

// NewPDU decodes one CAN frame into a PDU. startOfData is the size of the
// addressing prefix (0 or 1 byte) that precedes the PCI byte and must be
// skipped before decoding begins.
func NewPDU(msg CanMessage, startOfData int) (*PDU, error) {
	if len(msg.Data) < startOfData {
		return nil, fmt.Errorf("frame shorter than the configured address prefix")
	}
	body := msg.Data[startOfData:]
	if len(body) == 0 {
		return nil, fmt.Errorf("empty CAN frame after stripping address prefix")
	}

	p := &PDU{
		Data:  []byte{},
		CanDL: len(msg.Data),
		RxDL:  maxInt(8, len(msg.Data)),
	}

	frameType := int(body[0]>>4) & 0xF
	if frameType > PDUFlowControl {
		return nil, fmt.Errorf("unrecognized PCI frame type %d", frameType)
	}
	p.Type = frameType

	var err error
	switch frameType {
	case PDUSingleFrame:
		err = p.decodeSingleFrame(body, startOfData)
	case PDUFirstFrame:
		err = p.decodeFirstFrame(body, startOfData)
	case PDUConsecutiveFrame:
		p.decodeConsecutiveFrame(body)
	case PDUFlowControl:
		err = p.decodeFlowControl(body, startOfData)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// decodeSingleFrame handles PCI nibble 0x0. A zero length nibble signals the
// escape form, where a second byte carries the real length - used when the
// 4-bit inline length field cannot express the payload size (CAN-FD).
func (p *PDU) decodeSingleFrame(body []byte, startOfData int) error {
	shortLen := int(body[0]) & 0xF
	if shortLen != 0 {
		if shortLen > len(body)-1 {
			return fmt.Errorf("single frame declares %d bytes but only %d are available", shortLen, len(body)-1)
		}
		p.Length = intPtr(shortLen)
		p.Data = body[1 : 1+shortLen]
		return nil
	}

	if len(body) < 2 {
		return fmt.Errorf("single frame escape sequence needs at least %d bytes", 2+startOfData)
	}
	p.EscapeSequence = true
	length := int(body[1])
	if length == 0 {
		return fmt.Errorf("single frame declares zero-length payload")
	}
	if length > len(body)-2 {
		return fmt.Errorf("single frame declares %d bytes but only %d are available", length, len(body)-2)
	}
	p.Length = intPtr(length)
	p.Data = body[2 : 2+length]
	return nil
}

// decodeFirstFrame handles PCI nibble 0x1. A zero 12-bit length field
// signals the escape form, where the full length rides in 4 bytes right
// after the PCI word instead.
func (p *PDU) decodeFirstFrame(body []byte, startOfData int) error {
	if len(body) < 2 {
		return fmt.Errorf("first frame needs at least %d bytes", 2+startOfData)
	}
	shortLen := (int(body[0])&0xF)<<8 | int(body[1])
	if shortLen != 0 {
		p.Length = intPtr(shortLen)
		p.Data = body[2:minInt(len(body), 2+shortLen)]
		return nil
	}

	if len(body) < 6 {
		return MissingEscapeSequenceError{IsoTpError: NewIsoTpError(
			fmt.Sprintf("first frame escape sequence needs at least %d bytes", 6+startOfData))}
	}
	p.EscapeSequence = true
	length := int(body[2])<<24 | int(body[3])<<16 | int(body[4])<<8 | int(body[5])
	p.Length = intPtr(length)
	p.Data = body[6:minInt(len(body), 6+length)]
	return nil
}

// decodeConsecutiveFrame handles PCI nibble 0x2: a 4-bit rolling sequence
// number followed by whatever payload the frame has room for.
func (p *PDU) decodeConsecutiveFrame(body []byte) {
	seq := int(body[0]) & 0xF
	p.SeqNum = &seq
	p.Data = body[1:]
}

// decodeFlowControl handles PCI nibble 0x3: flow status, advertised block
// size, and the separation time the sender must honor between consecutive
// frames.
func (p *PDU) decodeFlowControl(body []byte, startOfData int) error {
	if len(body) < 3 {
		return fmt.Errorf("flow control frame needs at least %d bytes", 3+startOfData)
	}
	status := int(body[0]) & 0xF
	if status > FlowStatusOverflow {
		return fmt.Errorf("flow control frame carries unknown flow status %d", status)
	}
	p.FlowStatus = &status

	blockSize := int(body[1])
	p.BlockSize = &blockSize

	rawStMin := int(body[2])
	stMinSeconds, err := decodeStMin(rawStMin)
	if err != nil {
		return err
	}
	p.StMin = &rawStMin
	p.StMinSeconds = &stMinSeconds
	return nil
}

// decodeStMin converts a raw STmin byte into seconds. The reserved ranges
// (0x80-0xF0, 0xFA-0xFF) are treated as 0x7F (127ms); only a value outside
// the byte range is rejected.
func decodeStMin(raw int) (float64, error) {
	switch {
	case raw >= 0 && raw <= 0x7F:
		return float64(raw) / 1000.0, nil
	case raw >= 0xF1 && raw <= 0xF9:
		return float64(raw-0xF0) / 10000.0, nil
	case raw >= 0x80 && raw <= 0xFF:
		return float64(0x7F) / 1000.0, nil
	default:
		return 0, fmt.Errorf("invalid StMin received in flow control")
	}
}

func (p *PDU) Name() string {
	switch p.Type {
	case PDUSingleFrame:
		return "SINGLE_FRAME"
	case PDUFirstFrame:
		return "FIRST_FRAME"
	case PDUConsecutiveFrame:
		return "CONSECUTIVE_FRAME"
	case PDUFlowControl:
		return "FLOW_CONTROL"
	default:
		return "[None]"
	}
}

// CraftFlowControlData builds the 3-byte payload of a FlowControl frame.
func CraftFlowControlData(flowStatus, blockSize, stMin int) []byte {
	return []byte{
		byte(0x30 | flowStatus&0xF),
		byte(blockSize & 0xFF),
		byte(stMin & 0xFF),
	}
}

func intPtr(v int) *int { return &v }

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
