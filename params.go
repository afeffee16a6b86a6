package isotp

import (
	"fmt"
	"math"
	"time"
)

// Params is the flat, validated configuration record for a Transport. Every
// field except WaitFunc maps to one of the named keys in the ISO-TP
// parameter table; WaitFunc is not read by this package. There is no hidden
// state beyond what is listed here.
type Params struct {
	StMin                  int
	BlockSize              int
	OverrideReceiverStMin  *float64
	RxFlowControlTimeoutMs int
	RxConsecutiveTimeoutMs int
	TxPadding              *int
	WftMax                 int
	TxDataLength           int
	TxDataMinLength        *int
	MaxFrameSize           int
	CanFD                  bool
	BitrateSwitch          bool
	DefaultTargetType      uint32
	RateLimitMaxBitrate    int
	RateLimitWindowSize    float64
	RateLimitEnable        bool
	ListenMode             bool
	BlockingSend           bool
	LoggerName             string
	WaitFunc               func(time.Duration)
}

func NewParams() Params {
	return Params{
		StMin:                  0,
		BlockSize:              8,
		OverrideReceiverStMin:  nil,
		RxFlowControlTimeoutMs: 1000,
		RxConsecutiveTimeoutMs: 1000,
		TxPadding:              nil,
		WftMax:                 0,
		TxDataLength:           8,
		TxDataMinLength:        nil,
		MaxFrameSize:           4095,
		CanFD:                  false,
		BitrateSwitch:          false,
		DefaultTargetType:      Physical,
		RateLimitMaxBitrate:    10000000,
		RateLimitWindowSize:    0.2,
		RateLimitEnable:        false,
		ListenMode:             false,
		BlockingSend:           false,
		LoggerName:             "isotp",
		WaitFunc:               func(d time.Duration) { time.Sleep(d) },
	}
}

func (p *Params) Validate() error {
	if p.RxFlowControlTimeoutMs < 0 {
		return fmt.Errorf("rx_flowcontrol_timeout must be positive integer")
	}
	if p.RxConsecutiveTimeoutMs < 0 {
		return fmt.Errorf("rx_consecutive_frame_timeout must be positive integer")
	}
	if p.TxPadding != nil {
		if *p.TxPadding < 0 || *p.TxPadding > 0xFF {
			return fmt.Errorf("tx_padding must be between 0x00 and 0xFF")
		}
	}
	if p.StMin < 0 || p.StMin > 0xFF {
		return fmt.Errorf("stmin must be between 0x00 and 0xFF")
	}
	if p.BlockSize < 0 || p.BlockSize > 0xFF {
		return fmt.Errorf("blocksize must be between 0x00 and 0xFF")
	}
	if p.OverrideReceiverStMin != nil {
		if *p.OverrideReceiverStMin < 0 || math.IsInf(*p.OverrideReceiverStMin, 0) || math.IsNaN(*p.OverrideReceiverStMin) {
			return fmt.Errorf("invalid override_receiver_stmin")
		}
	}
	validTxDataLengths := map[int]bool{8: true, 12: true, 16: true, 20: true, 24: true, 32: true, 48: true, 64: true}
	if !validTxDataLengths[p.TxDataLength] {
		return fmt.Errorf("tx_data_length must be one of 8, 12, 16, 20, 24, 32, 48, 64")
	}
	if p.TxDataMinLength != nil {
		validMin := map[int]bool{1: true, 2: true, 3: true, 4: true, 5: true, 6: true, 7: true, 8: true, 12: true, 16: true, 20: true, 24: true, 32: true, 48: true, 64: true}
		if !validMin[*p.TxDataMinLength] {
			return fmt.Errorf("invalid tx_data_min_length")
		}
		if *p.TxDataMinLength > p.TxDataLength {
			return fmt.Errorf("tx_data_min_length cannot be greater than tx_data_length")
		}
	}
	if p.MaxFrameSize < 0 {
		return fmt.Errorf("max_frame_size must be positive")
	}
	if p.RateLimitMaxBitrate <= 0 {
		return fmt.Errorf("rate_limit_max_bitrate must be greater than 0")
	}
	if p.RateLimitWindowSize <= 0 {
		return fmt.Errorf("rate_limit_window_size must be greater than 0")
	}
	if p.RateLimitEnable && float64(p.RateLimitMaxBitrate)*p.RateLimitWindowSize < float64(p.TxDataLength*8) {
		return fmt.Errorf("rate limiter too restrictive for a single frame")
	}
	return nil
}

// SendGenerator wraps a generator function with its total declared size,
// letting Send accept lazily produced payloads alongside plain []byte.
type SendGenerator struct {
	Gen  ByteGenerator
	Size int
}

// SendRequest is one payload queued for transmission. Success and
// completeCh back the blocking-send API: Complete is called exactly once
// by the worker when the Tx state machine leaves this request's frame(s)
// behind, successfully or not.
type SendRequest struct {
	Generator         *FiniteByteGenerator
	TargetAddressType uint32
	completeCh        chan bool
	Success           bool
}

func NewSendRequest(data interface{}, targetAddressType uint32) (*SendRequest, error) {
	var gen *FiniteByteGenerator
	switch v := data.(type) {
	case []byte:
		g, err := NewFiniteByteGenerator(sliceGenerator(v), len(v))
		if err != nil {
			return nil, err
		}
		gen = g
	case SendGenerator:
		g, err := NewFiniteByteGenerator(v.Gen, v.Size)
		if err != nil {
			return nil, err
		}
		gen = g
	default:
		return nil, fmt.Errorf("data must be []byte or SendGenerator")
	}

	return &SendRequest{
		Generator:         gen,
		TargetAddressType: targetAddressType,
		completeCh:        make(chan bool, 1),
	}, nil
}

func (s *SendRequest) Complete(success bool) {
	s.Success = success
	select {
	case s.completeCh <- success:
	default:
	}
}

// ProcessStats reports what one Process call moved through the state
// machines. SleepTime does not use it.
type ProcessStats struct {
	Received          int
	ReceivedProcessed int
	Sent              int
	FrameReceived     int
}

type ProcessRxReport struct {
	ImmediateTxRequired bool
	FrameReceived       bool
}

type ProcessTxReport struct {
	Msg                 *CanMessage
	ImmediateRxRequired bool
}

type RxFn func(timeout float64) *CanMessage
type TxFn func(msg *CanMessage) error
type PostSendCallback func(*SendRequest)
type ErrorHandler func(error)
