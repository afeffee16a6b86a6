package isotp

import "fmt"

// ByteGenerator produces one byte per call, returning ok=false once
// exhausted. It lets Send accept a lazily produced payload instead of
// requiring the caller to materialize a full []byte up front.
type ByteGenerator func() (byte, bool)

// FiniteByteGenerator wraps a ByteGenerator with the total byte count it
// promises to produce, so the Tx state machine can size frames against
// that promise without draining the generator first.
type FiniteByteGenerator struct {
	pull      ByteGenerator
	total     int
	sent      int
	exhausted bool
}

func NewFiniteByteGenerator(gen ByteGenerator, size int) (*FiniteByteGenerator, error) {
	if gen == nil {
		return nil, fmt.Errorf("generator payload requires a non-nil ByteGenerator")
	}
	if size < 0 {
		return nil, fmt.Errorf("generator payload size must not be negative")
	}
	return &FiniteByteGenerator{pull: gen, total: size}, nil
}

func (f *FiniteByteGenerator) TotalLength() int {
	return f.total
}

func (f *FiniteByteGenerator) RemainingSize() int {
	remaining := f.total - f.sent
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (f *FiniteByteGenerator) Depleted() bool {
	return f.exhausted || f.RemainingSize() == 0
}

// Consume pulls up to n bytes out of the generator. When exact is true,
// producing fewer than n bytes (the generator ran dry early) is reported
// as a BadGeneratorError alongside whatever partial data was read, rather
// than being left for the caller to notice silently.
func (f *FiniteByteGenerator) Consume(n int, exact bool) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("cannot consume a negative number of bytes")
	}

	out := make([]byte, 0, n)
	for len(out) < n {
		b, ok := f.pull()
		if !ok {
			f.exhausted = true
			break
		}
		out = append(out, b)
	}
	f.sent += len(out)

	if f.sent > f.total {
		return out, BadGeneratorError{IsoTpError: NewIsoTpError(
			fmt.Sprintf("generator produced %d bytes, more than the declared size %d", f.sent, f.total))}
	}
	if len(out) < n {
		f.exhausted = true
		if exact {
			return out, BadGeneratorError{IsoTpError: NewIsoTpError(
				fmt.Sprintf("generator produced only %d of the %d requested bytes", len(out), n))}
		}
	}
	return out, nil
}

// sliceGenerator adapts a plain []byte into a ByteGenerator so a caller
// that already has a full payload in memory can still go through the same
// FiniteByteGenerator code path as a streaming caller.
func sliceGenerator(data []byte) ByteGenerator {
	next := 0
	return func() (byte, bool) {
		if next == len(data) {
			return 0, false
		}
		b := data[next]
		next++
		return b, true
	}
}
