package isotp

import "time"

// Timer tracks a single deadline, mirroring the protocol's N_Bs/N_Cr/STmin
// timeouts: it is inert until Start is called, and a zero timeout is
// considered already expired the instant it starts (the case STmin=0
// relies on to let a consecutive frame go out immediately).
type Timer struct {
	deadline time.Time
	timeout  time.Duration
	running  bool
}

func NewTimer(timeoutSeconds float64) *Timer {
	t := &Timer{}
	t.SetTimeout(timeoutSeconds)
	return t
}

func (t *Timer) SetTimeout(timeoutSeconds float64) {
	t.timeout = time.Duration(timeoutSeconds * float64(time.Second))
}

// Start arms the timer against its current timeout, or against a new one if
// given, and begins counting down from now.
func (t *Timer) Start(timeoutSeconds ...float64) {
	if len(timeoutSeconds) > 0 {
		t.SetTimeout(timeoutSeconds[0])
	}
	t.deadline = time.Now().Add(t.timeout)
	t.running = true
}

func (t *Timer) Stop() {
	t.running = false
	t.deadline = time.Time{}
}

func (t *Timer) IsTimedOut() bool {
	if !t.running {
		return false
	}
	if t.timeout <= 0 {
		return true
	}
	return !time.Now().Before(t.deadline)
}

// Remaining reports how much time is left before the deadline, in seconds.
// It is zero once stopped or once the deadline has passed.
func (t *Timer) Remaining() float64 {
	if !t.running {
		return 0
	}
	left := time.Until(t.deadline)
	if left < 0 {
		left = 0
	}
	return left.Seconds()
}
