package isotp

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// burst is one recorded transmission inside the rate limiter's sliding
// window: how many bits went out and the monotonic time they were sent.
type burst struct {
	at   float64
	bits int
}

// RateLimiter caps outbound payload bitrate over a sliding time window: it
// keeps a short history of bursts and only allows a frame out once the bits
// already sent inside the window leave room for it. Only the CAN data
// field is charged against the budget; arbitration/CRC overhead is not.
type RateLimiter struct {
	Enabled       bool
	MeanBitrate   float64
	WindowSizeSec float64
	ErrorReason   string

	mu           sync.Mutex
	history      []burst
	bitTotal     int
	windowBitMax float64
}

func NewRateLimiter(meanBitrate float64, windowSizeSec float64) *RateLimiter {
	rl := &RateLimiter{
		MeanBitrate:   meanBitrate,
		WindowSizeSec: windowSizeSec,
	}
	rl.Reset()
	return rl
}

func (r *RateLimiter) CanBeEnabled() bool {
	switch {
	case r.MeanBitrate <= 0:
		r.ErrorReason = "mean_bitrate must be greater than 0"
	case r.WindowSizeSec <= 0:
		r.ErrorReason = "window_size_sec must be greater than 0"
	default:
		return true
	}
	return false
}

func (r *RateLimiter) Enable() {
	if !r.CanBeEnabled() {
		panic(fmt.Sprintf("cannot enable RateLimiter: %s", r.ErrorReason))
	}
	r.Enabled = true
	r.Reset()
}

func (r *RateLimiter) Disable() {
	r.Enabled = false
}

func (r *RateLimiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = nil
	r.bitTotal = 0
	r.windowBitMax = r.MeanBitrate * r.WindowSizeSec
}

// Update evicts every burst that has aged out of the window. It must run
// once per worker tick so AllowedBytes reflects the current time rather
// than the time of the last transmission.
func (r *RateLimiter) Update() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.Enabled {
		r.history = nil
		r.bitTotal = 0
		return
	}

	now := monotonicSeconds()
	cutoff := 0
	for cutoff < len(r.history) && now-r.history[cutoff].at > r.WindowSizeSec {
		r.bitTotal -= r.history[cutoff].bits
		cutoff++
	}
	if cutoff > 0 {
		r.history = r.history[cutoff:]
	}
}

// AllowedBytes returns how many data-field bytes may still go out inside
// the current window without exceeding the configured bitrate.
func (r *RateLimiter) AllowedBytes() int {
	if !r.Enabled {
		return int(^uint32(0) >> 1)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	allowedBits := math.Max(0, r.windowBitMax-float64(r.bitTotal))
	return int(allowedBits / 8.0)
}

// InformByteSent records a frame's data-field length against the window.
// Transmissions within 5ms of the previous one are coalesced into the same
// burst entry rather than growing the history unbounded under a fast
// multi-frame send.
func (r *RateLimiter) InformByteSent(dataLen int) {
	if !r.Enabled {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := monotonicSeconds()
	bits := dataLen * 8
	if n := len(r.history); n > 0 && now-r.history[n-1].at <= 0.005 {
		r.history[n-1].bits += bits
	} else {
		r.history = append(r.history, burst{at: now, bits: bits})
	}
	r.bitTotal += bits
}

var processStart = time.Now()

// monotonicSeconds measures elapsed process time rather than wall-clock
// time, so the window's arithmetic never observes a system clock step.
func monotonicSeconds() float64 {
	return time.Since(processStart).Seconds()
}
