package client

import "slices"

// DefaultClockWindow is the number of samples ClockSync keeps.
const DefaultClockWindow = 8

// ClockSync estimates the offset between the server clock and the local
// clock from server timestamps observed on arrival.
//
// Each sample is serverTime - localArrival, the true offset minus the one
// way delay. The largest sample in the window has the least delay.
type ClockSync struct {
	window  int
	samples []int64
}

// NewClockSync creates a ClockSync keeping the last window samples.
//
// Precondition: window >= 1.
func NewClockSync(window int) *ClockSync {
	return &ClockSync{window: max(window, 1)}
}

// Observe records a server timestamp received at local time arrival.
func (c *ClockSync) Observe(serverTime, arrival int64) {
	c.samples = append(c.samples, serverTime-arrival)
	if len(c.samples) > c.window {
		c.samples = c.samples[len(c.samples)-c.window:]
	}
}

// Synced reports whether at least one sample was observed.
func (c *ClockSync) Synced() bool { return len(c.samples) > 0 }

// Offset returns the estimated server minus local offset, or 0 before any sample.
func (c *ClockSync) Offset() int64 {
	if len(c.samples) == 0 {
		return 0
	}
	return slices.Max(c.samples)
}

// ToLocal converts a server timestamp to the local clock.
func (c *ClockSync) ToLocal(serverTime int64) int64 { return serverTime - c.Offset() }

// ToServer converts a local timestamp to the server clock.
func (c *ClockSync) ToServer(local int64) int64 { return local + c.Offset() }
