package tunnel

import "time"

// Clock supplies the current time in epoch milliseconds. Injected so tests
// control "now" and the window boundaries it falls on.
type Clock interface {
	NowMillis() int64
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) NowMillis() int64 {
	return time.Now().UnixMilli()
}

// FixedClock always reports the same instant.
type FixedClock struct {
	Millis int64
}

func (c FixedClock) NowMillis() int64 {
	return c.Millis
}

// WindowIndex maps an epoch-millisecond timestamp onto a rotation window.
func WindowIndex(tsMillis, windowMillis int64) int64 {
	if windowMillis <= 0 {
		return 0
	}
	w := tsMillis / windowMillis
	if tsMillis < 0 && tsMillis%windowMillis != 0 {
		w--
	}
	return w
}

// IsFresh reports whether ts is within maxSkew of now, in either direction.
func IsFresh(tsMillis, nowMillis, maxSkewMillis int64) bool {
	diff := nowMillis - tsMillis
	if diff < 0 {
		diff = -diff
	}
	return diff <= maxSkewMillis
}
