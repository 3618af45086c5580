package transport

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterSet enforces the LIFX vendor send guideline: a per-device budget of
// 20 frames per second plus a socket-wide ceiling. Waiters are bounded; a
// send that cannot obtain tokens within the wait window is dropped.
type limiterSet struct {
	global *rate.Limiter

	mu        sync.Mutex
	perDevice map[string]*rate.Limiter
	deviceRate  rate.Limit
	deviceBurst int

	maxWait time.Duration
}

func newLimiterSet(globalRate rate.Limit, globalBurst int, deviceRate rate.Limit, deviceBurst int, maxWait time.Duration) *limiterSet {
	return &limiterSet{
		global:      rate.NewLimiter(globalRate, globalBurst),
		perDevice:   make(map[string]*rate.Limiter),
		deviceRate:  deviceRate,
		deviceBurst: deviceBurst,
		maxWait:     maxWait,
	}
}

func (l *limiterSet) device(mac string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.perDevice[mac]
	if !ok {
		lim = rate.NewLimiter(l.deviceRate, l.deviceBurst)
		l.perDevice[mac] = lim
	}
	return lim
}

// reserve blocks until both the device and global buckets grant a token, or
// until maxWait elapses. mac may be empty for broadcast frames, which only
// consume from the global bucket.
func (l *limiterSet) reserve(ctx context.Context, mac string) error {
	ctx, cancel := context.WithTimeout(ctx, l.maxWait)
	defer cancel()

	if mac != "" {
		if err := l.device(mac).Wait(ctx); err != nil {
			return ErrRateLimited
		}
	}
	if err := l.global.Wait(ctx); err != nil {
		return ErrRateLimited
	}
	return nil
}

// forget drops the bucket for a device that left the network.
func (l *limiterSet) forget(mac string) {
	l.mu.Lock()
	delete(l.perDevice, mac)
	l.mu.Unlock()
}
