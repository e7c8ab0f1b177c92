package connection

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Jitter band applied to every reconnect delay so a fleet of listener
// instances does not storm the broker in lockstep.
const (
	jitterMin = 0.8
	jitterMax = 1.2
)

// Backoff computes reconnect delays: min(base * multiplier^attempt, cap),
// scaled by a uniform jitter in [jitterMin, jitterMax].
type Backoff struct {
	Base       time.Duration
	Multiplier float64
	Cap        time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

func NewBackoff(base time.Duration, multiplier float64, cap time.Duration) *Backoff {
	return &Backoff{
		Base:       base,
		Multiplier: multiplier,
		Cap:        cap,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Delay returns the jittered delay for the given zero-based attempt.
func (b *Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	d := float64(b.Base) * math.Pow(b.Multiplier, float64(attempt))
	if d > float64(b.Cap) || math.IsInf(d, 1) || d < 0 {
		d = float64(b.Cap)
	}

	b.mu.Lock()
	jitter := jitterMin + b.rng.Float64()*(jitterMax-jitterMin)
	b.mu.Unlock()

	return time.Duration(d * jitter)
}
