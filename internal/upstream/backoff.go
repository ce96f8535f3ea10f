package upstream

import (
	"math/rand"
	"time"
)

// decorrelatedJitter implements the "decorrelated jitter" backoff
// described in spec.md §4.2: base 1s, cap 30s, factor 2. No pack
// example wires a request-level backoff helper library for this, so
// it's hand-rolled here (documented in DESIGN.md).
type decorrelatedJitter struct {
	base time.Duration
	cap  time.Duration
	prev time.Duration
}

func newDecorrelatedJitter() *decorrelatedJitter {
	return &decorrelatedJitter{base: time.Second, cap: 30 * time.Second}
}

// next returns the delay before the next attempt and advances state.
// sleep = min(cap, random_between(base, prev*2)).
func (d *decorrelatedJitter) next() time.Duration {
	prev := d.prev
	if prev < d.base {
		prev = d.base
	}
	upper := prev * 2
	if upper > d.cap {
		upper = d.cap
	}
	span := upper - d.base
	var sleep time.Duration
	if span <= 0 {
		sleep = d.base
	} else {
		sleep = d.base + time.Duration(rand.Int63n(int64(span)))
	}
	d.prev = sleep
	return sleep
}
