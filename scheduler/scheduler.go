// Package scheduler paces bench calls.
package scheduler

import (
	"fmt"
	"math"
	"time"
)

// Scheduler returns the offset from the bench start at which call number
// currentReq (starting from 1) is due, or stop when no more calls are due.
type Scheduler interface {
	Next(currentReq int64) (wait time.Duration, stop bool)
}

type CountLimiter struct {
	s     Scheduler
	limit int64
}

func NewCountLimiter(s Scheduler, limit int64) CountLimiter {
	return CountLimiter{s, limit}
}

func (cl CountLimiter) Next(currentReq int64) (time.Duration, bool) {
	if currentReq > cl.limit {
		return 0, false
	}
	return cl.s.Next(currentReq)
}

// A Constant issues calls at a fixed rate.
type Constant struct {
	interval time.Duration
}

func NewConstant(freq uint64) (Constant, error) {
	if freq == 0 {
		return Constant{}, fmt.Errorf("freq must be positive")
	}
	return Constant{time.Second / time.Duration(freq)}, nil
}

func (cp Constant) Next(currentReq int64) (time.Duration, bool) {
	return time.Duration(currentReq-1) * cp.interval, true
}

// Unlimited issues calls as fast as the workers take them.
type Unlimited struct{}

func (Unlimited) Next(int64) (time.Duration, bool) {
	return 0, true
}

// Line grows the rate linearly from `from` to `to` over d. The total count of
// calls issued by t is the integral of the rate, n(t) = a*t*t/2 + b*t, and
// Next solves it for t.
type Line struct {
	b          float64
	twoA       float64
	bSquare    float64
	bilionDivA float64
}

func NewLine(from, to float64, d time.Duration) (Scheduler, error) {
	if from < 0 || to < 0 {
		return nil, fmt.Errorf("rps must not be negative")
	}
	if d <= 0 {
		return nil, fmt.Errorf("duration must be positive")
	}
	a := (to - from) / d.Seconds()
	if a == 0 {
		return NewConstant(uint64(from))
	}
	b := from
	return Line{
		b:          b,
		twoA:       2 * a,
		bSquare:    b * b,
		bilionDivA: 1e9 / a,
	}, nil
}

func (cp Line) Next(currentReq int64) (time.Duration, bool) {
	n := float64(currentReq - 1)
	d := cp.twoA*n + cp.bSquare
	if d < 0 {
		// убывающая прямая дошла до нуля
		return 0, false
	}
	return time.Duration((math.Sqrt(d) - cp.b) * cp.bilionDivA), true
}
