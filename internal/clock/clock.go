// Package clock provides an injectable time source so schedulers and
// backoff math can be driven deterministically in tests.
package clock

import "time"

// Clock is the minimal time surface the pipeline depends on.
type Clock interface {
	Now() time.Time
}

// System is the wall-clock implementation used in production.
type System struct{}

func (System) Now() time.Time { return time.Now().UTC() }

// Fake is a settable clock for tests.
type Fake struct {
	Current time.Time
}

func NewFake(t time.Time) *Fake { return &Fake{Current: t} }

func (f *Fake) Now() time.Time { return f.Current }

// Advance moves the fake clock forward by d.
func (f *Fake) Advance(d time.Duration) { f.Current = f.Current.Add(d) }
