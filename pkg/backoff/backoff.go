package backoff

import "time"

// Policy is a multiplicative reconnect delay: it starts at Floor, grows by
// Factor on every Next call, and never exceeds Ceiling. Reset returns it to
// the floor. Not safe for concurrent use; the owning loop calls it from one
// goroutine.
type Policy struct {
	Floor   time.Duration
	Ceiling time.Duration
	Factor  float64

	next time.Duration
}

func NewPolicy(floor, ceiling time.Duration, factor float64) *Policy {
	return &Policy{Floor: floor, Ceiling: ceiling, Factor: factor, next: floor}
}

// Next returns the delay to wait before the upcoming attempt and advances
// the policy.
func (p *Policy) Next() time.Duration {
	d := p.next
	grown := time.Duration(float64(p.next) * p.Factor)
	if grown > p.Ceiling {
		grown = p.Ceiling
	}
	p.next = grown
	return d
}

func (p *Policy) Reset() {
	p.next = p.Floor
}
