package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPolicySequence(t *testing.T) {
	p := NewPolicy(5*time.Second, 60*time.Second, 1.5)

	want := []time.Duration{
		5 * time.Second,
		7500 * time.Millisecond,
		11250 * time.Millisecond,
		16875 * time.Millisecond,
		25312500 * time.Microsecond,
		37968750 * time.Microsecond,
		56953125 * time.Microsecond,
		60 * time.Second,
		60 * time.Second,
	}
	for i, w := range want {
		assert.Equal(t, w, p.Next(), "attempt %d", i)
	}
}

func TestPolicyReset(t *testing.T) {
	p := NewPolicy(5*time.Second, 60*time.Second, 1.5)

	p.Next()
	p.Next()
	p.Next()
	p.Reset()

	assert.Equal(t, 5*time.Second, p.Next())
	assert.Equal(t, 7500*time.Millisecond, p.Next())
}

func TestPolicyNeverExceedsCeiling(t *testing.T) {
	p := NewPolicy(time.Second, 10*time.Second, 3)

	for i := 0; i < 20; i++ {
		d := p.Next()
		assert.LessOrEqual(t, d, 10*time.Second)
	}
	assert.Equal(t, 10*time.Second, p.Next())
}
