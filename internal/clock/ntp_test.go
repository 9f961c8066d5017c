package clock

import (
	"errors"
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

func TestNTPCheckerThreshold(t *testing.T) {
	c := NewNTPChecker("example.invalid")

	c.QueryFunc = func(string) (time.Duration, error) { return 2 * time.Second, nil }
	assert.Assert(t, c.Check().Healthy)

	c.QueryFunc = func(string) (time.Duration, error) { return -45 * time.Second, nil }
	st := c.Check()
	assert.Assert(t, !st.Healthy)
	assert.Equal(t, c.Status().Offset, -45*time.Second)

	c.QueryFunc = func(string) (time.Duration, error) { return 0, errors.New("no route") }
	st = c.Check()
	assert.Assert(t, !st.Healthy)
	assert.ErrorContains(t, st.Err, "no route")
}

func TestFakeClock(t *testing.T) {
	start := time.Unix(1700000000, 0)
	c := NewFake(start)
	c.Advance(3 * time.Second)
	assert.Equal(t, c.Now(), start.Add(3*time.Second))
}
