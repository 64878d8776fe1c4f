package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFakeClockAfterAdvances(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := Fake(start)

	fired := <-c.After(2 * time.Second)
	require.Equal(t, start.Add(2*time.Second), fired)
	require.Equal(t, start.Add(2*time.Second), c.Now())

	c.Advance(-time.Second)
	require.Equal(t, start.Add(2*time.Second), c.Now())
}
