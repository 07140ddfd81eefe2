package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeClock_AdvanceMovesNow(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := Fake(start)

	c.Advance(90 * time.Second)
	assert.Equal(t, start.Add(90*time.Second), c.Now())
}

func TestFakeClock_TickerFiresOnAdvance(t *testing.T) {
	c := Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	ticker := c.NewTicker(time.Minute)
	defer ticker.Stop()

	c.Advance(30 * time.Second)
	select {
	case <-ticker.C:
		t.Fatal("ticker fired before its interval elapsed")
	default:
	}

	c.Advance(30 * time.Second)
	select {
	case <-ticker.C:
	default:
		t.Fatal("ticker did not fire after its interval elapsed")
	}
}

func TestFakeClock_StoppedTickerDoesNotFire(t *testing.T) {
	c := Fake(time.Now())
	ticker := c.NewTicker(time.Second)
	ticker.Stop()

	c.Advance(5 * time.Second)
	select {
	case <-ticker.C:
		t.Fatal("stopped ticker fired")
	default:
	}
}

func TestFakeClock_WaitForTickers(t *testing.T) {
	c := Fake(time.Now())
	done := make(chan struct{})
	go func() {
		c.WaitForTickers(1)
		close(done)
	}()

	c.NewTicker(time.Second)
	select {
	case <-done:
	case <-time.After(time.Second):
		require.FailNow(t, "WaitForTickers did not return")
	}
}

func TestFakeClock_NewTickerPanicsOnNonPositive(t *testing.T) {
	c := Fake(time.Now())
	assert.Panics(t, func() { c.NewTicker(0) })
}
