package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestManual_NowAndAdvance(t *testing.T) {
	m := NewManual(epoch)
	assert.Equal(t, epoch, m.Now())

	m.Advance(90 * time.Second)
	assert.Equal(t, epoch.Add(90*time.Second), m.Now())
}

func TestManual_TickerFiresOncePerAdvance(t *testing.T) {
	m := NewManual(epoch)
	tk := m.NewTicker(5 * time.Second)
	defer tk.Stop()

	m.Advance(4 * time.Second)
	select {
	case <-tk.C():
		t.Fatal("ticker fired early")
	default:
	}

	// Jumping several periods delivers a single tick.
	m.Advance(16 * time.Second)
	select {
	case at := <-tk.C():
		assert.Equal(t, epoch.Add(20*time.Second), at)
	default:
		t.Fatal("expected tick")
	}
	select {
	case <-tk.C():
		t.Fatal("expected only one buffered tick")
	default:
	}

	// Next period boundary is 25s.
	m.Advance(5 * time.Second)
	select {
	case <-tk.C():
	default:
		t.Fatal("expected tick at next boundary")
	}
}

func TestManual_StopUnregisters(t *testing.T) {
	m := NewManual(epoch)
	tk := m.NewTicker(time.Second)
	require.Equal(t, 1, m.Tickers())
	tk.Stop()
	assert.Equal(t, 0, m.Tickers())

	m.Advance(time.Minute)
	select {
	case <-tk.C():
		t.Fatal("stopped ticker fired")
	default:
	}
}

func TestManual_After(t *testing.T) {
	m := NewManual(epoch)
	ch := m.After(2 * time.Second)

	m.Advance(time.Second)
	select {
	case <-ch:
		t.Fatal("fired early")
	default:
	}

	m.Advance(time.Second)
	select {
	case at := <-ch:
		assert.Equal(t, epoch.Add(2*time.Second), at)
	default:
		t.Fatal("expected After to fire")
	}
}

func TestReal_Now(t *testing.T) {
	c := Real()
	before := time.Now()
	now := c.Now()
	assert.False(t, now.Before(before))
}
