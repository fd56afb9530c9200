package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeAfterFuncOrder(t *testing.T) {
	c := NewFake(epoch)
	var fired []string
	c.AfterFunc(3*time.Second, func() { fired = append(fired, "c") })
	c.AfterFunc(1*time.Second, func() { fired = append(fired, "a") })
	c.AfterFunc(2*time.Second, func() { fired = append(fired, "b") })

	c.Advance(2 * time.Second)
	require.Equal(t, []string{"a", "b"}, fired)
	require.Equal(t, 1, c.PendingCount())

	c.Advance(time.Second)
	require.Equal(t, []string{"a", "b", "c"}, fired)
	require.Equal(t, epoch.Add(3*time.Second), c.Now())
}

func TestFakeTimerStop(t *testing.T) {
	c := NewFake(epoch)
	called := false
	tm := c.AfterFunc(time.Second, func() { called = true })
	require.True(t, tm.Stop())
	require.False(t, tm.Stop())
	c.Advance(5 * time.Second)
	require.False(t, called)
}

func TestFakeCallbackSchedulesFollowUp(t *testing.T) {
	c := NewFake(epoch)
	var at []time.Time
	c.AfterFunc(time.Second, func() {
		at = append(at, c.Now())
		c.AfterFunc(time.Second, func() { at = append(at, c.Now()) })
	})
	c.Advance(3 * time.Second)
	require.Equal(t, []time.Time{epoch.Add(time.Second), epoch.Add(2 * time.Second)}, at)
}

func TestFakeAfterAndTicker(t *testing.T) {
	c := NewFake(epoch)
	ch := c.After(time.Second)
	tk := c.NewTicker(time.Second)
	defer tk.Stop()

	go c.Advance(time.Second)
	require.Equal(t, epoch.Add(time.Second), <-ch)
	require.Equal(t, epoch.Add(time.Second), <-tk.C)
}

func TestFakeWaitForTimers(t *testing.T) {
	c := NewFake(epoch)
	done := make(chan struct{})
	go func() {
		<-c.After(time.Minute)
		close(done)
	}()
	c.WaitForTimers(1)
	c.Advance(time.Minute)
	<-done
}
