package timerutil

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTimerFiresAfterDuration(t *testing.T) {
	var fired int32
	tm := New(func() { atomic.StoreInt32(&fired, 1) })
	tm.Start(10 * time.Millisecond)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&fired) == 1
	}, time.Second, time.Millisecond)
}

func TestTimerStopCancelsPendingExpiry(t *testing.T) {
	var fired int32
	tm := New(func() { atomic.StoreInt32(&fired, 1) })
	tm.Start(50 * time.Millisecond)
	tm.Stop()

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, int32(0), atomic.LoadInt32(&fired))
}

func TestTimerStartReplacesPendingExpiry(t *testing.T) {
	var count int32
	tm := New(func() { atomic.AddInt32(&count, 1) })
	tm.Start(200 * time.Millisecond)
	tm.Start(10 * time.Millisecond)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&count) == 1
	}, time.Second, time.Millisecond)

	time.Sleep(250 * time.Millisecond)
	require.Equal(t, int32(1), atomic.LoadInt32(&count))
}
