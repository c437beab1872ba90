package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAcquireEnforcesMinDelayAcrossBackToBackCalls(t *testing.T) {
	l := New(Config{RPS: 1, BurstSize: 1, MinDelayMs: 1000, BackoffMultiplier: 2, MaxBackoffMs: 30000})

	start := time.Now()
	require.True(t, l.Acquire(5*time.Second))
	require.True(t, l.Acquire(5*time.Second))
	require.True(t, l.Acquire(5*time.Second))
	elapsed := time.Since(start)

	require.GreaterOrEqual(t, elapsed, 2*time.Second, "third of three serialized acquires must not complete before t=2000ms")
}

func TestAcquireDrainsBurstImmediatelyOnFreshLimiter(t *testing.T) {
	l := New(Config{RPS: 25, BurstSize: 30, MinDelayMs: 40, BackoffMultiplier: 2, MaxBackoffMs: 30000})

	start := time.Now()
	for i := 0; i < 30; i++ {
		require.True(t, l.Acquire(time.Second))
	}
	elapsed := time.Since(start)

	require.Less(t, elapsed, 50*time.Millisecond, "a freshly constructed, full-burst limiter must not sleep minDelay on every acquire")
}

func TestAcquireOnFullBurstLimiterWaitsForThe31stToken(t *testing.T) {
	l := New(Config{RPS: 25, BurstSize: 30, MinDelayMs: 40, BackoffMultiplier: 2, MaxBackoffMs: 30000})

	for i := 0; i < 30; i++ {
		require.True(t, l.Acquire(time.Second))
	}

	start := time.Now()
	require.True(t, l.Acquire(time.Second))
	elapsed := time.Since(start)

	require.GreaterOrEqual(t, elapsed, 30*time.Millisecond, "the 31st acquire on a drained bucket must wait for a refill")
}

func TestAcquireTimesOutWhenNoTokenArrivesInTime(t *testing.T) {
	l := New(Config{RPS: 1, BurstSize: 1, MinDelayMs: 1000, BackoffMultiplier: 2, MaxBackoffMs: 30000})
	require.True(t, l.Acquire(time.Second))

	start := time.Now()
	ok := l.Acquire(50 * time.Millisecond)
	elapsed := time.Since(start)

	require.False(t, ok)
	require.Less(t, elapsed, 200*time.Millisecond)
}

func TestAcquireServesWaitersFIFO(t *testing.T) {
	l := New(Config{RPS: 1, BurstSize: 1, MinDelayMs: 50, BackoffMultiplier: 2, MaxBackoffMs: 30000})
	require.True(t, l.Acquire(time.Second)) // drain the single burst token, future acquires must queue

	order := make(chan int, 3)
	done := make(chan struct{})
	for i := 0; i < 3; i++ {
		go func(i int) {
			if i > 0 {
				time.Sleep(time.Duration(i) * 5 * time.Millisecond) // stagger enqueue order deterministically
			}
			l.Acquire(2 * time.Second)
			order <- i
			if i == 2 {
				close(done)
			}
		}(i)
	}
	<-done

	first := <-order
	second := <-order
	third := <-order
	require.Equal(t, []int{0, 1, 2}, []int{first, second, third})
}

func TestReportRateLimitErrorEscalatesBackoffAndCaps(t *testing.T) {
	l := New(Config{RPS: 10, BurstSize: 10, MinDelayMs: 100, BackoffMultiplier: 2, MaxBackoffMs: 700})

	l.ReportRateLimitError()
	require.InDelta(t, 200, l.GetState().CurrentBackoffMs, 0.001)

	l.ReportRateLimitError()
	require.InDelta(t, 400, l.GetState().CurrentBackoffMs, 0.001)

	l.ReportRateLimitError()
	require.InDelta(t, 700, l.GetState().CurrentBackoffMs, 0.001, "backoff must cap at maxBackoffMs instead of reaching 800")
}

func TestReportRateLimitErrorDelaysNextAcquire(t *testing.T) {
	l := New(Config{RPS: 10, BurstSize: 10, MinDelayMs: 100, BackoffMultiplier: 2, MaxBackoffMs: 30000})
	require.True(t, l.Acquire(time.Second))
	l.ReportRateLimitError()

	start := time.Now()
	require.True(t, l.Acquire(2*time.Second))
	elapsed := time.Since(start)

	require.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
}

func TestReportSuccessClearsBackoffAndErrorCount(t *testing.T) {
	l := New(Config{RPS: 10, BurstSize: 10, MinDelayMs: 10, BackoffMultiplier: 2, MaxBackoffMs: 30000})
	l.ReportRateLimitError()
	l.ReportSuccess()

	s := l.GetState()
	require.Equal(t, 0.0, s.CurrentBackoffMs)
	require.Equal(t, 0, s.ConsecutiveErrors)
}

func TestDefaultsForRPSSizingTiers(t *testing.T) {
	low := DefaultsForRPS(3)
	require.Equal(t, 1, low.BurstSize)

	mid := DefaultsForRPS(5)
	require.Equal(t, 2, mid.BurstSize)

	high := DefaultsForRPS(25)
	require.Equal(t, 38, high.BurstSize) // ceil(25 * 1.5)
}

func TestSetSharesOneLimiterPerProvider(t *testing.T) {
	s := NewSet()
	a := s.For("p1", 10)
	b := s.For("p1", 10)
	require.Same(t, a, b)

	s.ReportRateLimitError("p1")
	require.Greater(t, a.GetState().CurrentBackoffMs, 0.0)
}
