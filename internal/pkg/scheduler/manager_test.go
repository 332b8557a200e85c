package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_StartStop(t *testing.T) {
	var runs int32
	m := NewManager(Job{Name: "tick", Interval: 5 * time.Millisecond, Run: func(context.Context) error {
		atomic.AddInt32(&runs, 1)
		return nil
	}})

	require.NoError(t, m.Start())
	assert.True(t, m.IsRunning())
	require.NoError(t, m.Start(), "second start is a no-op")

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&runs) >= 2 }, time.Second, 5*time.Millisecond)

	assert.True(t, m.Stop(time.Second))
	assert.False(t, m.IsRunning())

	after := atomic.LoadInt32(&runs)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, atomic.LoadInt32(&runs), "no triggers after stop")

	assert.True(t, m.Stop(time.Second), "stopping twice is safe")
}

func TestManager_StartRejectsInvalidInterval(t *testing.T) {
	m := NewManager(
		Job{Name: "ok", Interval: time.Minute, Run: func(context.Context) error { return nil }},
		Job{Name: "broken", Run: func(context.Context) error { return nil }},
	)
	assert.Error(t, m.Start())
	assert.False(t, m.IsRunning())
}

func TestManager_StopAbandonsAfterGrace(t *testing.T) {
	started := make(chan struct{})
	var cancelled int32
	m := NewManager(Job{Name: "slow", Interval: time.Millisecond, Run: func(ctx context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		atomic.StoreInt32(&cancelled, 1)
		return ctx.Err()
	}})
	require.NoError(t, m.Start())
	<-started

	assert.False(t, m.Stop(20*time.Millisecond))
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&cancelled) == 1 }, time.Second, 5*time.Millisecond)
}

func TestManager_StatusAndRunOnce(t *testing.T) {
	m := NewManager(
		Job{Name: JobTokenRefresh, Interval: time.Hour, Run: func(context.Context) error { return nil }},
		Job{Name: JobAuditCleanup, Interval: 24 * time.Hour, Run: func(context.Context) error { return errors.New("db down") }},
	)

	require.NoError(t, m.RunOnce(context.Background(), JobTokenRefresh))
	require.Error(t, m.RunOnce(context.Background(), JobAuditCleanup))
	require.Error(t, m.RunOnce(context.Background(), "unknown"))

	st := m.Status()
	assert.False(t, st.Running)
	require.Len(t, st.Jobs, 2)
	assert.Equal(t, "1h0m0s", st.Jobs[0].Interval)
	assert.Equal(t, 1, st.Jobs[0].Runs)
	assert.NotNil(t, st.Jobs[0].LastRun)
	assert.Empty(t, st.Jobs[0].LastError)
	assert.Equal(t, "db down", st.Jobs[1].LastError)
}
