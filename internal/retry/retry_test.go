package retry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastPolicy = Policy{Attempts: 4, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy, IsTransient, func() error {
		calls++
		if calls < 3 {
			return &os.LinkError{Op: "rename", Old: "a", New: "b", Err: syscall.EBUSY}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_StopsOnPermanentError(t *testing.T) {
	permanent := errors.New("no such file")
	calls := 0

	err := Do(context.Background(), fastPolicy, IsTransient, func() error {
		calls++
		return permanent
	})

	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy, nil, func() error {
		calls++
		return fmt.Errorf("attempt %d", calls)
	})

	assert.EqualError(t, err, "attempt 4")
	assert.Equal(t, 4, calls)
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	slow := Policy{Attempts: 3, InitialDelay: time.Hour}
	err := Do(ctx, slow, nil, func() error { return syscall.EAGAIN })

	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, syscall.EAGAIN)
}

func TestBackoff(t *testing.T) {
	p := Policy{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}

	assert.Equal(t, 100*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 200*time.Millisecond, p.Backoff(2))
	assert.Equal(t, 400*time.Millisecond, p.Backoff(3))
	assert.Equal(t, time.Second, p.Backoff(10))

	p.Jitter = 0.1
	for i := 0; i < 20; i++ {
		d := p.Backoff(1)
		assert.GreaterOrEqual(t, d, 90*time.Millisecond)
		assert.LessOrEqual(t, d, 110*time.Millisecond)
	}
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(&os.PathError{Op: "open", Path: "x", Err: syscall.ETXTBSY}))
	assert.False(t, IsTransient(os.ErrNotExist))
	assert.False(t, IsTransient(nil))
}
