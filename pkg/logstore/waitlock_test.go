package logstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockWaitAcquiresImmediatelyWhenFree(t *testing.T) {
	l, err := Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, l.LockWait(context.Background()))
	require.NoError(t, l.Unlock())
}

func TestLockWaitBlocksUntilHolderReleases(t *testing.T) {
	dir := t.TempDir()
	holder, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, holder.Lock())

	waiter, err := Open(dir)
	require.NoError(t, err)

	released := make(chan struct{})
	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = holder.Unlock()
		close(released)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, waiter.LockWait(ctx))
	<-released
	require.NoError(t, waiter.Unlock())
}

func TestLockWaitHonorsContextCancellation(t *testing.T) {
	dir := t.TempDir()
	holder, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, holder.Lock())
	defer holder.Unlock()

	waiter, err := Open(dir)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, waiter.LockWait(ctx), context.DeadlineExceeded)
}
