package arbiter

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNamedLock_Exclusive(t *testing.T) {
	dir := t.TempDir()
	name := uuid.NewString()

	first, err := OpenNamedLock(name, dir)
	require.NoError(t, err)
	defer first.Close()

	second, err := OpenNamedLock(name, dir)
	require.NoError(t, err)
	defer second.Close()

	ok, err := first.TryLock()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, first.Held())

	ok, err = second.TryLock()
	require.NoError(t, err)
	assert.False(t, ok, "second lock must not acquire while first holds it")

	// Reacquiring a held lock is a no-op success.
	ok, err = first.TryLock()
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, first.Unlock())
	assert.False(t, first.Held())

	ok, err = second.TryLock()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNamedLock_UnlockNotHeld(t *testing.T) {
	l, err := OpenNamedLock(uuid.NewString(), t.TempDir())
	require.NoError(t, err)
	defer l.Close()

	assert.ErrorIs(t, l.Unlock(), ErrNotHeld)
}

func TestNamedLock_LockTimesOut(t *testing.T) {
	dir := t.TempDir()
	name := uuid.NewString()

	holder, err := OpenNamedLock(name, dir)
	require.NoError(t, err)
	defer holder.Close()
	ok, err := holder.TryLock()
	require.NoError(t, err)
	require.True(t, ok)

	waiter, err := OpenNamedLock(name, dir)
	require.NoError(t, err)
	defer waiter.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	ok, err = waiter.Lock(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestNamedLock_LockAcquiresAfterRelease(t *testing.T) {
	dir := t.TempDir()
	name := uuid.NewString()

	holder, err := OpenNamedLock(name, dir)
	require.NoError(t, err)
	ok, err := holder.TryLock()
	require.NoError(t, err)
	require.True(t, ok)

	waiter, err := OpenNamedLock(name, dir)
	require.NoError(t, err)
	defer waiter.Close()

	go func() {
		time.Sleep(50 * time.Millisecond)
		holder.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ok, err = waiter.Lock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, waiter.Abandoned())
}

func TestNamedLock_ClosedOperations(t *testing.T) {
	l, err := OpenNamedLock(uuid.NewString(), t.TempDir())
	require.NoError(t, err)

	require.NoError(t, l.Close())
	require.NoError(t, l.Close(), "Close must be idempotent")

	_, err = l.TryLock()
	assert.ErrorIs(t, err, ErrLockClosed)
}

func TestArbitrator_SingleOwner(t *testing.T) {
	dir := t.TempDir()
	name := uuid.NewString()

	var changes atomic.Int32
	a, err := New(name, WithLockDir(dir), WithOnChange(func(p Priority) {
		assert.Equal(t, PriorityHigh, p)
		changes.Add(1)
	}))
	require.NoError(t, err)
	defer a.Close()

	b, err := New(name, WithLockDir(dir))
	require.NoError(t, err)
	defer b.Close()

	assert.Equal(t, PriorityNone, a.Priority())
	assert.True(t, a.TryAcquire())
	assert.True(t, a.TryAcquire())
	assert.Equal(t, PriorityHigh, a.Priority())
	assert.Equal(t, int32(1), changes.Load(), "change must fire once per transition")

	assert.False(t, b.TryAcquire())
	assert.Equal(t, PriorityNone, b.Priority())
}

func TestArbitrator_PollTakesOverAfterRelease(t *testing.T) {
	dir := t.TempDir()
	name := uuid.NewString()

	owner, err := New(name, WithLockDir(dir))
	require.NoError(t, err)
	defer owner.Close()
	require.True(t, owner.TryAcquire())

	changed := make(chan Priority, 1)
	waiter, err := New(name, WithLockDir(dir), WithOnChange(func(p Priority) {
		changed <- p
	}))
	require.NoError(t, err)
	defer waiter.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	assert.False(t, waiter.Poll(ctx))
	cancel()

	owner.Release()
	assert.Equal(t, PriorityNone, owner.Priority())

	ctx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.True(t, waiter.Poll(ctx))
	assert.Equal(t, PriorityHigh, waiter.Priority())

	select {
	case p := <-changed:
		assert.Equal(t, PriorityHigh, p)
	case <-time.After(time.Second):
		t.Fatal("expected priority change notification")
	}
}

func TestArbitrator_ReleaseWithoutOwnership(t *testing.T) {
	a, err := New(uuid.NewString(), WithLockDir(t.TempDir()))
	require.NoError(t, err)
	defer a.Close()

	a.Release()
	assert.Equal(t, PriorityNone, a.Priority())
}

func TestArbitrator_ClosedNeverAcquires(t *testing.T) {
	a, err := New(uuid.NewString(), WithLockDir(t.TempDir()))
	require.NoError(t, err)

	require.True(t, a.TryAcquire())
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	assert.Equal(t, PriorityNone, a.Priority())
	assert.False(t, a.TryAcquire())
	assert.False(t, a.Poll(context.Background()))
}

func TestPriority_String(t *testing.T) {
	assert.Equal(t, "high", PriorityHigh.String())
	assert.Equal(t, "none", PriorityNone.String())
}
