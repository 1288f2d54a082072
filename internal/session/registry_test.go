package session

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterLookup(t *testing.T) {
	r := NewRegistry()
	s := newSession(Account{ID: 1}, newFakeConn(Account{ID: 1}))

	assert.True(t, r.Register(s))
	got, err := r.Lookup(1)
	require.NoError(t, err)
	assert.Same(t, s, got)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_LookupMissing(t *testing.T) {
	r := NewRegistry()
	_, err := r.Lookup(42)
	assert.ErrorIs(t, err, ErrSessionNotInitialized)
}

func TestRegistry_RegisterIsInsertIfAbsent(t *testing.T) {
	r := NewRegistry()
	first := newSession(Account{ID: 1}, newFakeConn(Account{ID: 1}))
	second := newSession(Account{ID: 1}, newFakeConn(Account{ID: 1}))

	assert.True(t, r.Register(first))
	assert.False(t, r.Register(second))
	got, _ := r.Lookup(1)
	assert.Same(t, first, got)

	r.Unregister(1)
	assert.True(t, r.Register(second))
	got, _ = r.Lookup(1)
	assert.Same(t, second, got)
}

func TestRegistry_UnregisterIfKeepsSuccessor(t *testing.T) {
	r := NewRegistry()
	old := newSession(Account{ID: 1}, newFakeConn(Account{ID: 1}))
	next := newSession(Account{ID: 1}, newFakeConn(Account{ID: 1}))
	r.Register(next)

	r.unregisterIf(old)
	_, err := r.Lookup(1)
	assert.NoError(t, err)

	r.unregisterIf(next)
	_, err = r.Lookup(1)
	assert.ErrorIs(t, err, ErrSessionNotInitialized)
}

func TestRegistry_ListSorted(t *testing.T) {
	r := NewRegistry()
	for _, id := range []int64{3, 1, 2} {
		r.Register(newSession(Account{ID: id}, newFakeConn(Account{ID: id})))
	}
	var ids []int64
	for _, s := range r.List() {
		ids = append(ids, s.ID())
	}
	assert.Equal(t, []int64{1, 2, 3}, ids)
}

func TestRegistry_Concurrent(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	var inserted int32
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.Register(newSession(Account{ID: 7}, newFakeConn(Account{ID: 7}))) {
				atomic.AddInt32(&inserted, 1)
			}
			_, _ = r.Lookup(7)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), inserted)
}

func TestScheduler_RunsAfterDelay(t *testing.T) {
	s := NewScheduler()
	done := make(chan struct{})
	s.Schedule(1, 10*time.Millisecond, func() { close(done) })
	assert.True(t, s.Pending(1))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task did not run")
	}
	assert.Eventually(t, func() bool { return !s.Pending(1) }, time.Second, time.Millisecond)
}

func TestScheduler_Cancel(t *testing.T) {
	s := NewScheduler()
	var ran int32
	s.Schedule(1, 20*time.Millisecond, func() { atomic.AddInt32(&ran, 1) })

	assert.True(t, s.Cancel(1))
	assert.False(t, s.Cancel(1))
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, atomic.LoadInt32(&ran))
}

func TestScheduler_RescheduleReplaces(t *testing.T) {
	s := NewScheduler()
	var first, second int32
	s.Schedule(1, 20*time.Millisecond, func() { atomic.AddInt32(&first, 1) })
	s.Schedule(1, 20*time.Millisecond, func() { atomic.AddInt32(&second, 1) })

	time.Sleep(80 * time.Millisecond)
	assert.Zero(t, atomic.LoadInt32(&first))
	assert.Equal(t, int32(1), atomic.LoadInt32(&second))
}

func TestScheduler_Stop(t *testing.T) {
	s := NewScheduler()
	var ran int32
	s.Schedule(1, 20*time.Millisecond, func() { atomic.AddInt32(&ran, 1) })
	s.Schedule(2, 20*time.Millisecond, func() { atomic.AddInt32(&ran, 1) })

	s.Stop()
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, atomic.LoadInt32(&ran))
}
