package conversation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	orcherrors "github.com/agentmesh/orchestrator/internal/errors"
)

// newUnreachableStore points at a port nothing listens on, so every call
// fails fast with a connection error instead of hanging or needing a live
// Redis instance.
func newUnreachableStore() *Store {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 200 * time.Millisecond,
	})
	return New(client)
}

func TestRedisKeyIsNamespaced(t *testing.T) {
	assert.Equal(t, "orchestrator:thread:abc-123", redisKey("abc-123"))
}

func TestLoadWrapsTransientErrorWhenRedisUnavailable(t *testing.T) {
	s := newUnreachableStore()
	_, err := s.Load(context.Background(), "thread-1")
	require.Error(t, err)
	assert.True(t, orcherrors.IsRetryable(err), "a connection failure to the backing store should be classified retryable")
}

func TestSaveWrapsTransientErrorWhenRedisUnavailable(t *testing.T) {
	s := newUnreachableStore()
	ts := &ThreadState{ThreadID: "thread-1"}
	err := s.Save(context.Background(), ts)
	require.Error(t, err)
	assert.True(t, orcherrors.IsRetryable(err))
}

func TestStartNewPlanWrapsTransientErrorWhenRedisUnavailable(t *testing.T) {
	s := newUnreachableStore()
	err := s.StartNewPlan(context.Background(), "thread-1", nil)
	require.Error(t, err)
	assert.True(t, orcherrors.IsRetryable(err))
}

func TestSetInterruptedWrapsTransientErrorWhenRedisUnavailable(t *testing.T) {
	s := newUnreachableStore()
	err := s.SetInterrupted(context.Background(), "thread-1", true, map[string]interface{}{"q": "ok?"})
	require.Error(t, err)
	assert.True(t, orcherrors.IsRetryable(err))
}

func TestRecordAgentCallWrapsTransientErrorWhenRedisUnavailable(t *testing.T) {
	s := newUnreachableStore()
	err := s.RecordAgentCall(context.Background(), "thread-1")
	require.Error(t, err)
	assert.True(t, orcherrors.IsRetryable(err))
}

func TestResetMemoryCountersWrapsTransientErrorWhenRedisUnavailable(t *testing.T) {
	s := newUnreachableStore()
	err := s.ResetMemoryCounters(context.Background(), "thread-1")
	require.Error(t, err)
	assert.True(t, orcherrors.IsRetryable(err))
}

func TestWithThreadLockSerializesSameThread(t *testing.T) {
	s := New(nil)

	var mu sync.Mutex
	order := []int{}
	inside, maxInside := 0, 0
	var wg sync.WaitGroup

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = s.WithThreadLock("thread-shared", func() error {
				mu.Lock()
				inside++
				if inside > maxInside {
					maxInside = inside
				}
				order = append(order, n)
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
		}(i)
	}
	wg.Wait()

	assert.Len(t, order, 5)
	assert.Equal(t, 1, maxInside, "no two holders of the same thread lock may overlap")
}

func TestWithThreadLockUsesIndependentLocksPerThread(t *testing.T) {
	s := New(nil)

	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		s.WithThreadLock("thread-a", func() error {
			close(started)
			<-release
			return nil
		})
	}()

	<-started
	done := make(chan struct{})
	go func() {
		s.WithThreadLock("thread-b", func() error { return nil })
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("a lock on thread-b should not be blocked by a held lock on thread-a")
	}
	close(release)
}
