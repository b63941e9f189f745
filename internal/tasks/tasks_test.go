package tasks

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunner(t *testing.T) {
	t.Run("runs_enqueued_work", func(t *testing.T) {
		r := NewRunner(0)
		r.Start(context.Background())

		done := make(chan struct{})
		r.Enqueue("poll", func(context.Context) { close(done) })

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("task never ran")
		}
		r.Join()
	})

	t.Run("dedupes_by_tag", func(t *testing.T) {
		r := NewRunner(0)

		var runs atomic.Int32
		release := make(chan struct{})
		blocked := make(chan struct{})

		r.Enqueue("charge", func(context.Context) {
			runs.Add(1)
			close(blocked)
			<-release
		})
		r.Start(context.Background())
		<-blocked

		// The tag is busy: these must all be dropped.
		for i := 0; i < 5; i++ {
			r.Enqueue("charge", func(context.Context) { runs.Add(1) })
		}
		assert.True(t, r.Pending("charge"))

		close(release)
		r.Join()
		assert.Equal(t, int32(1), runs.Load())
	})

	t.Run("completion_frees_tag", func(t *testing.T) {
		r := NewRunner(0)
		r.Start(context.Background())

		var mu sync.Mutex
		var order []int
		run := func(n int) func(context.Context) {
			return func(context.Context) {
				mu.Lock()
				order = append(order, n)
				mu.Unlock()
			}
		}

		r.Enqueue("poll", run(1))
		require.Eventually(t, func() bool { return !r.Pending("poll") },
			2*time.Second, 10*time.Millisecond)

		r.Enqueue("poll", run(2))
		r.Join()

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, []int{1, 2}, order)
	})

	t.Run("distinct_tags_both_run", func(t *testing.T) {
		r := NewRunner(0)
		var runs atomic.Int32
		r.Enqueue("a", func(context.Context) { runs.Add(1) })
		r.Enqueue("b", func(context.Context) { runs.Add(1) })
		r.Start(context.Background())
		r.Join()
		assert.Equal(t, int32(2), runs.Load())
	})

	t.Run("join_drains_queue", func(t *testing.T) {
		r := NewRunner(0)
		var runs atomic.Int32
		for _, tag := range []string{"a", "b", "c"} {
			r.Enqueue(tag, func(context.Context) { runs.Add(1) })
		}
		r.Start(context.Background())
		r.Join()
		assert.Equal(t, int32(3), runs.Load())
	})
}
