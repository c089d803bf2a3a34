package tasks

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
)

func TestQueueRunsAndLogsFailures(t *testing.T) {
	logger, hook := test.NewNullLogger()
	q := NewQueue(context.Background(), 2, time.Second, logrus.NewEntry(logger))
	defer q.Stop()

	var ran atomic.Int32
	q.Submit("ok", func(context.Context) error {
		ran.Add(1)
		return nil
	})
	q.Submit("fails", func(context.Context) error {
		ran.Add(1)
		return errors.New("boom")
	})
	q.Submit("panics", func(context.Context) error {
		ran.Add(1)
		panic("oops")
	})
	q.Wait()

	assert.Equal(t, int32(3), ran.Load())
	var failed []string
	for _, e := range hook.AllEntries() {
		failed = append(failed, e.Data["task"].(string))
	}
	assert.ElementsMatch(t, []string{"fails", "panics"}, failed)
}

func TestQueueAppliesTimeout(t *testing.T) {
	logger, _ := test.NewNullLogger()
	q := NewQueue(context.Background(), 1, 10*time.Millisecond, logrus.NewEntry(logger))
	defer q.Stop()

	var deadline atomic.Bool
	q.Submit("slow", func(ctx context.Context) error {
		<-ctx.Done()
		deadline.Store(errors.Is(ctx.Err(), context.DeadlineExceeded))
		return nil
	})
	q.Wait()
	assert.True(t, deadline.Load())
}

func TestQueueDropsAfterStop(t *testing.T) {
	logger, hook := test.NewNullLogger()
	q := NewQueue(context.Background(), 1, 0, logrus.NewEntry(logger))
	q.Stop()

	q.Submit("late", func(context.Context) error {
		t.Fatal("must not run")
		return nil
	})
	q.Wait()
	assert.Len(t, hook.AllEntries(), 1)
}
