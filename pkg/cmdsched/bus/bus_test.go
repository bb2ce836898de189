package bus_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/yuanfeiw/cmdsched/models"
	"github.com/yuanfeiw/cmdsched/pkg/cmdsched/bus"
)

func TestPublish_DispatchesToAllSubscribers(t *testing.T) {
	b := bus.New(nil)
	var calls int32

	unsub1 := b.SubscribeCommandScheduled(func(context.Context, *models.CommandScheduledEvent) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	defer unsub1()
	unsub2 := b.SubscribeCommandScheduled(func(context.Context, *models.CommandScheduledEvent) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	defer unsub2()

	b.Publish(context.Background(), &models.CommandScheduledEvent{AggregateID: "agg-1"})

	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("got %d handler calls, want 2", got)
	}
}

func TestUnsubscribe_StopsDelivery(t *testing.T) {
	b := bus.New(nil)
	var calls int32
	unsub := b.SubscribeCommandScheduled(func(context.Context, *models.CommandScheduledEvent) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	unsub()

	b.Publish(context.Background(), &models.CommandScheduledEvent{AggregateID: "agg-1"})

	if got := atomic.LoadInt32(&calls); got != 0 {
		t.Errorf("got %d handler calls after unsubscribe, want 0", got)
	}
}

func TestPublish_HandlerErrorDoesNotStopOtherHandlers(t *testing.T) {
	b := bus.New(nil)
	var secondCalled bool

	b.SubscribeCommandScheduled(func(context.Context, *models.CommandScheduledEvent) error {
		return fmt.Errorf("boom")
	})
	b.SubscribeCommandScheduled(func(context.Context, *models.CommandScheduledEvent) error {
		secondCalled = true
		return nil
	})

	b.Publish(context.Background(), &models.CommandScheduledEvent{AggregateID: "agg-1"})

	if !secondCalled {
		t.Error("second handler should still run after the first returns an error")
	}
}
