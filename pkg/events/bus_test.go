package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_DeliversInSubscriptionOrder(t *testing.T) {
	bus := NewBus()
	var got []string

	bus.Subscribe(HandlerFunc(func(_ context.Context, ev Event) error {
		got = append(got, "first:"+string(ev.Type))
		return nil
	}))
	bus.Subscribe(HandlerFunc(func(_ context.Context, ev Event) error {
		got = append(got, "second:"+string(ev.Type))
		return nil
	}))

	bus.Publish(context.Background(), New(ProposalCreated, time.Now()))

	assert.Equal(t, []string{"first:proposal-created", "second:proposal-created"}, got)
}

func TestBus_TypeFilter(t *testing.T) {
	bus := NewBus()
	count := 0
	bus.Subscribe(HandlerFunc(func(_ context.Context, _ Event) error {
		count++
		return nil
	}), ProposalFinalized)

	bus.Publish(context.Background(), New(VoteSubmitted, time.Now()))
	bus.Publish(context.Background(), New(ProposalFinalized, time.Now()))

	assert.Equal(t, 1, count)
}

func TestBus_FailingHandlerDoesNotStopOthers(t *testing.T) {
	bus := NewBus()
	reached := false

	bus.Subscribe(HandlerFunc(func(context.Context, Event) error {
		return errors.New("boom")
	}))
	bus.Subscribe(HandlerFunc(func(context.Context, Event) error {
		panic("handler bug")
	}))
	bus.Subscribe(HandlerFunc(func(context.Context, Event) error {
		reached = true
		return nil
	}))

	require.NotPanics(t, func() {
		bus.Publish(context.Background(), New(AgentRegistered, time.Now()))
	})
	assert.True(t, reached)
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()
	count := 0
	cancel := bus.Subscribe(HandlerFunc(func(context.Context, Event) error {
		count++
		return nil
	}))
	require.Equal(t, 1, bus.SubscriberCount())

	cancel()
	bus.Publish(context.Background(), New(AgentRegistered, time.Now()))

	assert.Equal(t, 0, count)
	assert.Equal(t, 0, bus.SubscriberCount())
}

func TestBus_ChannelSubscriberDropsWhenFull(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.SubscribeChan(1, VoteSubmitted)
	defer cancel()

	bus.Publish(context.Background(), New(VoteSubmitted, time.Now()))
	bus.Publish(context.Background(), New(VoteSubmitted, time.Now()))

	ev := <-ch
	assert.Equal(t, VoteSubmitted, ev.Type)
	assert.Equal(t, uint64(1), bus.Dropped())
}

func TestBus_ChannelCancelClosesChannel(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.SubscribeChan(4)
	cancel()
	cancel()

	_, open := <-ch
	assert.False(t, open)

	require.NotPanics(t, func() {
		bus.Publish(context.Background(), New(VoteSubmitted, time.Now()))
	})
}

func TestEvent_WithCopiesAttributes(t *testing.T) {
	base := New(ByzantineDetected, time.Now()).With("reason", "vote_flipping")
	derived := base.With("new_weight", 0.95)

	assert.Len(t, base.Attributes, 1)
	assert.Len(t, derived.Attributes, 2)
	assert.Equal(t, "vote_flipping", derived.Attributes["reason"])
}
