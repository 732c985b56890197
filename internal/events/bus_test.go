package events

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type localSink struct {
	mu        sync.Mutex
	delivered map[string][]Event
	all       []Event
}

func (s *localSink) Deliver(ids []string, ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.delivered[id] = append(s.delivered[id], ev)
	}
}

func (s *localSink) DeliverAll(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.all = append(s.all, ev)
}

func (s *localSink) count(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.delivered[id])
}

func (s *localSink) broadcasts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.all)
}

func TestBusFansOutAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	log := logrus.New()
	log.SetOutput(io.Discard)

	newInstance := func() (*Bus, *localSink) {
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = rdb.Close() })
		sink := &localSink{delivered: map[string][]Event{}}
		return NewBus(rdb, "events", sink, log), sink
	}
	busA, sinkA := newInstance()
	busB, sinkB := newInstance()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go busA.Run(ctx)
	go busB.Run(ctx)
	require.Eventually(t, func() bool { return len(mr.PubSubChannels("events")) == 1 && mr.PubSubNumSub("events")["events"] == 2 }, time.Second, 10*time.Millisecond)

	busA.Send(ctx, []string{"p1"}, QueueCancelled("p1"))
	busB.Broadcast(ctx, Event{Type: TypeQueueStatus})

	assert.Eventually(t, func() bool {
		return sinkA.count("p1") == 1 && sinkB.count("p1") == 1 && sinkA.broadcasts() == 1 && sinkB.broadcasts() == 1
	}, time.Second, 10*time.Millisecond)
}
