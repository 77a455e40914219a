package events

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	defaultInboxSize      = 1024
	defaultSubscriberSize = 256
)

// SnapshotFunc produces the queue:stats event sent on connect and on every tick.
type SnapshotFunc func(ctx context.Context) (Event, error)

// Hub relays events to subscribers. All subscriber and room state is owned by
// the Run goroutine; everything else talks to it through channels.
type Hub struct {
	clock    clockwork.Clock
	interval time.Duration
	snapshot SnapshotFunc
	logger   *slog.Logger

	inbox      chan envelope
	register   chan *Subscriber
	unregister chan *Subscriber
	membership chan membership
	done       chan struct{}

	dropped atomic.Uint64
	nextID  atomic.Uint64
}

type envelope struct {
	room string
	ev   Event
}

type membership struct {
	sub   *Subscriber
	jobID string
	join  bool
}

// Subscriber is one observer connection.
type Subscriber struct {
	ID   uint64
	send chan Event
}

// Events is closed when the subscriber is removed or the hub stops.
func (s *Subscriber) Events() <-chan Event { return s.send }

type HubOptions struct {
	Clock         clockwork.Clock
	StatsInterval time.Duration
	Snapshot      SnapshotFunc
	Logger        *slog.Logger
}

func NewHub(opts HubOptions) *Hub {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.StatsInterval <= 0 {
		opts.StatsInterval = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Hub{
		clock:      opts.Clock,
		interval:   opts.StatsInterval,
		snapshot:   opts.Snapshot,
		logger:     opts.Logger,
		inbox:      make(chan envelope, defaultInboxSize),
		register:   make(chan *Subscriber),
		unregister: make(chan *Subscriber),
		membership: make(chan membership),
		done:       make(chan struct{}),
	}
}

// Publish broadcasts ev to every subscriber. It never blocks; when the hub
// is saturated the event is dropped.
func (h *Hub) Publish(ev Event) {
	h.enqueue(envelope{ev: ev})
}

// PublishToRoom delivers ev only to subscribers that joined jobID's room.
func (h *Hub) PublishToRoom(jobID string, ev Event) {
	if jobID == "" {
		return
	}
	h.enqueue(envelope{room: jobID, ev: ev})
}

func (h *Hub) enqueue(e envelope) {
	select {
	case h.inbox <- e:
	default:
		h.dropped.Add(1)
	}
}

// Dropped reports how many events were discarded for full buffers.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// Subscribe registers a new observer. The latest stats snapshot, if any, is
// delivered immediately.
func (h *Hub) Subscribe(ctx context.Context) (*Subscriber, error) {
	sub := &Subscriber{
		ID:   h.nextID.Add(1),
		send: make(chan Event, defaultSubscriberSize),
	}
	select {
	case h.register <- sub:
		return sub, nil
	case <-h.done:
		return nil, context.Canceled
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *Hub) Unsubscribe(sub *Subscriber) {
	select {
	case h.unregister <- sub:
	case <-h.done:
	}
}

func (h *Hub) JoinRoom(sub *Subscriber, jobID string) {
	h.changeMembership(membership{sub: sub, jobID: jobID, join: true})
}

func (h *Hub) LeaveRoom(sub *Subscriber, jobID string) {
	h.changeMembership(membership{sub: sub, jobID: jobID})
}

func (h *Hub) changeMembership(m membership) {
	if m.jobID == "" {
		return
	}
	select {
	case h.membership <- m:
	case <-h.done:
	}
}

// Run owns the hub state until ctx is cancelled, then closes every
// subscriber channel.
func (h *Hub) Run(ctx context.Context) {
	subs := make(map[*Subscriber]map[string]struct{})
	rooms := make(map[string]map[*Subscriber]struct{})
	var lastStats *Event

	stats := make(chan Event, 1)
	go h.statsLoop(ctx, stats)

	remove := func(sub *Subscriber) {
		joined, ok := subs[sub]
		if !ok {
			return
		}
		for jobID := range joined {
			delete(rooms[jobID], sub)
			if len(rooms[jobID]) == 0 {
				delete(rooms, jobID)
			}
		}
		delete(subs, sub)
		close(sub.send)
	}

	defer func() {
		for sub := range subs {
			remove(sub)
		}
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case sub := <-h.register:
			subs[sub] = make(map[string]struct{})
			if lastStats != nil {
				h.deliver(sub, *lastStats)
			}

		case sub := <-h.unregister:
			remove(sub)

		case m := <-h.membership:
			joined, ok := subs[m.sub]
			if !ok {
				continue
			}
			if m.join {
				joined[m.jobID] = struct{}{}
				if rooms[m.jobID] == nil {
					rooms[m.jobID] = make(map[*Subscriber]struct{})
				}
				rooms[m.jobID][m.sub] = struct{}{}
				continue
			}
			delete(joined, m.jobID)
			delete(rooms[m.jobID], m.sub)
			if len(rooms[m.jobID]) == 0 {
				delete(rooms, m.jobID)
			}

		case ev := <-stats:
			lastStats = &ev
			for sub := range subs {
				h.deliver(sub, ev)
			}

		case e := <-h.inbox:
			if e.room == "" {
				for sub := range subs {
					h.deliver(sub, e.ev)
				}
				continue
			}
			for sub := range rooms[e.room] {
				h.deliver(sub, e.ev)
			}
		}
	}
}

func (h *Hub) deliver(sub *Subscriber, ev Event) {
	select {
	case sub.send <- ev:
	default:
		h.dropped.Add(1)
	}
}

func (h *Hub) statsLoop(ctx context.Context, out chan<- Event) {
	if h.snapshot == nil {
		return
	}
	ticker := h.clock.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		ev, err := h.snapshot(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			h.logger.Warn("hub: stats snapshot failed", "error", err)
		} else {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}
	}
}
