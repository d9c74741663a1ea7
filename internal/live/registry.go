// Package live fans newly stored messages out to connected subscribers and
// keeps a durable presence hint for identities that are watching.
package live

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/zulandar/switchboard/internal/contact"
	"github.com/zulandar/switchboard/internal/models"
)

// ErrClosed is returned by Subscribe after Shutdown.
var ErrClosed = errors.New("live: registry closed")

const (
	// DefaultBuffer is the per-subscription event queue length.
	DefaultBuffer = 64
	// DefaultBacklogLimit caps how many pending messages a new subscriber
	// receives before live events.
	DefaultBacklogLimit = 50

	presenceTimeout = 5 * time.Second
)

// State is a subscription's lifecycle position.
type State int32

const (
	StateRegistered State = iota
	StateStale
	StateRemoved
)

func (s State) String() string {
	switch s {
	case StateRegistered:
		return "registered"
	case StateStale:
		return "stale"
	case StateRemoved:
		return "removed"
	}
	return "unknown"
}

// BacklogSource supplies already-stored messages a new subscriber has not
// seen. messaging.Service satisfies it.
type BacklogSource interface {
	PendingFor(ctx context.Context, identity string, limit int) ([]models.Message, error)
}

// Subscription is one live stream attached to the registry.
type Subscription struct {
	ID          string
	Identity    string
	ConnectedAt time.Time

	ctx   context.Context
	ch    chan Event
	state atomic.Int32
	stop  func() bool
}

// Events yields queued events. The channel is closed once the subscription
// is removed.
func (s *Subscription) Events() <-chan Event { return s.ch }

// State returns the current lifecycle state.
func (s *Subscription) State() State { return State(s.state.Load()) }

func (s *Subscription) markStale() bool {
	return s.state.CompareAndSwap(int32(StateRegistered), int32(StateStale))
}

// writable reports whether publish may still write to the subscription.
func (s *Subscription) writable() bool {
	return s.State() == StateRegistered && s.ctx.Err() == nil
}

// SubscriptionInfo is a diagnostic view of one subscription.
type SubscriptionInfo struct {
	ID          string    `json:"id"`
	Identity    string    `json:"identity"`
	ConnectedAt time.Time `json:"connected_at"`
	Queued      int       `json:"queued"`
	State       string    `json:"state"`
}

// PublishResult summarizes one fan-out.
type PublishResult struct {
	Matched   int
	Delivered int
	Stale     int
	// PresenceChecked is set when no subscription took the event and the
	// presence table was consulted.
	PresenceChecked bool
	PresenceActive  bool
}

// RegistryOpts configures a Registry.
type RegistryOpts struct {
	Logger       zerolog.Logger
	Presence     Presence      // optional
	Backlog      BacklogSource // optional
	BacklogLimit int
	Buffer       int
	Now          func() time.Time
}

// Registry is the set of live subscriptions. It is safe for concurrent use.
type Registry struct {
	log          zerolog.Logger
	presence     Presence
	backlog      BacklogSource
	backlogLimit int
	buffer       int
	now          func() time.Time

	mu     sync.RWMutex
	subs   map[string]*Subscription
	closed bool
}

// NewRegistry creates an empty registry.
func NewRegistry(opts RegistryOpts) *Registry {
	r := &Registry{
		log:          opts.Logger,
		presence:     opts.Presence,
		backlog:      opts.Backlog,
		backlogLimit: opts.BacklogLimit,
		buffer:       opts.Buffer,
		now:          opts.Now,
		subs:         make(map[string]*Subscription),
	}
	if r.backlogLimit <= 0 {
		r.backlogLimit = DefaultBacklogLimit
	}
	if r.buffer <= 0 {
		r.buffer = DefaultBuffer
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Subscribe attaches a stream for identity (or contact.All). Pending
// messages are queued ahead of live events. The subscription is removed
// automatically when ctx is done.
func (r *Registry) Subscribe(ctx context.Context, identity string) (*Subscription, error) {
	identity = contact.Normalize(identity)
	if identity == "" {
		return nil, errors.New("live: identity is required")
	}

	var backlog []models.Message
	if r.backlog != nil {
		msgs, err := r.backlog.PendingFor(ctx, identity, r.backlogLimit)
		if err != nil {
			r.log.Warn().Err(err).Str("contact", identity).Msg("backlog lookup failed")
		}
		backlog = msgs
	}

	sub := &Subscription{
		ID:          uuid.NewString(),
		Identity:    identity,
		ConnectedAt: r.now(),
		ctx:         ctx,
		ch:          make(chan Event, r.buffer+len(backlog)),
	}
	for i := range backlog {
		sub.ch <- EventFromMessage(&backlog[i])
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	r.subs[sub.ID] = sub
	sub.stop = context.AfterFunc(ctx, func() {
		r.remove(sub, "cancelled")
	})
	r.mu.Unlock()

	r.presenceCall(identity, "mark active", r.markActive)
	r.log.Info().
		Str("subscription", sub.ID).
		Str("contact", identity).
		Int("backlog", len(backlog)).
		Msg("live subscriber attached")
	return sub, nil
}

// Unsubscribe removes sub. Removing an already-removed subscription is a
// no-op.
func (r *Registry) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	r.remove(sub, "unsubscribed")
}

// Publish offers evt to every subscription watching target or the
// wildcard. A subscription that cannot take the event is marked stale and
// removed; publish itself never fails.
func (r *Registry) Publish(ctx context.Context, evt Event, target string) PublishResult {
	r.CleanupStale()
	target = contact.Normalize(target)

	var res PublishResult
	var stale []*Subscription

	r.mu.RLock()
	for _, sub := range r.subs {
		if sub.Identity != target && sub.Identity != contact.All {
			continue
		}
		res.Matched++
		if !sub.writable() {
			stale = append(stale, sub)
			continue
		}
		select {
		case sub.ch <- evt:
			res.Delivered++
		default:
			if sub.markStale() {
				r.log.Warn().
					Str("subscription", sub.ID).
					Str("contact", sub.Identity).
					Msg("subscriber buffer full, marking stale")
			}
			stale = append(stale, sub)
		}
	}
	r.mu.RUnlock()

	for _, sub := range stale {
		r.remove(sub, "stale")
	}
	res.Stale = len(stale)

	if res.Delivered == 0 && r.presence != nil && target != "" {
		res.PresenceChecked = true
		active, err := r.presence.IsActive(ctx, target)
		if err != nil {
			r.log.Warn().Err(err).Str("contact", target).Msg("presence lookup failed")
		}
		res.PresenceActive = active
		r.log.Debug().
			Str("contact", target).
			Str("event", evt.ID).
			Bool("presence_active", active).
			Msg("no live subscriber, message kept at rest")
	}
	return res
}

// CleanupStale removes every subscription that can no longer be written to
// and returns how many were removed.
func (r *Registry) CleanupStale() int {
	var stale []*Subscription
	r.mu.RLock()
	for _, sub := range r.subs {
		if !sub.writable() {
			stale = append(stale, sub)
		}
	}
	r.mu.RUnlock()

	n := 0
	for _, sub := range stale {
		if r.remove(sub, "stale") {
			n++
		}
	}
	return n
}

// Touch refreshes the presence record behind sub.
func (r *Registry) Touch(sub *Subscription) {
	if sub == nil || r.presence == nil {
		return
	}
	r.presenceCall(sub.Identity, "touch", r.presence.Touch)
}

// Count returns the number of registered subscriptions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Snapshot lists current subscriptions.
func (r *Registry) Snapshot() []SubscriptionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]SubscriptionInfo, 0, len(r.subs))
	for _, sub := range r.subs {
		out = append(out, SubscriptionInfo{
			ID:          sub.ID,
			Identity:    sub.Identity,
			ConnectedAt: sub.ConnectedAt,
			Queued:      len(sub.ch),
			State:       sub.State().String(),
		})
	}
	return out
}

// Shutdown removes every subscription, closing their event channels, and
// refuses new ones.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	subs := make([]*Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		subs = append(subs, sub)
	}
	r.mu.Unlock()

	for _, sub := range subs {
		r.remove(sub, "shutdown")
	}
	r.log.Info().Int("subscriptions", len(subs)).Msg("live registry shut down")
}

// remove deletes sub from the registry exactly once. The last subscription
// for an identity flips its presence record inactive.
func (r *Registry) remove(sub *Subscription, reason string) bool {
	r.mu.Lock()
	if State(sub.state.Load()) == StateRemoved {
		r.mu.Unlock()
		return false
	}
	sub.state.Store(int32(StateRemoved))
	delete(r.subs, sub.ID)
	close(sub.ch)
	stop := sub.stop
	remaining := 0
	for _, other := range r.subs {
		if other.Identity == sub.Identity {
			remaining++
		}
	}
	r.mu.Unlock()

	if stop != nil {
		stop()
	}
	if remaining == 0 {
		r.presenceCall(sub.Identity, "mark inactive", r.markInactive)
	}
	r.log.Info().
		Str("subscription", sub.ID).
		Str("contact", sub.Identity).
		Str("reason", reason).
		Msg("live subscriber removed")
	return true
}

func (r *Registry) markActive(ctx context.Context, identity string) error {
	return r.presence.MarkActive(ctx, identity)
}

func (r *Registry) markInactive(ctx context.Context, identity string) error {
	return r.presence.MarkInactive(ctx, identity)
}

// presenceCall runs a best-effort presence write detached from any request
// context, since it often runs after that context is done.
func (r *Registry) presenceCall(identity, op string, fn func(context.Context, string) error) {
	if r.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	if err := fn(ctx, identity); err != nil {
		r.log.Warn().Err(err).Str("contact", identity).Str("op", op).Msg("presence update failed")
	}
}
