package server

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/vango-dev/ordersync/pkg/protocol"
	"github.com/vango-dev/ordersync/pkg/session"
	"github.com/vango-dev/ordersync/pkg/telemetry"
)

// FanoutSpanName is the span recorded around each fan-out.
const FanoutSpanName = "ordersync.fanout"

// Router tracks room membership and fans events out to rooms.
//
// All membership changes and fan-out enqueueing happen under one lock, so
// every peer observes a single ordered stream of events.
type Router struct {
	policy  *Policy
	logger  *slog.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer

	mu     sync.Mutex
	rooms  map[string]map[*Peer]struct{}
	joined map[*Peer][]string
	users  map[string]*Peer
}

// NewRouter creates a router for policy. A nil policy uses DefaultPolicy.
func NewRouter(policy *Policy, opts ...Option) *Router {
	o := buildOptions(opts)
	if policy == nil {
		policy = DefaultPolicy()
	}
	return &Router{
		policy:  policy,
		logger:  o.logger.With("component", "router"),
		metrics: o.metrics,
		tracer:  o.tracer,
		rooms:   make(map[string]map[*Peer]struct{}),
		joined:  make(map[*Peer][]string),
		users:   make(map[string]*Peer),
	}
}

// Join places p in the rooms of role and userID, replacing any previous
// membership of p. If another peer holds membership for userID it loses
// it; that peer is returned.
func (r *Router) Join(p *Peer, role session.Role, userID string) (replaced *Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev := r.users[userID]; prev != nil && prev != p {
		r.leaveLocked(prev)
		replaced = prev
	}
	r.leaveLocked(p)

	rooms := []string{RoleRoom(role), UserRoom(userID)}
	for _, room := range rooms {
		members := r.rooms[room]
		if members == nil {
			members = make(map[*Peer]struct{})
			r.rooms[room] = members
		}
		members[p] = struct{}{}
	}
	r.joined[p] = rooms
	r.users[userID] = p
	r.updateGaugesLocked()

	if replaced != nil {
		r.logger.Info("membership replaced",
			"user_id", userID,
			"previous_peer", replaced.ID(),
			"peer", p.ID())
	}
	return replaced
}

// Leave removes every membership of p. It reports whether p was joined.
func (r *Router) Leave(p *Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	ok := r.leaveLocked(p)
	if ok {
		r.updateGaugesLocked()
	}
	return ok
}

func (r *Router) leaveLocked(p *Peer) bool {
	rooms, ok := r.joined[p]
	if !ok {
		return false
	}
	for _, room := range rooms {
		members := r.rooms[room]
		delete(members, p)
		if len(members) == 0 {
			delete(r.rooms, room)
		}
	}
	delete(r.joined, p)
	if r.users[p.Principal().UserID] == p {
		delete(r.users, p.Principal().UserID)
	}
	return true
}

// Joined reports whether p currently holds room membership.
func (r *Router) Joined(p *Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.joined[p]
	return ok
}

// Rooms returns the rooms p is in.
func (r *Router) Rooms(p *Peer) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.joined[p])
}

// Members returns the sorted peer ids in room.
func (r *Router) Members(room string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.rooms[room]))
	for p := range r.rooms[room] {
		ids = append(ids, p.ID())
	}
	slices.Sort(ids)
	return ids
}

// Publish fans msg out to the rooms the policy lists for its event. Each
// target peer receives it once; from is excluded. Peers whose queue is
// full are closed and removed. It returns the number of peers the message
// was queued for.
func (r *Router) Publish(ctx context.Context, from *Peer, msg *protocol.Message) int {
	_, span := r.tracer.Start(ctx, FanoutSpanName,
		telemetry.AttrEvent.String(string(msg.Event)))
	if from != nil {
		span.SetAttributes(
			telemetry.AttrConnectionID.String(from.ID()),
			telemetry.AttrUserID.String(from.Principal().UserID))
	}

	targets := r.policy.Targets(msg.Event)

	r.mu.Lock()
	seen := make(map[*Peer]struct{})
	delivered := 0
	var slow []*Peer
	for _, room := range targets {
		for p := range r.rooms[room] {
			if p == from {
				continue
			}
			if _, dup := seen[p]; dup {
				continue
			}
			seen[p] = struct{}{}

			switch err := p.enqueue(msg); {
			case err == nil:
				delivered++
			case errors.Is(err, ErrQueueFull):
				slow = append(slow, p)
			}
		}
	}
	for _, p := range slow {
		p.Close(ErrQueueFull)
		r.leaveLocked(p)
	}
	if len(slow) > 0 {
		r.updateGaugesLocked()
	}
	r.mu.Unlock()

	for _, p := range slow {
		r.metrics.RecordSlowConsumer()
		p.logger.Warn("slow consumer disconnected", "event", msg.Event)
	}
	r.metrics.RecordFanout(string(msg.Event), delivered)
	span.SetAttributes(telemetry.AttrRecipients.Int(delivered))
	telemetry.End(span, nil)
	return delivered
}

func (r *Router) updateGaugesLocked() {
	if r.metrics == nil {
		return
	}
	var roles, users int
	for room, members := range r.rooms {
		switch {
		case strings.HasPrefix(room, RolePrefix):
			roles += len(members)
		case strings.HasPrefix(room, UserPrefix):
			users += len(members)
		}
	}
	r.metrics.SetRoomMembers("role", roles)
	r.metrics.SetRoomMembers("user", users)
}
