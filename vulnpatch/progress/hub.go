// Package progress fans ingestion progress out to every live subscriber of a
// job's owner and replays the last known state of each job to subscribers
// that join late.
package progress

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/SiriusScan/vulnpatch-api/vulnpatch"
	"github.com/SiriusScan/vulnpatch-api/vulnpatch/telemetry"
)

// Subscriber is one live connection.
type Subscriber interface {
	ID() string
	Send(Message) error
}

// Stats describes the current registry.
type Stats struct {
	TotalUsers       int      `json:"total_users"`
	TotalConnections int      `json:"total_connections"`
	UsersOnline      []string `json:"users_online"`
}

type ownerState struct {
	// deliver serializes state updates and delivery for one owner so each
	// subscriber sees a job's events in publish order.
	deliver sync.Mutex
	subs    map[string]Subscriber
	jobs    map[uint]vulnpatch.ProgressEvent
}

// FinishedRetention is how long a completed or failed job stays in the
// replay registry after its terminal event.
const FinishedRetention = 10 * time.Minute

// Hub is safe for concurrent use.
type Hub struct {
	mu       sync.Mutex
	owners   map[string]*ownerState
	now      func() time.Time
	retain time.Duration
}

func NewHub() *Hub {
	return &Hub{owners: make(map[string]*ownerState), now: time.Now, retain: FinishedRetention}
}

// expired reports whether ev is a terminal event past the retention window.
func (h *Hub) expired(ev vulnpatch.ProgressEvent) bool {
	return ev.Terminal() && h.now().Sub(ev.UpdatedAt) > h.retain
}

func (h *Hub) pruneLocked(o *ownerState) {
	for id, ev := range o.jobs {
		if h.expired(ev) {
			delete(o.jobs, id)
		}
	}
}

func (h *Hub) owner(id string) *ownerState {
	h.mu.Lock()
	defer h.mu.Unlock()
	o, ok := h.owners[id]
	if !ok {
		o = &ownerState{subs: make(map[string]Subscriber), jobs: make(map[uint]vulnpatch.ProgressEvent)}
		h.owners[id] = o
	}
	return o
}

// Subscribe registers s for owner and replays the last known state of every
// in-flight or recently finished job of that owner as scan_status messages.
func (h *Hub) Subscribe(owner string, s Subscriber) {
	o := h.owner(owner)
	o.deliver.Lock()
	defer o.deliver.Unlock()

	h.mu.Lock()
	o.subs[s.ID()] = s
	h.pruneLocked(o)
	jobs := make([]vulnpatch.ProgressEvent, 0, len(o.jobs))
	for _, ev := range o.jobs {
		jobs = append(jobs, ev)
	}
	h.mu.Unlock()
	telemetry.ProgressSubscribers.Inc()

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].JobID < jobs[j].JobID })
	for _, ev := range jobs {
		if err := s.Send(Message{Type: TypeScanStatus, Data: ev, Timestamp: h.now()}); err != nil {
			h.drop(owner, s, err)
			return
		}
	}
}

// Replay sends the last known state of one job to s as a scan_status
// message. It holds the owner's delivery lock so the replayed state cannot
// overtake a newer event already queued for s.
func (h *Hub) Replay(owner string, s Subscriber, jobID uint) bool {
	o := h.owner(owner)
	o.deliver.Lock()
	defer o.deliver.Unlock()

	h.mu.Lock()
	ev, ok := o.jobs[jobID]
	h.mu.Unlock()
	if !ok || h.expired(ev) {
		return false
	}
	if err := s.Send(Message{Type: TypeScanStatus, Data: ev, Timestamp: h.now()}); err != nil {
		h.drop(owner, s, err)
		return false
	}
	return true
}

// Unsubscribe removes s. It is a no-op when s is not registered.
func (h *Hub) Unsubscribe(owner string, s Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(owner, s)
}

func (h *Hub) removeLocked(owner string, s Subscriber) {
	o, ok := h.owners[owner]
	if !ok {
		return
	}
	if cur, ok := o.subs[s.ID()]; ok && cur == s {
		delete(o.subs, s.ID())
		telemetry.ProgressSubscribers.Dec()
	}
}

func (h *Hub) drop(owner string, s Subscriber, err error) {
	slog.Debug("Dropping progress subscriber", "owner_id", owner, "subscriber", s.ID(), "error", err)
	h.mu.Lock()
	h.removeLocked(owner, s)
	h.mu.Unlock()
}

// Publish records ev as the job's last known state and delivers it to every
// subscriber of owner. Progress never decreases within a job: lower values
// are raised to the last delivered one. Events for a job that already
// reached a terminal state are discarded. It reports whether ev was accepted.
func (h *Hub) Publish(owner string, ev vulnpatch.ProgressEvent) bool {
	o := h.owner(owner)
	o.deliver.Lock()
	defer o.deliver.Unlock()

	h.mu.Lock()
	h.pruneLocked(o)
	prev, seen := o.jobs[ev.JobID]
	if seen && prev.Terminal() {
		h.mu.Unlock()
		return false
	}
	ev.Progress = clamp(ev.Progress)
	if seen && ev.Progress < prev.Progress {
		ev.Progress = prev.Progress
	}
	if ev.UpdatedAt.IsZero() {
		ev.UpdatedAt = h.now()
	}
	o.jobs[ev.JobID] = ev
	subs := snapshot(o.subs)
	h.mu.Unlock()

	h.deliver(owner, subs, Message{Type: messageFor(ev), Data: ev, Timestamp: ev.UpdatedAt})
	return true
}

// Send delivers msg to every subscriber of owner without touching job state.
func (h *Hub) Send(owner string, msg Message) {
	o := h.owner(owner)
	o.deliver.Lock()
	defer o.deliver.Unlock()

	h.mu.Lock()
	subs := snapshot(o.subs)
	h.mu.Unlock()

	if msg.Timestamp.IsZero() {
		msg.Timestamp = h.now()
	}
	h.deliver(owner, subs, msg)
}

// Alert sends a critical_alert to owner's subscribers.
func (h *Hub) Alert(owner string, a Alert) {
	h.Send(owner, Message{Type: TypeCriticalAlert, Data: a})
}

// Broadcast delivers msg to every subscriber of every owner and returns the
// number of successful deliveries. Callers are responsible for restricting
// it to operators.
func (h *Hub) Broadcast(msg Message) int {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = h.now()
	}
	h.mu.Lock()
	ids := make([]string, 0, len(h.owners))
	for id := range h.owners {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	delivered := 0
	for _, id := range ids {
		o := h.owner(id)
		o.deliver.Lock()
		h.mu.Lock()
		subs := snapshot(o.subs)
		h.mu.Unlock()
		delivered += h.deliver(id, subs, msg)
		o.deliver.Unlock()
	}
	return delivered
}

func (h *Hub) deliver(owner string, subs []Subscriber, msg Message) int {
	ok := 0
	for _, s := range subs {
		if err := s.Send(msg); err != nil {
			h.drop(owner, s, err)
			continue
		}
		ok++
	}
	return ok
}

// JobState returns the last known event for a job.
func (h *Hub) JobState(owner string, jobID uint) (vulnpatch.ProgressEvent, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	o, ok := h.owners[owner]
	if !ok {
		return vulnpatch.ProgressEvent{}, false
	}
	ev, ok := o.jobs[jobID]
	if !ok || h.expired(ev) {
		return vulnpatch.ProgressEvent{}, false
	}
	return ev, ok
}

// LastKnown lists the last known event of each job of owner, by job id.
func (h *Hub) LastKnown(owner string) []vulnpatch.ProgressEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	o, ok := h.owners[owner]
	if !ok {
		return nil
	}
	out := make([]vulnpatch.ProgressEvent, 0, len(o.jobs))
	for _, ev := range o.jobs {
		if !h.expired(ev) {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	return out
}

// Forget drops the recorded state of a job, e.g. after the scan is deleted.
func (h *Hub) Forget(owner string, jobID uint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if o, ok := h.owners[owner]; ok {
		delete(o.jobs, jobID)
	}
}

func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := Stats{UsersOnline: []string{}}
	for id, o := range h.owners {
		if len(o.subs) == 0 {
			continue
		}
		st.TotalUsers++
		st.TotalConnections += len(o.subs)
		st.UsersOnline = append(st.UsersOnline, id)
	}
	sort.Strings(st.UsersOnline)
	return st
}

func snapshot(m map[string]Subscriber) []Subscriber {
	out := make([]Subscriber, 0, len(m))
	for _, s := range m {
		out = append(out, s)
	}
	return out
}

func clamp(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
