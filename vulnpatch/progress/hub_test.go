package progress

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SiriusScan/vulnpatch-api/vulnpatch"
)

type recorder struct {
	id   string
	mu   sync.Mutex
	msgs []Message
	fail bool
}

func (r *recorder) ID() string { return r.id }

func (r *recorder) Send(m Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("connection closed")
	}
	r.msgs = append(r.msgs, m)
	return nil
}

func (r *recorder) messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.msgs...)
}

func event(job uint, p int, stage vulnpatch.ScanStatus) vulnpatch.ProgressEvent {
	return vulnpatch.ProgressEvent{JobID: job, Progress: p, Stage: stage}
}

func TestPublishDeliversToOwnerOnly(t *testing.T) {
	h := NewHub()
	alice, bob := &recorder{id: "a1"}, &recorder{id: "b1"}
	h.Subscribe("alice", alice)
	h.Subscribe("bob", bob)

	assert.True(t, h.Publish("alice", event(1, 10, vulnpatch.StatusParsing)))

	require.Len(t, alice.messages(), 1)
	assert.Equal(t, TypeScanProgress, alice.messages()[0].Type)
	assert.Empty(t, bob.messages())
}

func TestPublishProgressIsMonotonic(t *testing.T) {
	h := NewHub()
	sub := &recorder{id: "s"}
	h.Subscribe("u", sub)

	h.Publish("u", event(7, 50, vulnpatch.StatusAnalyzing))
	h.Publish("u", event(7, 30, vulnpatch.StatusAnalyzing))
	h.Publish("u", event(7, 140, vulnpatch.StatusSaving))

	var got []int
	for _, m := range sub.messages() {
		got = append(got, m.Data.(vulnpatch.ProgressEvent).Progress)
	}
	assert.Equal(t, []int{50, 50, 100}, got)
}

func TestTerminalEventIsFinal(t *testing.T) {
	h := NewHub()
	sub := &recorder{id: "s"}
	h.Subscribe("u", sub)

	done := event(3, 100, vulnpatch.StatusCompleted)
	done.Result = &vulnpatch.ResultSummary{TotalVulnerabilities: 1, CriticalCount: 1, ServicesAnalyzed: 1}
	assert.True(t, h.Publish("u", done))
	assert.False(t, h.Publish("u", event(3, 80, vulnpatch.StatusSaving)))

	failed := event(3, 100, vulnpatch.StatusFailed)
	failed.Error = "late"
	assert.False(t, h.Publish("u", failed))

	msgs := sub.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, TypeScanComplete, msgs[0].Type)

	st, ok := h.JobState("u", 3)
	require.True(t, ok)
	assert.Equal(t, vulnpatch.StatusCompleted, st.Stage)
}

func TestFailedEventType(t *testing.T) {
	h := NewHub()
	sub := &recorder{id: "s"}
	h.Subscribe("u", sub)

	ev := event(4, 10, vulnpatch.StatusFailed)
	ev.Error = "Parsing failed: document contains no root element"
	h.Publish("u", ev)
	require.Len(t, sub.messages(), 1)
	assert.Equal(t, TypeScanFailed, sub.messages()[0].Type)
}

func TestLateSubscriberGetsReplay(t *testing.T) {
	h := NewHub()
	h.Publish("u", event(2, 45, vulnpatch.StatusAnalyzing))
	h.Publish("u", event(1, 10, vulnpatch.StatusParsing))

	late := &recorder{id: "late"}
	h.Subscribe("u", late)

	msgs := late.messages()
	require.Len(t, msgs, 2)
	for _, m := range msgs {
		assert.Equal(t, TypeScanStatus, m.Type)
	}
	assert.Equal(t, uint(1), msgs[0].Data.(vulnpatch.ProgressEvent).JobID)
	assert.Equal(t, 45, msgs[1].Data.(vulnpatch.ProgressEvent).Progress)
}

func TestFailingSubscriberIsDropped(t *testing.T) {
	h := NewHub()
	bad, good := &recorder{id: "bad", fail: true}, &recorder{id: "good"}
	h.Subscribe("u", bad)
	h.Subscribe("u", good)
	require.Equal(t, 2, h.Stats().TotalConnections)

	h.Publish("u", event(1, 0, vulnpatch.StatusQueued))

	assert.Len(t, good.messages(), 1)
	assert.Equal(t, 1, h.Stats().TotalConnections)
}

func TestUnsubscribe(t *testing.T) {
	h := NewHub()
	sub := &recorder{id: "s"}
	h.Unsubscribe("nobody", sub)

	h.Subscribe("u", sub)
	h.Unsubscribe("u", sub)
	h.Unsubscribe("u", sub)
	h.Publish("u", event(1, 10, vulnpatch.StatusParsing))
	assert.Empty(t, sub.messages())
	assert.Equal(t, 0, h.Stats().TotalUsers)
}

func TestBroadcastAndAlert(t *testing.T) {
	h := NewHub()
	a1, a2, b := &recorder{id: "a1"}, &recorder{id: "a2"}, &recorder{id: "b"}
	h.Subscribe("alice", a1)
	h.Subscribe("alice", a2)
	h.Subscribe("bob", b)

	n := h.Broadcast(Message{Type: TypeAnnouncement, Data: Announcement{Title: "Maintenance", Message: "at noon", Level: "info"}})
	assert.Equal(t, 3, n)

	h.Alert("bob", Alert{Severity: "critical", Title: "Critical Vulnerability Detected", ActionRequired: true})
	require.Len(t, b.messages(), 2)
	assert.Equal(t, TypeCriticalAlert, b.messages()[1].Type)
	assert.Len(t, a1.messages(), 1)

	st := h.Stats()
	assert.Equal(t, 2, st.TotalUsers)
	assert.Equal(t, 3, st.TotalConnections)
	assert.Equal(t, []string{"alice", "bob"}, st.UsersOnline)
}

func TestConcurrentPublishers(t *testing.T) {
	h := NewHub()
	sub := &recorder{id: "s"}
	h.Subscribe("u", sub)

	var wg sync.WaitGroup
	for job := uint(1); job <= 4; job++ {
		wg.Add(1)
		go func(job uint) {
			defer wg.Done()
			for p := 0; p <= 100; p += 10 {
				h.Publish("u", event(job, p, vulnpatch.StatusAnalyzing))
			}
		}(job)
	}
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			extra := &recorder{id: fmt.Sprintf("x%d", i)}
			h.Subscribe("u", extra)
			h.Unsubscribe("u", extra)
		}(i)
	}
	wg.Wait()

	last := map[uint]int{}
	for _, m := range sub.messages() {
		ev := m.Data.(vulnpatch.ProgressEvent)
		assert.GreaterOrEqual(t, ev.Progress, last[ev.JobID])
		last[ev.JobID] = ev.Progress
	}
	assert.Len(t, h.LastKnown("u"), 4)
}

func TestForget(t *testing.T) {
	h := NewHub()
	h.Publish("u", event(9, 20, vulnpatch.StatusParsing))
	h.Forget("u", 9)
	_, ok := h.JobState("u", 9)
	assert.False(t, ok)
	assert.Empty(t, h.LastKnown("u"))
}

func TestReplayNeverOvertakesNewerProgress(t *testing.T) {
	h := NewHub()
	sub := &recorder{id: "s"}
	h.Subscribe("u", sub)
	h.Publish("u", event(7, 0, vulnpatch.StatusQueued))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for p := 1; p <= 100; p++ {
			h.Publish("u", event(7, p, vulnpatch.StatusAnalyzing))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			h.Replay("u", sub, 7)
		}
	}()
	wg.Wait()

	last := 0
	for _, m := range sub.messages() {
		p := m.Data.(vulnpatch.ProgressEvent).Progress
		require.GreaterOrEqual(t, p, last)
		last = p
	}
	assert.Equal(t, 100, last)
}

func TestReplayUnknownJob(t *testing.T) {
	h := NewHub()
	sub := &recorder{id: "s"}
	h.Subscribe("u", sub)
	assert.False(t, h.Replay("u", sub, 42))
	assert.Empty(t, sub.messages())
}

func TestFinishedJobsExpireFromReplay(t *testing.T) {
	h := NewHub()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return now }

	done := event(1, 100, vulnpatch.StatusCompleted)
	done.Result = &vulnpatch.ResultSummary{}
	h.Publish("u", done)
	h.Publish("u", event(2, 30, vulnpatch.StatusAnalyzing))

	recent := &recorder{id: "recent"}
	h.Subscribe("u", recent)
	assert.Len(t, recent.messages(), 2)

	now = now.Add(FinishedRetention + time.Minute)
	late := &recorder{id: "late"}
	h.Subscribe("u", late)
	msgs := late.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, uint(2), msgs[0].Data.(vulnpatch.ProgressEvent).JobID)

	_, ok := h.JobState("u", 1)
	assert.False(t, ok)
	assert.False(t, h.Replay("u", late, 1))
	_, ok = h.JobState("u", 2)
	assert.True(t, ok)
}
