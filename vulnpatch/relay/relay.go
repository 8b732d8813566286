// Package relay carries progress between a worker process and the API
// process over NATS.
package relay

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/SiriusScan/vulnpatch-api/vulnpatch"
	"github.com/SiriusScan/vulnpatch-api/vulnpatch/progress"
)

const Subject = "vulnpatch.progress"

type envelope struct {
	OwnerID string                   `json:"owner_id"`
	Event   *vulnpatch.ProgressEvent `json:"event,omitempty"`
	Message *progress.Message        `json:"message,omitempty"`
}

// Connect dials NATS with reconnects enabled.
func Connect(url, name string) (*nats.Conn, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	return nc, nil
}

// Publisher sends progress to NATS. It has the publishing surface of
// progress.Hub so a worker can use it in place of a local hub.
type Publisher struct {
	publish func(subject string, data []byte) error
}

func NewPublisher(nc *nats.Conn) *Publisher {
	return &Publisher{publish: nc.Publish}
}

func (p *Publisher) send(env envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		slog.Error("Failed to encode progress envelope", "error", err)
		return
	}
	if err := p.publish(Subject, data); err != nil {
		slog.Warn("Failed to relay progress", "owner_id", env.OwnerID, "error", err)
	}
}

// Publish always reports true; ordering and finality are enforced by the
// receiving hub.
func (p *Publisher) Publish(owner string, ev vulnpatch.ProgressEvent) bool {
	p.send(envelope{OwnerID: owner, Event: &ev})
	return true
}

func (p *Publisher) Send(owner string, msg progress.Message) {
	p.send(envelope{OwnerID: owner, Message: &msg})
}

func (p *Publisher) Alert(owner string, a progress.Alert) {
	p.Send(owner, progress.Message{Type: progress.TypeCriticalAlert, Data: a, Timestamp: time.Now()})
}

// Forwarder replays relayed progress into a local hub.
type Forwarder struct {
	hub *progress.Hub
}

func NewForwarder(hub *progress.Hub) *Forwarder {
	return &Forwarder{hub: hub}
}

// Subscribe starts forwarding messages received on nc.
func (f *Forwarder) Subscribe(nc *nats.Conn) (*nats.Subscription, error) {
	sub, err := nc.Subscribe(Subject, func(m *nats.Msg) { f.Handle(m.Data) })
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", Subject, err)
	}
	return sub, nil
}

// Handle decodes one relayed envelope and delivers it.
func (f *Forwarder) Handle(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		slog.Warn("Dropping malformed progress envelope", "error", err)
		return
	}
	if env.OwnerID == "" {
		return
	}
	switch {
	case env.Event != nil:
		f.hub.Publish(env.OwnerID, *env.Event)
	case env.Message != nil:
		f.hub.Send(env.OwnerID, *env.Message)
	}
}
