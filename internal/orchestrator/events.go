package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/refine/internal/logging"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// EventKind names a progress event.
type EventKind string

const (
	EventStarted  EventKind = "started"
	EventRevision EventKind = "revision"
	EventStopped  EventKind = "stopped"
)

// Event is one progress notification for an artifact.
type Event struct {
	RunID    string    `json:"run_id"`
	Artifact string    `json:"artifact"`
	Revision int       `json:"revision"`
	Kind     EventKind `json:"kind"`
	Stop     string    `json:"stop,omitempty"`
	Error    string    `json:"error,omitempty"`
	Time     time.Time `json:"time"`
}

// Publisher delivers progress events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// NopPublisher discards events.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(context.Context, Event) error { return nil }

// Close implements Publisher.
func (NopPublisher) Close() error { return nil }

// NATSPublisher publishes events as JSON on
//
//	{prefix}.{run_id}.{artifact}.{kind}
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
	owned  bool
}

// NewNATSPublisher publishes on an existing connection. Close does not
// close nc.
func NewNATSPublisher(nc *nats.Conn, prefix string) *NATSPublisher {
	if prefix == "" {
		prefix = "refine"
	}
	return &NATSPublisher{nc: nc, prefix: prefix}
}

// ConnectNATS dials url and returns a publisher that owns the connection.
func ConnectNATS(url, prefix string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("refine"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	p := NewNATSPublisher(nc, prefix)
	p.owned = true
	return p, nil
}

// Subject returns the subject ev is published on.
func (p *NATSPublisher) Subject(ev Event) string {
	return Subject(p.prefix, ev)
}

// Subject renders the subject for ev under prefix.
func Subject(prefix string, ev Event) string {
	return fmt.Sprintf("%s.%s.%s.%s", prefix, subjectToken(ev.RunID), subjectToken(ev.Artifact), ev.Kind)
}

// Publish implements Publisher.
func (p *NATSPublisher) Publish(_ context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.nc.Publish(p.Subject(ev), data); err != nil {
		return fmt.Errorf("publish %s event: %w", ev.Kind, err)
	}
	return nil
}

// Close flushes pending events and closes an owned connection.
func (p *NATSPublisher) Close() error {
	if !p.owned {
		return nil
	}
	err := p.nc.Flush()
	p.nc.Close()
	return err
}

var tokenReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_", "\t", "_")

// subjectToken makes s safe as a single subject token.
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return tokenReplacer.Replace(s)
}

// emitter stamps and publishes events. Failures are logged and dropped.
type emitter struct {
	pub    Publisher
	logger *logging.Logger
}

func (e emitter) emit(ctx context.Context, ev Event) {
	if ev.RunID == "" {
		ev.RunID = logging.RunIDFromContext(ctx)
	}
	if ev.Artifact == "" {
		ev.Artifact = logging.ArtifactFromContext(ctx)
	}
	ev.Time = time.Now().UTC()
	if err := e.pub.Publish(ctx, ev); err != nil {
		e.logger.Warn(ctx, "event publish failed",
			zap.String("kind", string(ev.Kind)),
			zap.Error(err))
	}
}
