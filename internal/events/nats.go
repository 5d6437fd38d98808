// Package events publishes committed settlement events to NATS JetStream
// for downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/atmx/share-settlement/internal/model"
)

// Stream layout. Subjects follow settlement.events.{type}.{account_id}.
const (
	StreamName    = "SETTLEMENT_EVENTS"
	SubjectPrefix = "settlement.events"
)

// streamPublisher is the part of jetstream.JetStream the publisher uses.
type streamPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// NATSPublisher publishes events after persistence is confirmed.
type NATSPublisher struct {
	js      streamPublisher
	timeout time.Duration
}

// NewNATSPublisher creates a publisher. A non-positive timeout defaults to
// two seconds per publish.
func NewNATSPublisher(js jetstream.JetStream, timeout time.Duration) *NATSPublisher {
	return newPublisher(js, timeout)
}

func newPublisher(js streamPublisher, timeout time.Duration) *NATSPublisher {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &NATSPublisher{js: js, timeout: timeout}
}

// Publish sends ev and waits for the stream ack. The message ID lets
// JetStream drop duplicates inside its dedupe window.
func (p *NATSPublisher) Publish(ctx context.Context, ev model.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	if _, err := p.js.Publish(ctx, Subject(ev), data, jetstream.WithMsgID(msgID(ev))); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	return nil
}

// Subject builds the subject for ev. Characters NATS treats as token
// separators or wildcards are replaced in the account ID.
func Subject(ev model.Event) string {
	return fmt.Sprintf("%s.%s.%s", SubjectPrefix, ev.Type, token(ev.AccountID))
}

func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(s)
}

func msgID(ev model.Event) string {
	return fmt.Sprintf("%s:%s:%d", ev.Type, ev.AccountID, ev.Timestamp.UnixNano())
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("share-settlement"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("NATS disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			slog.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}

// EnsureStream creates or updates the settlement events stream.
func EnsureStream(ctx context.Context, js jetstream.JetStream, maxAge time.Duration) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{SubjectPrefix + ".>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     maxAge,
		Duplicates: 2 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", StreamName, err)
	}
	slog.Info("ensured event stream", "stream", StreamName)
	return nil
}
