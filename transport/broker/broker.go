// Package broker wraps the NATS JetStream connection used for room and
// audience broadcasts and for background task completion notifications,
// modeled on the teacher's syncapi/consumers use of nats.JetStreamContext
// (see syncapi/consumers/receipts.go).
package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/vstream/roomevents/internal/retry"
)

// Publisher is the narrow interface every component that emits broadcasts or
// notifications depends on, so tests can substitute an in-memory fake.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte) error
}

// NATSPublisher publishes over a live JetStream connection.
type NATSPublisher struct {
	js nats.JetStreamContext
}

// Connect dials url and returns a NATSPublisher whose JetStream context is
// ready for publishing.
func Connect(url string) (*NATSPublisher, *nats.Conn, error) {
	nc, err := nats.Connect(url, nats.Name("roomevents"))
	if err != nil {
		return nil, nil, fmt.Errorf("broker: connect: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("broker: jetstream context: %w", err)
	}
	return &NATSPublisher{js: js}, nc, nil
}

// Publish retries transient connection-level failures (nats.ErrNoResponders,
// nats.ErrTimeout, a dropped connection) with internal/retry's bounded
// backoff, per spec.md §7 — a publish rejected for a non-transient reason
// (e.g. an oversized payload) fails on the first attempt as before.
func (p *NATSPublisher) Publish(ctx context.Context, subject string, payload []byte) error {
	err := retry.Do(ctx, retry.DefaultPolicy, func(ctx context.Context) error {
		_, err := p.js.Publish(subject, payload, nats.Context(ctx))
		return classifyPublishErr(err)
	})
	if err != nil {
		return fmt.Errorf("broker: publish %s: %w", subject, err)
	}
	return nil
}

func classifyPublishErr(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, nats.ErrConnectionClosed),
		errors.Is(err, nats.ErrConnectionDraining),
		errors.Is(err, nats.ErrTimeout),
		errors.Is(err, nats.ErrNoResponders),
		errors.Is(err, nats.ErrDisconnected):
		return retry.Mark(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return retry.Mark(err)
	}
	return err
}

// RoomSubject returns the NATS subject a room's broadcasts are published to.
// NATS subjects use "." as their separator, substituting for the MQTT
// "rooms/{room_id}/events" topic path one-for-one (spec.md §6).
func RoomSubject(roomID string) string {
	return "rooms." + sanitize(roomID) + ".events"
}

// AudienceSubject returns the NATS subject an audience's broadcasts are
// published to, substituting for "audiences/{audience}/events".
func AudienceSubject(audience string) string {
	return "audiences." + sanitize(audience) + ".events"
}

func sanitize(s string) string {
	return strings.ReplaceAll(s, ".", "_")
}
