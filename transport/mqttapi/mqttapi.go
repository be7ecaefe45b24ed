// Package mqttapi implements the MQTT request/response ingress described in
// spec.md §6: clients publish a `type=request` envelope carrying `method`,
// `response_topic` and `correlation_data`; the service dispatches through
// the gateway and publishes the reply to response_topic. Grounded on the
// teacher's config-driven MQTT section (internal/config.MQTT) for connection
// tuning; paho.mqtt.golang's public client API is used directly since no
// example repo in the pack exercises an MQTT ingress.
package mqttapi

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/vstream/roomevents/internal/authn"
	"github.com/vstream/roomevents/internal/config"
	"github.com/vstream/roomevents/internal/logging"
	"github.com/vstream/roomevents/internal/problem"
	"github.com/vstream/roomevents/transport/gateway"
)

var log = logging.For("mqttapi")

const requestTopic = "request"

// envelope is the wire shape of one MQTT request (spec.md §6).
type envelope struct {
	Type             string          `json:"type"`
	Method           string          `json:"method"`
	ResponseTopic    string          `json:"response_topic"`
	CorrelationData  string          `json:"correlation_data"`
	Issuer           string          `json:"issuer"`
	Token            string          `json:"token"`
	Payload          json.RawMessage `json:"payload"`
}

type response struct {
	Status          string          `json:"status"`
	CorrelationData string          `json:"correlation_data"`
	Payload         any             `json:"payload,omitempty"`
}

// Server wraps a paho client with the request/response dispatch loop.
type Server struct {
	Gateway         *gateway.Gateway
	Authn           *authn.Verifier
	RequestDeadline time.Duration

	client mqtt.Client
}

// Connect dials cfg.URI and subscribes to the request topic. Call Close to
// disconnect during shutdown.
func (s *Server) Connect(cfg config.MQTT) error {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.URI).
		SetCleanSession(cfg.CleanSession).
		SetConnectRetryInterval(cfg.ReconnectInterval).
		SetKeepAlive(cfg.KeepAlive).
		SetAutoReconnect(true)

	s.client = mqtt.NewClient(opts)
	if token := s.client.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	if token := s.client.Subscribe(requestTopic, 1, s.onMessage); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	if token := s.client.Subscribe(cfg.SubscriptionEventsTopic, 1, s.onBrokerEvent); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	return nil
}

// Close disconnects the client, waiting up to 250ms for in-flight publishes.
func (s *Server) Close() {
	if s.client != nil {
		s.client.Disconnect(250)
	}
}

func (s *Server) onMessage(client mqtt.Client, msg mqtt.Message) {
	var env envelope
	if err := json.Unmarshal(msg.Payload(), &env); err != nil {
		log.WithError(err).Warn("mqttapi: malformed envelope")
		return
	}
	if env.Type != "request" || env.ResponseTopic == "" {
		log.Warn("mqttapi: envelope missing type=request or response_topic")
		return
	}

	deadline := s.RequestDeadline
	if deadline <= 0 {
		deadline = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()

	resp := s.handle(ctx, env)
	resp.CorrelationData = env.CorrelationData

	payload, err := json.Marshal(resp)
	if err != nil {
		log.WithError(err).Error("mqttapi: marshal response failed")
		return
	}
	token := client.Publish(env.ResponseTopic, 1, false, payload)
	token.Wait()
}

// brokerEvent is the envelope the broker's webhook-to-MQTT bridge publishes
// to SubscriptionEventsTopic for client-subscribe and client-disconnect
// notifications (spec.md §4.D). Unlike envelope, it carries no token: the
// topic itself is the trust boundary (only the broker publishes there).
type brokerEvent struct {
	Method  string          `json:"method"`
	Payload json.RawMessage `json:"payload"`
}

// onBrokerEvent drives the presence state machine's subscription.create and
// disconnected transitions from the broker's own system notifications,
// rather than from an agent request — this is the seam spec.md §4.D
// describes ("the service issues a subscription request to the external
// broker; on the broker's subscription.create callback the state flips to
// ready").
func (s *Server) onBrokerEvent(client mqtt.Client, msg mqtt.Message) {
	var ev brokerEvent
	if err := json.Unmarshal(msg.Payload(), &ev); err != nil {
		log.WithError(err).Warn("mqttapi: malformed broker event")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.Gateway.Dispatch(ctx, gateway.Request{Method: ev.Method, Payload: ev.Payload}); err != nil {
		log.WithError(err).WithField("method", ev.Method).Warn("mqttapi: broker event dispatch failed")
	}
}

func (s *Server) handle(ctx context.Context, env envelope) response {
	agent, err := s.Authn.VerifyToken(env.Issuer, env.Token)
	if err != nil {
		return errorResponse(problem.New(problem.AuthorizationFailed, err.Error()))
	}

	out, err := s.Gateway.Dispatch(ctx, gateway.Request{Method: env.Method, Agent: agent, Payload: env.Payload})
	if err != nil {
		if d, ok := problem.As(err); ok {
			return errorResponse(d)
		}
		log.WithError(err).Error("mqttapi: unhandled dispatch error")
		return errorResponse(problem.New(problem.MessageHandlingFailed, "internal error"))
	}
	return response{Status: statusText(out.Status), Payload: out.Payload}
}

func errorResponse(d *problem.Detail) response {
	return response{Status: statusText(d.Status), Payload: d}
}

func statusText(code int) string {
	return fmt.Sprintf("%d", code)
}
