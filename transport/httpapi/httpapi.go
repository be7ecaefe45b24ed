// Package httpapi exposes the gateway's method dispatch table as HTTP
// endpoints, the "parallel HTTP surface" spec.md §6 requires alongside MQTT.
// Grounded on the teacher's gorilla/mux-based clientapi routing convention.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/vstream/roomevents/internal/authn"
	"github.com/vstream/roomevents/internal/logging"
	"github.com/vstream/roomevents/internal/problem"
	"github.com/vstream/roomevents/pkg/roomapi"
	"github.com/vstream/roomevents/transport/gateway"
)

var log = logging.For("httpapi")

var errMissingBearer = errors.New("httpapi: missing bearer token")

// Server wraps the gateway with an HTTP router.
type Server struct {
	Gateway         *gateway.Gateway
	Authn           *authn.Verifier
	RequestDeadline time.Duration
}

// Router builds the mux.Router serving one POST route per method under
// /api/{method}, e.g. POST /api/room.create.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/{method}", s.handle).Methods(http.MethodPost)
	return r
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	deadline := s.RequestDeadline
	if deadline <= 0 {
		deadline = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	method := mux.Vars(r)["method"]

	agent, authErr := s.authenticate(r)
	if authErr != nil {
		writeProblem(w, problem.New(problem.AuthorizationFailed, authErr.Error()))
		return
	}

	payload, err := readBody(r)
	if err != nil {
		writeProblem(w, problem.New(problem.InvalidPayload, err.Error()))
		return
	}

	resp, err := s.Gateway.Dispatch(ctx, gateway.Request{Method: method, Agent: agent, Payload: payload})
	if err != nil {
		if ctx.Err() != nil {
			writeProblem(w, problem.New(problem.DatabaseQueryFailed, "request deadline exceeded"))
			return
		}
		writeError(w, err)
		return
	}

	writeJSON(w, resp.Status, resp.Payload)
}

func (s *Server) authenticate(r *http.Request) (roomapi.AgentID, error) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return roomapi.AgentID{}, errMissingBearer
	}
	issuer := r.Header.Get("X-Issuer")
	return s.Authn.VerifyToken(issuer, strings.TrimPrefix(header, prefix))
}

func readBody(r *http.Request) (json.RawMessage, error) {
	defer r.Body.Close()
	var raw json.RawMessage
	if r.ContentLength == 0 {
		return json.RawMessage(`{}`), nil
	}
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.WithError(err).Warn("httpapi: encode response failed")
	}
}

func writeError(w http.ResponseWriter, err error) {
	if d, ok := problem.As(err); ok {
		writeProblem(w, d)
		return
	}
	log.WithError(err).Error("httpapi: unhandled handler error")
	writeProblem(w, problem.New(problem.DatabaseQueryFailed, "internal error"))
}

func writeProblem(w http.ResponseWriter, d *problem.Detail) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(d.Status)
	_ = json.NewEncoder(w).Encode(d)
}
