// Package httpapi exposes the Supervisor over HTTP: event submission,
// read-only introspection endpoints, the operator kill switch, and a
// WebSocket stream for live snapshots.
//
// Grounded on the teacher's control_plane/api.go and main.go route
// table (http.Handle/http.HandleFunc over the default mux, each
// handler wrapped individually with middleware.AuthMiddleware) and its
// CORS/idempotency wrapping pattern — generalized here from FluxForge's
// node/job/state resource routes to SentryGate's event submission and
// introspection surface.
package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sentrygate/sentrygate/internal/authn"
	"github.com/sentrygate/sentrygate/internal/broadcast"
	"github.com/sentrygate/sentrygate/internal/event"
	"github.com/sentrygate/sentrygate/internal/supervisor"
)

// Server wires a Supervisor, an authn.Issuer, and a broadcast.Hub into
// an http.Handler.
type Server struct {
	sup    *supervisor.Supervisor
	issuer *authn.Issuer
	hub    *broadcast.Hub
	idem   IdempotencyCache

	upgrader websocketUpgrader
}

// New builds a Server. issuer may be nil to run with authentication
// disabled (local development only — callers are responsible for not
// exposing such a Server publicly). idem may be nil to skip idempotent
// replay of POST /v1/events.
func New(sup *supervisor.Supervisor, issuer *authn.Issuer, hub *broadcast.Hub, idem IdempotencyCache) *Server {
	return &Server{sup: sup, issuer: issuer, hub: hub, idem: idem}
}

// routeMethods records, per registered path, exactly the HTTP methods
// that path's own handler accepts — corsMiddleware answers a preflight
// from this table instead of advertising a single fixed method list
// for every route.
var routeMethods = map[string]string{
	"/health":               "GET, OPTIONS",
	"/v1/events":            "POST, OPTIONS",
	"/v1/queue":             "GET, OPTIONS",
	"/v1/instances":         "GET, OPTIONS",
	"/v1/scaling/decisions": "GET, OPTIONS",
	"/v1/admission-mode":    "GET, POST, OPTIONS",
	"/v1/stream":            "GET, OPTIONS",
	"/metrics":              "GET, OPTIONS",
}

// Handler returns the fully wired http.Handler: every route registered
// with auth and CORS applied, matching the teacher's
// `middleware.CORSMiddleware(http.DefaultServeMux)` outermost wrap.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	mux.Handle("/v1/events", s.authenticated(s.withIdempotency(s.handleSubmitEvent)))
	mux.Handle("/v1/queue", s.authenticated(s.handleQueue))
	mux.Handle("/v1/instances", s.authenticated(s.handleInstances))
	mux.Handle("/v1/scaling/decisions", s.authenticated(s.handleScalingDecisions))
	mux.Handle("/v1/admission-mode", s.authenticated(s.handleAdmissionMode))
	mux.Handle("/v1/stream", s.authenticated(s.handleStream))

	mux.Handle("/metrics", promhttp.Handler())

	return corsMiddleware(mux, routeMethods)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleSubmitEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		ID       string         `json:"id"`
		Priority event.Priority `json:"priority"`
		Payload  []byte         `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ID == "" {
		http.Error(w, "id is required", http.StatusBadRequest)
		return
	}

	submitterKey := submitterFromContext(r.Context())
	result := s.sup.Submit(submitterKey, &event.Event{
		ID:       req.ID,
		Priority: req.Priority,
		Payload:  req.Payload,
	})
	if !result.Accepted {
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"status": "rejected", "reason": result.Reason})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sup.Queue().Metrics())
}

func (s *Server) handleInstances(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sup.Registry().List())
}

func (s *Server) handleScalingDecisions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sup.Autoscaler().Decisions())
}

// handleAdmissionMode mirrors the teacher's /admin/admission-mode Pilot
// Kill Switch (api.go's handleSetAdmissionMode), generalized to
// Supervisor.AdmissionMode.
func (s *Server) handleAdmissionMode(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"mode": s.sup.AdmissionMode().String()})
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	var mode supervisor.AdmissionMode
	switch req.Mode {
	case "normal":
		mode = supervisor.AdmissionNormal
	case "drain":
		mode = supervisor.AdmissionDrain
	case "freeze":
		mode = supervisor.AdmissionFreeze
	default:
		http.Error(w, "invalid mode, use: normal, drain, freeze", http.StatusBadRequest)
		return
	}

	s.sup.SetAdmissionMode(mode)
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated", "mode": req.Mode})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		http.Error(w, "streaming not configured", http.StatusNotImplemented)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r)
	if err != nil {
		return
	}
	s.hub.Register(conn)
}

// RunStartupBanner prints the teacher's Pilot Mode banner
// (control_plane/main.go), adapted to SentryGate's own tunables.
func RunStartupBanner(listenAddr string, minInstances, maxInstances int) {
	fmt.Println("==================================================")
	fmt.Println("SENTRYGATE RUNTIME STARTING")
	fmt.Println("==================================================")
	fmt.Printf("Listen Address:     %s\n", listenAddr)
	fmt.Printf("Min Instances:      %d\n", minInstances)
	fmt.Printf("Max Instances:      %d\n", maxInstances)
	fmt.Printf("Started At:         %s\n", time.Now().Format(time.RFC3339))
	fmt.Println("==================================================")
}
