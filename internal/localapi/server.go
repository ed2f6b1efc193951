// Package localapi implements the edge-local HTTPS API the paired App
// talks to over the same LAN: topology editing, device listing, zone
// binding updates, walk-test start/stop, and a recent-events feed (REST
// plus a websocket push channel at /local/events/feed that carries event
// records only, never media). The listener uses a self-signed certificate
// pinned by the App on first pairing; the mutating routes (topology PUT,
// bindings PUT, walk-test start/stop) additionally require a device key,
// checked by requireDeviceKey.
//
// Grounded on the daemon's metrics http.Server — same mux-routed,
// context-cancellation-triggers-shutdown shape — generalized to the
// App-facing surface with TLS and a websocket broadcaster layered on top.
package localapi

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/neighborguard/edge/internal/config"
	"github.com/neighborguard/edge/internal/devicekey"
	"github.com/neighborguard/edge/internal/normalize"
	"github.com/neighborguard/edge/internal/rules"
	"github.com/neighborguard/edge/internal/storage"
)

// Zone is one node of the household topology map.
type Zone struct {
	ZoneID   string               `json:"zoneId"`
	Label    string                `json:"label"`
	Privacy  normalize.PrivacyLevel `json:"privacyLevel"`
}

// EntryPointNode binds a zone to an entry point in the topology map.
type EntryPointNode struct {
	EntryPointID string `json:"entryPointId"`
	ZoneID       string `json:"zoneId"`
	Label        string `json:"label"`
}

// DeviceNode describes one paired device for the /local/devices listing.
type DeviceNode struct {
	DeviceID string `json:"deviceId"`
	ZoneID   string `json:"zoneId,omitempty"`
	Kind     string `json:"kind"`
	Online   bool   `json:"online"`
}

// Topology is the full editable topology map served at /local/topomap.
type Topology struct {
	Zones       []Zone           `json:"zones"`
	EntryPoints []EntryPointNode `json:"entryPoints"`
}

const topologyMetaKey = "topomap"

// WalkTestState reports whether a walk-test session is active, for the
// App's live pairing/verification flow.
type WalkTestState struct {
	Active    bool      `json:"active"`
	StartedAt time.Time `json:"startedAt,omitempty"`
}

// RecentEvent is the localAPI projection of a stored SecurityEvent, for
// the paired App's timeline view.
type RecentEvent struct {
	EventID      string    `json:"eventId"`
	OccurredAt   time.Time `json:"occurredAt"`
	EventType    string    `json:"eventType"`
	Severity     string    `json:"severity"`
	RuleID       string    `json:"ruleId"`
	ZoneID       string    `json:"zoneId"`
	EntryPointID string    `json:"entryPointId"`
}

// DeviceLister supplies the device set for GET /local/devices; satisfied
// by the daemon's device registry.
type DeviceLister interface {
	ListDevices() []DeviceNode
}

// Server is the edge-local HTTPS API.
type Server struct {
	db       *storage.DB
	norm     *normalize.Normalizer
	devices  DeviceLister
	log      *zap.Logger
	cfg      config.LocalAPIConfig
	dk       *devicekey.Manager

	upgrader websocket.Upgrader

	mu          sync.Mutex
	walkTest    WalkTestState
	wsClients   map[*websocket.Conn]chan []byte
}

// NewServer creates a localapi Server. dk authenticates the mutating
// routes (topology edits, zone bindings, walk-test) via device-key
// signature, the other TLS-or-device-key auth option the spec allows
// alongside the pinned self-signed certificate; a nil dk disables that
// check (certificate pinning alone), matching a paired App with no issued
// device key yet.
func NewServer(db *storage.DB, norm *normalize.Normalizer, devices DeviceLister, cfg config.LocalAPIConfig, dk *devicekey.Manager, log *zap.Logger) *Server {
	return &Server{
		db:      db,
		norm:    norm,
		devices: devices,
		log:     log,
		cfg:     cfg,
		dk:      dk,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		wsClients: make(map[*websocket.Conn]chan []byte),
	}
}

// Router builds the route table for the local API.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/local/topomap", s.handleGetTopomap).Methods(http.MethodGet)
	r.HandleFunc("/local/topomap", s.requireDeviceKey(s.handlePutTopomap)).Methods(http.MethodPut)
	r.HandleFunc("/local/devices", s.handleDevices).Methods(http.MethodGet)
	r.HandleFunc("/local/bindings", s.requireDeviceKey(s.handlePutBindings)).Methods(http.MethodPut)
	r.HandleFunc("/local/walk-test/start", s.requireDeviceKey(s.handleWalkTestStart)).Methods(http.MethodPost)
	r.HandleFunc("/local/walk-test/stop", s.requireDeviceKey(s.handleWalkTestStop)).Methods(http.MethodPost)
	r.HandleFunc("/local/events/recent", s.handleRecentEvents).Methods(http.MethodGet)
	r.HandleFunc("/local/events/feed", s.handleEventFeed)
	return r
}

// requireDeviceKey wraps next with device-key-signature authentication:
// the App presents its device ID and raw key, verified against
// internal/devicekey's sealed record. A nil Manager is a deliberate no-op
// (certificate-pinning-only deployments); once a Manager is attached, every
// mutating route requires a verified key.
func (s *Server) requireDeviceKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.dk == nil {
			next(w, r)
			return
		}
		deviceID := r.Header.Get("X-Device-Id")
		rawKey := strings.TrimPrefix(r.Header.Get("Authorization"), "Device ")
		if deviceID == "" || rawKey == "" {
			http.Error(w, "missing device key credentials", http.StatusUnauthorized)
			return
		}
		ok, err := s.dk.Verify(deviceID, rawKey)
		if err != nil {
			s.log.Warn("localapi: device key verification error", zap.String("device_id", deviceID), zap.Error(err))
			http.Error(w, "device key verification failed", http.StatusInternalServerError)
			return
		}
		if !ok {
			http.Error(w, "invalid device key", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// ListenAndServeTLS starts the HTTPS listener on addr, blocking until ctx
// is cancelled. Uses cfg.CertFile/KeyFile as the pinned self-signed
// identity.
func (s *Server) ListenAndServeTLS(ctx context.Context, addr string) error {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}

	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		TLSConfig:    tlsCfg,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServeTLS(s.cfg.CertFile, s.cfg.KeyFile); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("localapi: serve on %s: %w", addr, err)
	}
	return nil
}

func (s *Server) handleGetTopomap(w http.ResponseWriter, r *http.Request) {
	var topo Topology
	found, err := s.db.GetMeta(topologyMetaKey, &topo)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !found {
		topo = Topology{}
	}
	writeJSON(w, http.StatusOK, topo)
}

func (s *Server) handlePutTopomap(w http.ResponseWriter, r *http.Request) {
	var topo Topology
	if err := json.NewDecoder(r.Body).Decode(&topo); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if err := s.db.PutMeta(topologyMetaKey, topo); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.log.Info("localapi: topology updated", zap.Int("zones", len(topo.Zones)), zap.Int("entry_points", len(topo.EntryPoints)))
	writeJSON(w, http.StatusOK, topo)
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	var devices []DeviceNode
	if s.devices != nil {
		devices = s.devices.ListDevices()
	}
	writeJSON(w, http.StatusOK, devices)
}

// bindingsRequest mirrors normalize.ZoneBinding for the wire format; the
// App edits device->zone assignments, not raw SensorEvents.
type bindingsRequest struct {
	Bindings []normalize.ZoneBinding `json:"bindings"`
}

func (s *Server) handlePutBindings(w http.ResponseWriter, r *http.Request) {
	var req bindingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	s.norm.SetBindings(req.Bindings)
	if err := s.db.PutMeta("bindings", req.Bindings); err != nil {
		s.log.Warn("localapi: persist bindings failed", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleWalkTestStart(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.walkTest = WalkTestState{Active: true, StartedAt: time.Now().UTC()}
	state := s.walkTest
	s.mu.Unlock()
	s.log.Info("localapi: walk-test started")
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleWalkTestStop(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.walkTest = WalkTestState{}
	s.mu.Unlock()
	s.log.Info("localapi: walk-test stopped")
	writeJSON(w, http.StatusOK, WalkTestState{})
}

func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	var events []RecentEvent
	err := s.db.ForEachEvent(func(key, value []byte) error {
		var raw struct {
			EventID      string    `json:"EventID"`
			OccurredAt   time.Time `json:"OccurredAt"`
			EventType    int       `json:"EventType"`
			Severity     int       `json:"Severity"`
			RuleID       string    `json:"RuleID"`
			ZoneID       string    `json:"ZoneID"`
			EntryPointID string    `json:"EntryPointID"`
		}
		if err := json.Unmarshal(value, &raw); err != nil {
			return nil
		}
		events = append(events, RecentEvent{
			EventID:      raw.EventID,
			OccurredAt:   raw.OccurredAt,
			EventType:    rules.EventType(raw.EventType).String(),
			Severity:     rules.Severity(raw.Severity).String(),
			RuleID:       raw.RuleID,
			ZoneID:       raw.ZoneID,
			EntryPointID: raw.EntryPointID,
		})
		return nil
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if len(events) > limit {
		events = events[len(events)-limit:]
	}
	writeJSON(w, http.StatusOK, events)
}

// handleEventFeed upgrades to a websocket and streams Broadcast()ed events
// to the connected App until the client disconnects.
func (s *Server) handleEventFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("localapi: websocket upgrade failed", zap.Error(err))
		return
	}

	ch := make(chan []byte, 16)
	s.mu.Lock()
	s.wsClients[conn] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.wsClients, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	for msg := range ch {
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// Broadcast pushes ev to every connected websocket client, for live
// timeline updates as events are recorded. Slow or disconnected clients
// never block publication: a client whose channel is full is dropped.
func (s *Server) Broadcast(ev RecentEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn, ch := range s.wsClients {
		select {
		case ch <- data:
		default:
			s.log.Warn("localapi: dropping slow websocket client")
			delete(s.wsClients, conn)
			close(ch)
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
