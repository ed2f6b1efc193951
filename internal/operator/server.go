// Package operator — server.go
//
// Unix domain socket server for NeighborGuard Edge operator overrides.
//
// Protocol: newline-delimited JSON over a Unix domain socket.
// Socket path: /run/neighborguard/operator.sock (configurable).
// Permissions: 0600, owned by the daemon's user. Only local admin tools
// (and the paired App's local bridge, if configured) can connect.
//
// Commands (JSON request → JSON response):
//
//	{"cmd":"disarm","entry_point_id":"front_door"}
//	  → Cancels siren, entry-delay, and deterrent timers simultaneously
//	    and transitions to RESOLVED.
//	  → Response: {"ok":true,"entry_point_id":"front_door","state":"RESOLVED"}
//
//	{"cmd":"confirm_threat","entry_point_id":"front_door"}
//	  → User "Confirm Threat" on Tamper-S: fires TRIGGER with reason
//	    tamper_verified_by_user. Evidence is not promoted to RETAINED.
//	  → Response: {"ok":true,"entry_point_id":"front_door","state":"TRIGGER"}
//
//	{"cmd":"mark_fault","entry_point_id":"front_door"}
//	  → User "Mark Fault" on Tamper-S: remains CANDIDATE, tamper cleared.
//	  → Response: {"ok":true,"entry_point_id":"front_door"}
//
//	{"cmd":"ignore_tamper","entry_point_id":"front_door"}
//	  → User "Ignore" on Tamper-S: remains CANDIDATE, tamper cleared.
//	  → Response: {"ok":true,"entry_point_id":"front_door"}
//
//	{"cmd":"silence_siren","entry_point_id":"front_door"}
//	  → Silences an active siren without resolving the entry point.
//	  → Response: {"ok":true,"entry_point_id":"front_door"}
//
//	{"cmd":"resolve","entry_point_id":"front_door"}
//	  → Marks the entry point RESOLVED from PENDING or TRIGGER.
//	  → Response: {"ok":true,"entry_point_id":"front_door","state":"RESOLVED"}
//
//	{"cmd":"status","entry_point_id":"front_door"}
//	  → Returns the current EntryPointState snapshot.
//	  → Response: {"ok":true,"entry_point_id":"front_door","state":"PRE_L1",...}
//
//	{"cmd":"list"}
//	  → Returns every tracked entry point's current snapshot.
//	  → Response: {"ok":true,"entry_points":[{"entry_point_id":"front_door",...}]}
//
// Security:
//   - Socket is created with 0600 permissions.
//   - Each connection is handled in a separate goroutine.
//   - Max concurrent connections: 4 (operator use only, not high-throughput).
//   - Max request size: 4096 bytes (prevents memory exhaustion).
//   - Connection timeout: 10s read, 10s write.
//   - Commands that change state (disarm, confirm_threat, resolve) reach
//     the audit ledger through the state machine's own AuditSink; the
//     other commands are logged through zap only, and status and list are
//     not logged.
package operator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/neighborguard/edge/internal/security"
)

const (
	maxConcurrentConns = 4
	maxRequestBytes    = 4096
	connTimeout        = 10 * time.Second
)

// Registry looks up the Machine for one entry point, and lists every
// tracked entry point. Implemented by the daemon's entry-point map.
type Registry interface {
	Get(entryPointID string) (*security.Machine, bool)
	ListAll() []security.EntryPointState
}

// Request is the JSON structure for operator commands.
type Request struct {
	Cmd          string `json:"cmd"`
	EntryPointID string `json:"entry_point_id,omitempty"`
}

// Response is the JSON structure for operator command responses.
type Response struct {
	OK           bool                     `json:"ok"`
	Error        string                   `json:"error,omitempty"`
	EntryPointID string                   `json:"entry_point_id,omitempty"`
	State        string                   `json:"state,omitempty"`
	TamperState  string                   `json:"tamper_state,omitempty"`
	EntryPoints  []security.EntryPointState `json:"entry_points,omitempty"`
}

// Server is the operator Unix domain socket server.
type Server struct {
	socketPath string
	runDir     string
	registry   Registry
	log        *zap.Logger
	sem        chan struct{} // Semaphore: max concurrent connections.
}

// NewServer creates an operator Server. runDir is the parent directory
// created (0700) to hold socketPath if it does not already exist.
func NewServer(socketPath, runDir string, registry Registry, log *zap.Logger) *Server {
	return &Server{
		socketPath: socketPath,
		runDir:     runDir,
		registry:   registry,
		log:        log,
		sem:        make(chan struct{}, maxConcurrentConns),
	}
}

// ListenAndServe starts the operator socket server.
// Removes any stale socket file before binding.
// Blocks until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("operator: remove stale socket %q: %w", s.socketPath, err)
	}

	if err := os.MkdirAll(s.runDir, 0o700); err != nil {
		return fmt.Errorf("operator: mkdir %q: %w", s.runDir, err)
	}

	lis, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("operator: listen %q: %w", s.socketPath, err)
	}
	defer lis.Close()

	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		return fmt.Errorf("operator: chmod %q: %w", s.socketPath, err)
	}

	s.log.Info("operator socket listening", zap.String("path", s.socketPath))

	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.log.Error("operator: accept error", zap.Error(err))
				continue
			}
		}

		select {
		case s.sem <- struct{}{}:
		default:
			s.log.Warn("operator: max connections reached, rejecting")
			_ = conn.Close()
			continue
		}

		go func(c net.Conn) {
			defer func() { <-s.sem }()
			defer c.Close()
			s.handleConn(c)
		}(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(connTimeout))

	buf := make([]byte, maxRequestBytes)
	n, err := conn.Read(buf)
	if err != nil && err != io.EOF {
		s.log.Warn("operator: read error", zap.Error(err))
		return
	}

	var req Request
	if err := json.Unmarshal(buf[:n], &req); err != nil {
		s.writeResponse(conn, Response{OK: false, Error: "invalid JSON: " + err.Error()})
		return
	}

	resp := s.dispatch(req)
	s.writeResponse(conn, resp)
}

func (s *Server) dispatch(req Request) Response {
	if req.Cmd == "list" {
		return Response{OK: true, EntryPoints: s.registry.ListAll()}
	}

	m, ok := s.registry.Get(req.EntryPointID)
	if !ok {
		return Response{OK: false, Error: fmt.Sprintf("entry point %q not tracked", req.EntryPointID)}
	}

	switch req.Cmd {
	case "disarm":
		return s.cmdDisarm(req.EntryPointID, m)
	case "confirm_threat":
		return s.cmdConfirmThreat(req.EntryPointID, m)
	case "mark_fault":
		return s.cmdMarkFault(req.EntryPointID, m)
	case "ignore_tamper":
		return s.cmdIgnoreTamper(req.EntryPointID, m)
	case "silence_siren":
		return s.cmdSilenceSiren(req.EntryPointID, m)
	case "resolve":
		return s.cmdResolve(req.EntryPointID, m)
	case "status":
		return s.cmdStatus(req.EntryPointID, m)
	default:
		return Response{OK: false, Error: fmt.Sprintf("unknown command %q", req.Cmd)}
	}
}

func (s *Server) cmdDisarm(id string, m *security.Machine) Response {
	if err := m.Disarm(); err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	s.log.Info("operator: disarm", zap.String("entry_point_id", id))
	return Response{OK: true, EntryPointID: id, State: m.Snapshot().CurrentState.String()}
}

func (s *Server) cmdConfirmThreat(id string, m *security.Machine) Response {
	if _, err := m.HumanVerifyConfirm(); err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	s.log.Info("operator: confirm_threat", zap.String("entry_point_id", id))
	return Response{OK: true, EntryPointID: id, State: m.Snapshot().CurrentState.String()}
}

func (s *Server) cmdMarkFault(id string, m *security.Machine) Response {
	m.HumanVerifyMarkFault()
	s.log.Info("operator: mark_fault", zap.String("entry_point_id", id))
	return Response{OK: true, EntryPointID: id}
}

func (s *Server) cmdIgnoreTamper(id string, m *security.Machine) Response {
	m.HumanVerifyIgnore()
	s.log.Info("operator: ignore_tamper", zap.String("entry_point_id", id))
	return Response{OK: true, EntryPointID: id}
}

func (s *Server) cmdSilenceSiren(id string, m *security.Machine) Response {
	m.SilenceSiren()
	s.log.Info("operator: silence_siren", zap.String("entry_point_id", id))
	return Response{OK: true, EntryPointID: id}
}

func (s *Server) cmdResolve(id string, m *security.Machine) Response {
	if err := m.Resolve(); err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	s.log.Info("operator: resolve", zap.String("entry_point_id", id))
	return Response{OK: true, EntryPointID: id, State: m.Snapshot().CurrentState.String()}
}

func (s *Server) cmdStatus(id string, m *security.Machine) Response {
	snap := m.Snapshot()
	return Response{
		OK:           true,
		EntryPointID: id,
		State:        snap.CurrentState.String(),
		TamperState:  snap.TamperState.String(),
	}
}

func (s *Server) writeResponse(conn net.Conn, resp Response) {
	data, _ := json.Marshal(resp)
	data = append(data, '\n')
	_, _ = conn.Write(data)
}

// ─── Mutex-protected in-memory registry (used by the daemon) ────────────────

// MemRegistry is a thread-safe in-memory implementation of Registry,
// mapping entry_point_id to its owning Machine.
type MemRegistry struct {
	mu       sync.RWMutex
	machines map[string]*security.Machine
}

// NewMemRegistry creates an empty MemRegistry.
func NewMemRegistry() *MemRegistry {
	return &MemRegistry{machines: make(map[string]*security.Machine)}
}

// Register adds or replaces the Machine for entryPointID.
func (r *MemRegistry) Register(entryPointID string, m *security.Machine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.machines[entryPointID] = m
}

func (r *MemRegistry) Get(entryPointID string) (*security.Machine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.machines[entryPointID]
	return m, ok
}

func (r *MemRegistry) ListAll() []security.EntryPointState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]security.EntryPointState, 0, len(r.machines))
	for _, m := range r.machines {
		out = append(out, m.Snapshot())
	}
	return out
}
