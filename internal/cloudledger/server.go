// Package cloudledger implements the server side of the cloud ledger's
// ingest/export contract: a thin adapter that accepts derived event
// summaries, evidence upload sessions, and device registrations, and
// enforces the idempotency-key dedup contract the Edge's outbox depends
// on. The cloud MUST NOT infer or recompute security decisions — every
// handler here only stores and echoes back what the Edge already decided.
//
// Route dispatch is by path + HTTP method through a gorilla/mux router,
// generalizing the admin socket's dispatch-by-command-field idiom to an
// HTTP surface.
package cloudledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/neighborguard/edge/internal/devicekey"
)

// CloudConflict is returned when an idempotency key is reused with a
// different canonical payload — a collision the cloud refuses to resolve
// automatically. Surfaced to the operator, never auto-resolved.
type CloudConflict struct {
	IdempotencyKey string
}

func (e *CloudConflict) Error() string {
	return "cloudledger: idempotency key " + e.IdempotencyKey + " reused with a different payload"
}

// IngestRequest is the body of POST /api/circles/{circleId}/events/ingest.
type IngestRequest struct {
	IdempotencyKey         string          `json:"idempotencyKey"`
	Event                  json.RawMessage `json:"event"`
	EdgeSchemaVersion      string          `json:"edgeSchemaVersion"`
	WorkflowClass          string          `json:"workflowClass"`
	Mode                   string          `json:"mode"`
	UserAlertLevel         string          `json:"userAlertLevel"`
	DispatchReadinessLevel string          `json:"dispatchReadinessLevel"`
	EdgeAssessment         string          `json:"edgeAssessment,omitempty"`
	RemoteVerify           json.RawMessage `json:"remoteVerify,omitempty"`
	IncidentPacket         json.RawMessage `json:"incidentPacket,omitempty"`
}

// IngestResponse is the response to a successful (or deduplicated) ingest.
type IngestResponse struct {
	Accepted        bool      `json:"accepted"`
	EventID         string    `json:"eventId"`
	ServerReceivedAt time.Time `json:"serverReceivedAt"`
}

// ManifestItem describes one clip within an evidence upload manifest.
type ManifestItem struct {
	Type        string `json:"type"`
	SHA256      string `json:"sha256"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
	TimeRange   struct {
		StartAt time.Time `json:"startAt"`
		EndAt   time.Time `json:"endAt"`
	} `json:"timeRange"`
}

// UploadSessionRequest is the body of
// POST /api/circles/{circleId}/events/{eventId}/evidence/upload-session.
type UploadSessionRequest struct {
	Manifest struct {
		Items      []ManifestItem `json:"items"`
		Encryption *struct {
			Scheme           string `json:"scheme"`
			RecipientPublicKey string `json:"recipientPublicKey"`
		} `json:"encryption,omitempty"`
	} `json:"manifest"`
}

// UploadSessionResponse hands back one upload URL per manifest item, keyed
// by sha256. The URLs are fixed placeholders: they are not signed and carry
// no expiry.
type UploadSessionResponse struct {
	SessionID  string      `json:"sessionId"`
	UploadURLs []uploadURL `json:"uploadUrls"`
}

type uploadURL struct {
	SHA256 string `json:"sha256"`
	URL    string `json:"url"`
}

// UploadCompleteRequest finalizes an evidence upload session.
type UploadCompleteRequest struct {
	SessionID      string          `json:"sessionId"`
	Manifest       json.RawMessage `json:"manifest"`
	ReportPackage  json.RawMessage `json:"reportPackage,omitempty"`
}

// DeviceRegistrationResponse is returned once, at pairing time; deviceKey
// is never shown again.
type DeviceRegistrationResponse struct {
	DeviceID     string    `json:"deviceId"`
	DeviceKey    string    `json:"deviceKey"`
	PairedAt     time.Time `json:"pairedAt"`
	Capabilities struct {
		Fusion         bool `json:"fusion"`
		EvidenceUpload bool `json:"evidenceUpload"`
		Topomap        bool `json:"topomap"`
	} `json:"capabilities"`
}

type storedRecord struct {
	payloadHash string
	response    IngestResponse
}

// Server is the reference cloud-ledger shim. It stores derived summaries
// in memory only — the real cloud's durable store is out of scope here;
// this package exists to give the Edge's outbox a real contract to
// exercise in integration tests and local deployments.
type Server struct {
	log *zap.Logger
	dk  *devicekey.Manager

	mu          sync.Mutex
	byIdemKey   map[string]storedRecord
	byEventID   map[string]storedRecord
	sessions    map[string]UploadSessionRequest
	deviceSeq   int
}

// NewServer creates a cloud ledger reference server. dk issues the device
// key returned at pairing time — this is the real device registration
// credential, never a locally-generated placeholder.
func NewServer(log *zap.Logger, dk *devicekey.Manager) *Server {
	return &Server{
		log:       log,
		dk:        dk,
		byIdemKey: make(map[string]storedRecord),
		byEventID: make(map[string]storedRecord),
		sessions:  make(map[string]UploadSessionRequest),
	}
}

// Router builds the gorilla/mux route table for this shim.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/circles/{circleId}/events/ingest", s.handleIngest).Methods(http.MethodPost)
	r.HandleFunc("/api/circles/{circleId}/events/{eventId}/evidence/upload-session", s.handleUploadSession).Methods(http.MethodPost)
	r.HandleFunc("/api/circles/{circleId}/evidence/complete", s.handleUploadComplete).Methods(http.MethodPost)
	r.HandleFunc("/api/circles/{circleId}/edge/devices", s.handleDeviceRegister).Methods(http.MethodPost)
	return r
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	hash := canonicalHash(req.Event)
	var eventID string
	if err := json.Unmarshal(extractEventID(req.Event), &eventID); err != nil || eventID == "" {
		eventID = req.IdempotencyKey
	}

	resp, err := s.dedupAndStore(req.IdempotencyKey, eventID, hash)
	if err != nil {
		s.log.Warn("cloudledger: idempotency conflict", zap.String("idempotency_key", req.IdempotencyKey))
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// dedupAndStore implements the required dedup semantics: a duplicate
// idempotencyKey or eventId with an identical payload hash MUST return
// success without side effects; a duplicate key with a different payload
// is a CloudConflict.
func (s *Server) dedupAndStore(idemKey, eventID, hash string) (IngestResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byIdemKey[idemKey]; ok {
		if existing.payloadHash != hash {
			return IngestResponse{}, &CloudConflict{IdempotencyKey: idemKey}
		}
		return existing.response, nil
	}
	if existing, ok := s.byEventID[eventID]; ok {
		if existing.payloadHash != hash {
			return IngestResponse{}, &CloudConflict{IdempotencyKey: idemKey}
		}
		s.byIdemKey[idemKey] = existing
		return existing.response, nil
	}

	rec := storedRecord{
		payloadHash: hash,
		response: IngestResponse{
			Accepted:         true,
			EventID:          eventID,
			ServerReceivedAt: time.Now().UTC(),
		},
	}
	s.byIdemKey[idemKey] = rec
	s.byEventID[eventID] = rec
	return rec.response, nil
}

func (s *Server) handleUploadSession(w http.ResponseWriter, r *http.Request) {
	var req UploadSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	vars := mux.Vars(r)
	sessionID := vars["eventId"] + "/" + sessionSuffix(req)

	urls := make([]uploadURL, 0, len(req.Manifest.Items))
	for _, item := range req.Manifest.Items {
		urls = append(urls, uploadURL{SHA256: item.SHA256, URL: "https://cloudledger.invalid/upload/" + item.SHA256})
	}

	s.mu.Lock()
	s.sessions[sessionID] = req
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, UploadSessionResponse{SessionID: sessionID, UploadURLs: urls})
}

func (s *Server) handleUploadComplete(w http.ResponseWriter, r *http.Request) {
	var req UploadCompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	_, known := s.sessions[req.SessionID]
	s.mu.Unlock()
	if !known {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"finalized": true})
}

func (s *Server) handleDeviceRegister(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.deviceSeq++
	seq := s.deviceSeq
	s.mu.Unlock()

	deviceID := "device-" + itoa(seq)
	issued, err := s.dk.Issue(deviceID, time.Now().UTC())
	if err != nil {
		s.log.Error("cloudledger: device key issuance failed", zap.String("device_id", deviceID), zap.Error(err))
		http.Error(w, "device key issuance failed", http.StatusInternalServerError)
		return
	}

	resp := DeviceRegistrationResponse{
		DeviceID:  deviceID,
		DeviceKey: issued.RawKey,
		PairedAt:  issued.Record.IssuedAt,
	}
	resp.Capabilities.Fusion = true
	resp.Capabilities.EvidenceUpload = true
	resp.Capabilities.Topomap = true

	writeJSON(w, http.StatusOK, resp)
}

func canonicalHash(payload json.RawMessage) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// extractEventID best-effort pulls an "eventId" field out of the raw event
// payload for dedup-by-eventId; absence is not an error since idempotency
// key alone is sufficient for the primary dedup path.
func extractEventID(payload json.RawMessage) json.RawMessage {
	var probe struct {
		EventID json.RawMessage `json:"eventId"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil || probe.EventID == nil {
		return []byte(`""`)
	}
	return probe.EventID
}

func sessionSuffix(req UploadSessionRequest) string {
	h := sha256.New()
	for _, item := range req.Manifest.Items {
		h.Write([]byte(item.SHA256))
	}
	return hex.EncodeToString(h.Sum(nil))[:12]
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	neg := n < 0
	if neg {
		n = -n
	}
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
