package camerabus

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/peer"

	"github.com/neighborguard/edge/internal/config"
	"github.com/neighborguard/edge/internal/tamper"
)

const defaultEnvelopeTTL = 30 * time.Second

// Reporter is the subset of tamper.Corroborator the bus forwards signed
// camera observations into.
type Reporter interface {
	ReportOffline(entryPointID, cameraID string)
	ReportObstruction(entryPointID, cameraID string)
	ReportDoorContactOpen(entryPointID string)
	ReportGlassBreak(entryPointID string)
}

// Server implements CameraBusServer, verifying each envelope's freshness,
// peer trust, and Ed25519 signature before forwarding the observation to
// Tamper-C corroboration.
type Server struct {
	nodeID       string
	trustedPeers map[string]ed25519.PublicKey
	envelopeTTL  time.Duration
	reporter     Reporter
	log          *zap.Logger
	startTime    time.Time
}

// NewServer creates a camerabus Server. trustedPeers maps a camera's
// node_id to its Ed25519 public key; envelopes from unknown node IDs, or
// whose signature does not verify against the claimed node ID, are
// rejected.
func NewServer(nodeID string, trustedPeers map[string]ed25519.PublicKey, envelopeTTL time.Duration, reporter Reporter, log *zap.Logger) *Server {
	if envelopeTTL <= 0 {
		envelopeTTL = defaultEnvelopeTTL
	}
	return &Server{
		nodeID:       nodeID,
		trustedPeers: trustedPeers,
		envelopeTTL:  envelopeTTL,
		reporter:     reporter,
		log:          log,
		startTime:    time.Now(),
	}
}

// ShareObservation verifies env and, if valid, forwards it to the
// corroborator. Tier-0/1-never-escalates is enforced entirely inside
// tamper.Corroborator.Evaluate; this handler only records the raw signal.
func (s *Server) ShareObservation(ctx context.Context, env *Envelope) (*AckResponse, error) {
	age := time.Since(time.Unix(0, env.TimestampUnixNs))
	if age < 0 {
		age = -age
	}
	if age > s.envelopeTTL {
		s.log.Warn("camerabus: stale envelope rejected",
			zap.String("node_id", env.NodeID), zap.Duration("age", age))
		return &AckResponse{Accepted: false, RejectionReason: "envelope expired"}, nil
	}

	pub, trusted := s.trustedPeers[env.NodeID]
	if !trusted {
		s.log.Warn("camerabus: untrusted node", zap.String("node_id", env.NodeID), zap.String("peer", peerFromContext(ctx)))
		return &AckResponse{Accepted: false, RejectionReason: "untrusted node"}, nil
	}

	if !ed25519.Verify(pub, envelopeSignatureMessage(env), env.Signature) {
		s.log.Warn("camerabus: signature verification failed", zap.String("node_id", env.NodeID))
		return &AckResponse{Accepted: false, RejectionReason: "bad signature"}, nil
	}

	s.dispatch(env)
	return &AckResponse{Accepted: true}, nil
}

// HealthCheck reports liveness and uptime.
func (s *Server) HealthCheck(ctx context.Context, req *HealthRequest) (*HealthResponse, error) {
	return &HealthResponse{
		NodeID:        s.nodeID,
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
	}, nil
}

func (s *Server) dispatch(env *Envelope) {
	switch env.Kind {
	case "offline":
		s.reporter.ReportOffline(env.EntryPointID, env.CameraID)
	case "obstruction":
		s.reporter.ReportObstruction(env.EntryPointID, env.CameraID)
	case "door_contact":
		s.reporter.ReportDoorContactOpen(env.EntryPointID)
	case "glass_break":
		s.reporter.ReportGlassBreak(env.EntryPointID)
	default:
		s.log.Warn("camerabus: unknown signal kind", zap.String("kind", env.Kind))
		return
	}
	s.log.Debug("camerabus: observation recorded",
		zap.String("entry_point_id", env.EntryPointID),
		zap.String("camera_id", env.CameraID),
		zap.String("kind", env.Kind))
}

// envelopeSignatureMessage builds the canonical byte sequence a camera
// agent signs: node_id || entry_point_id || camera_id || kind ||
// timestamp (8 bytes, little-endian).
func envelopeSignatureMessage(env *Envelope) []byte {
	msg := make([]byte, 0, len(env.NodeID)+len(env.EntryPointID)+len(env.CameraID)+len(env.Kind)+8)
	msg = append(msg, env.NodeID...)
	msg = append(msg, env.EntryPointID...)
	msg = append(msg, env.CameraID...)
	msg = append(msg, env.Kind...)
	var tsBuf [8]byte
	putLittleEndian64(tsBuf[:], uint64(env.TimestampUnixNs))
	msg = append(msg, tsBuf[:]...)
	return msg
}

func putLittleEndian64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func peerFromContext(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok {
		return "unknown"
	}
	return p.Addr.String()
}

// RegisterEntryPointCameras seeds the corroborator's failure-domain table
// from the household topology so Evaluate can apply the independence and
// tier rules as soon as the first signal arrives.
func RegisterEntryPointCameras(corr *tamper.Corroborator, domains []tamper.CameraFailureDomain) {
	for _, d := range domains {
		corr.RegisterCamera(d)
	}
}

// ListenAndServe starts the mTLS camera bus gRPC server on addr, blocking
// until ctx is cancelled.
func ListenAndServe(ctx context.Context, addr string, cfg config.CameraBusConfig, srv *Server, log *zap.Logger) error {
	tlsCfg, err := buildServerTLS(cfg.TLSCertFile, cfg.TLSKeyFile, cfg.TLSCAFile)
	if err != nil {
		return fmt.Errorf("camerabus: build tls config: %w", err)
	}

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("camerabus: listen on %s: %w", addr, err)
	}
	defer lis.Close()

	grpcSrv := grpc.NewServer(
		grpc.Creds(credentials.NewTLS(tlsCfg)),
		grpc.MaxRecvMsgSize(64*1024),
		grpc.MaxSendMsgSize(64*1024),
	)
	RegisterCameraBusServer(grpcSrv, srv)

	go func() {
		<-ctx.Done()
		grpcSrv.GracefulStop()
	}()

	log.Info("camerabus: listening", zap.String("addr", addr))
	if err := grpcSrv.Serve(lis); err != nil {
		return fmt.Errorf("camerabus: serve: %w", err)
	}
	return nil
}

// buildServerTLS requires TLS 1.3 and client certificate verification
// against caFile, matching the trust model independent camera agents are
// provisioned under (one CA per household circle).
func buildServerTLS(certFile, keyFile, caFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load server cert: %w", err)
	}

	caBytes, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("read ca file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caBytes) {
		return nil, fmt.Errorf("parse ca file %q: no certificates found", caFile)
	}

	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{cert},
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
	}, nil
}
