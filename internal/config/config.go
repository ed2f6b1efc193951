// Package config provides configuration loading, validation, and hot-reload
// for the NeighborGuard Edge daemon.
//
// Configuration file: /etc/neighborguard/config.yaml (default)
// Schema version: 1
//
// Hot-reload:
//   - The daemon listens for SIGHUP and also watches config.yaml with
//     fsnotify, for deployments where nothing forwards signals (containers).
//   - On either trigger: re-read and re-validate config.yaml.
//   - A valid new config is handed to the daemon's reload callback, which
//     only logs it: no change (thresholds, timers, notification tables, log
//     level, paths, bind addresses) takes effect until restart.
//   - If the new config is invalid, the old config remains active and an
//     error is logged. The daemon does NOT crash on invalid hot-reload config.
//
// Validation:
//   - All required fields must be present.
//   - Numeric ranges enforced (durations positive, thresholds monotonic).
//   - File paths are not checked beyond storage.db_path being non-empty.
//   - Invalid config on startup: daemon refuses to start (fatal error).
//   - Invalid config on hot-reload: logged, old config retained.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime are injected by the Makefile via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// DefaultDBPath is the default bbolt file location.
const DefaultDBPath = "/var/lib/neighborguard/edge.db"

// Config is the root configuration structure for NeighborGuard Edge.
// All fields have defaults; see Defaults() for values.
type Config struct {
	// SchemaVersion must be "1". Future versions will trigger migration.
	SchemaVersion string `yaml:"schema_version"`

	// EdgeID is the unique identifier for this Edge, assigned at pairing.
	// Used in outbox entries and the device-key store. Default: hostname.
	EdgeID string `yaml:"edge_id"`

	// CircleID identifies the household/collaboration circle this Edge
	// belongs to in the cloud ledger.
	CircleID string `yaml:"circle_id"`

	Ingest        IngestConfig        `yaml:"ingest"`
	Track         TrackConfig         `yaml:"track"`
	Security      SecurityConfig      `yaml:"security"`
	Tamper        TamperConfig        `yaml:"tamper"`
	Notification  NotificationConfig `yaml:"notification"`
	Evidence      EvidenceConfig      `yaml:"evidence"`
	Outbox        OutboxConfig        `yaml:"outbox"`
	CloudLedger   CloudLedgerConfig   `yaml:"cloud_ledger"`
	CameraBus     CameraBusConfig     `yaml:"camera_bus"`
	Storage       StorageConfig       `yaml:"storage"`
	Observability ObservabilityConfig `yaml:"observability"`
	Operator      OperatorConfig      `yaml:"operator"`
	LocalAPI      LocalAPIConfig      `yaml:"local_api"`
}

// IngestConfig holds normalizer and ingest-mailbox parameters.
type IngestConfig struct {
	// MaxGoroutines is the number of ingest worker goroutines.
	// Default: 4.
	MaxGoroutines int `yaml:"max_goroutines"`

	// MailboxSize is the per-entry-point ingest mailbox depth.
	// If full, new signals are dropped and the drop counter is incremented.
	// Default: 1000.
	MailboxSize int `yaml:"mailbox_size"`

	// ClockSkewWarnThreshold is the clock skew beyond which a warning is
	// logged (never suppressed). Default: 5s.
	ClockSkewWarnThreshold time.Duration `yaml:"clock_skew_warn_threshold"`
}

// TrackConfig holds track aggregator parameters.
type TrackConfig struct {
	// TrackGap is the maximum gap between signals for them to join the
	// same track. Default: 15s.
	TrackGap time.Duration `yaml:"track_gap"`

	// TrackWindow is the maximum lifetime of a single track before it is
	// force-closed. Default: 10m.
	TrackWindow time.Duration `yaml:"track_window"`
}

// SecurityConfig holds the state machine's dwell and timing thresholds.
type SecurityConfig struct {
	// PreL1DwellThresholdSec is the Judge-Camera-only dwell required to
	// escalate PRE_L0 -> PRE_L1. Default: 10.
	PreL1DwellThresholdSec int `yaml:"pre_l1_dwell_threshold_sec"`

	// PreL2DwellThresholdSec is the fallback dwell required to escalate
	// PRE_L1 -> PRE_L2 when yard context is unavailable. Default: 90.
	PreL2DwellThresholdSec int `yaml:"pre_l2_dwell_threshold_sec"`

	// PreL2DwellAcceleratedSec is the accelerated dwell used when
	// yard_confirmed is true. Default: 30.
	PreL2DwellAcceleratedSec int `yaml:"pre_l2_dwell_accelerated_sec"`

	// EntryDelaySec is the duration of PENDING before TRIGGER on
	// entry_delay_expired. Default: 30.
	EntryDelaySec int `yaml:"entry_delay_sec"`

	// SirenMaxDurationSec caps any auto-armed siren. Default: 180.
	SirenMaxDurationSec int `yaml:"siren_max_duration_sec"`

	// NoPresenceClearSec stops the PRE deterrent sound once no presence
	// has been observed for this long. Default: 20.
	NoPresenceClearSec int `yaml:"no_presence_clear_sec"`

	// ConfirmWindowSec is how long a human-verify request waits for a
	// camera view before being marked "verification unavailable".
	// Default: 45.
	ConfirmWindowSec int `yaml:"confirm_window_sec"`

	// PreRollSec / PostRollSec size the evidence window committed on
	// PRE_L2 entry. Defaults: 10 / 20.
	PreRollSec  int `yaml:"pre_roll_sec"`
	PostRollSec int `yaml:"post_roll_sec"`
}

// TamperConfig holds Tamper-C corroboration parameters.
type TamperConfig struct {
	// DualOfflineIndependentSec is the minimum duration two independent
	// failure domains must both report offline before Tamper-C triggers
	// via the dual-offline path. Default: 90.
	DualOfflineIndependentSec int `yaml:"dual_offline_independent_sec"`

	// CorroborationWindowSec bounds the offline+obstruction,
	// offline+door-contact, and offline+glass-break paths. Default: 10.
	CorroborationWindowSec int `yaml:"corroboration_window_sec"`

	// ObservationTTL is how long a camera's reported signal remains valid
	// for corroboration purposes. Default: 120s.
	ObservationTTL time.Duration `yaml:"observation_ttl"`
}

// NotificationConfig holds the per-mode HIGH/NORMAL score thresholds and
// severity bias adjustments.
type NotificationConfig struct {
	SeverityBiasHigh float64 `yaml:"severity_bias_high"` // default +0.15
	SeverityBiasLow  float64 `yaml:"severity_bias_low"`  // default -0.10

	Disarmed ModeThresholds `yaml:"disarmed"`
	Home     ModeThresholds `yaml:"home"`
	Away     ModeThresholds `yaml:"away"`
	Night    ModeThresholds `yaml:"night"`

	// NightModeHighOnly, when true, silences NORMAL-level notifications on
	// the user's device in NIGHT mode. This is a user-side display
	// preference only: the event is still recorded at its floor level
	// regardless (see notify.Policy.ShouldSuppressForUser).
	NightModeHighOnly bool `yaml:"night_mode_high_only"`
}

// ModeThresholds is the HIGH/NORMAL score cutoff pair for one house mode.
type ModeThresholds struct {
	HighThreshold   float64 `yaml:"high_threshold"`
	NormalThreshold float64 `yaml:"normal_threshold"`
}

// EvidenceConfig holds evidence lifecycle TTLs and export limits.
type EvidenceConfig struct {
	// CandidateTTLHours is the TTL for a CANDIDATE evidence object.
	// Default: 24.
	CandidateTTLHours int `yaml:"candidate_ttl_hours"`

	// RetainedTTLDays is the TTL for a RETAINED evidence object.
	// Default: 30.
	RetainedTTLDays int `yaml:"retained_ttl_days"`

	// CorrelationWindowSec bounds how close a TRIGGER must be to an
	// active CANDIDATE window to promote it to RETAINED. Default: 30.
	CorrelationWindowSec int `yaml:"correlation_window_sec"`

	// ExportMaxClipSec caps the clip length included in an export.
	// Default: 60.
	ExportMaxClipSec int `yaml:"export_max_clip_sec"`

	// SweepInterval is how often the TTL sweep goroutine runs.
	// Default: 15m.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// OutboxConfig holds idempotent outbox parameters.
type OutboxConfig struct {
	// MaxAttempts before an entry is marked terminal. Default: 12.
	MaxAttempts int `yaml:"max_attempts"`

	// BaseBackoff is the initial retry backoff. Default: 2s.
	BaseBackoff time.Duration `yaml:"base_backoff"`

	// MaxBackoff caps exponential backoff growth. Default: 5m.
	MaxBackoff time.Duration `yaml:"max_backoff"`

	// RateLimit configures the send-rate token bucket.
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig mirrors the outbox drain rate limiter.
type RateLimitConfig struct {
	// Capacity is the maximum number of tokens. Default: 50.
	Capacity int `yaml:"capacity"`

	// RefillPeriod is the interval between full refills. Default: 60s.
	RefillPeriod time.Duration `yaml:"refill_period"`
}

// CloudLedgerConfig holds the cloud ledger client parameters.
type CloudLedgerConfig struct {
	// BaseURL is the cloud ledger's API base URL.
	BaseURL string `yaml:"base_url"`

	// RequestTimeout bounds each outbound HTTP call. Default: 10s.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// CameraBusConfig holds the mTLS camera-agent bus parameters.
type CameraBusConfig struct {
	// Enabled controls whether the camera bus server is active. Default: true.
	Enabled bool `yaml:"enabled"`

	// ListenAddr is the gRPC listen address. Default: 0.0.0.0:9444.
	ListenAddr string `yaml:"listen_addr"`

	TLSCertFile string `yaml:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file"`
	TLSCAFile   string `yaml:"tls_ca_file"`
}

// StorageConfig holds bbolt parameters.
type StorageConfig struct {
	// DBPath is the absolute path to the bbolt file.
	DBPath string `yaml:"db_path"`

	// EvidenceBlobDir is the absolute path to the local evidence blob store.
	EvidenceBlobDir string `yaml:"evidence_blob_dir"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus metrics HTTP bind address.
	// Default: 127.0.0.1:9091.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls the minimum log level (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`

	// LogFormat controls the log output format (json, console).
	LogFormat string `yaml:"log_format"`
}

// OperatorConfig holds local admin socket parameters.
type OperatorConfig struct {
	// SocketPath is the Unix domain socket path for local admin commands
	// (disarm, confirm_threat, mark_fault, ignore_tamper, silence_siren,
	// resolve). Permissions: 0600.
	SocketPath string `yaml:"socket_path"`

	// Enabled controls whether the operator socket is active. Default: true.
	Enabled bool `yaml:"enabled"`
}

// LocalAPIConfig holds the edge-local HTTPS API parameters.
type LocalAPIConfig struct {
	// ListenAddr is the HTTPS bind address for the paired-App API.
	// Default: 0.0.0.0:8443.
	ListenAddr string `yaml:"listen_addr"`

	// CertFile / KeyFile are the self-signed TLS identity used for
	// certificate pinning by the paired App. Both files must already
	// exist: the local API loads them and does not generate them.
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	hostname, _ := os.Hostname()
	return Config{
		SchemaVersion: "1",
		EdgeID:        hostname,
		Ingest: IngestConfig{
			MaxGoroutines:          4,
			MailboxSize:            1000,
			ClockSkewWarnThreshold: 5 * time.Second,
		},
		Track: TrackConfig{
			TrackGap:    15 * time.Second,
			TrackWindow: 10 * time.Minute,
		},
		Security: SecurityConfig{
			PreL1DwellThresholdSec:   10,
			PreL2DwellThresholdSec:   90,
			PreL2DwellAcceleratedSec: 30,
			EntryDelaySec:            30,
			SirenMaxDurationSec:      180,
			NoPresenceClearSec:       20,
			ConfirmWindowSec:         45,
			PreRollSec:               10,
			PostRollSec:              20,
		},
		Tamper: TamperConfig{
			DualOfflineIndependentSec: 90,
			CorroborationWindowSec:    10,
			ObservationTTL:            120 * time.Second,
		},
		Notification: NotificationConfig{
			SeverityBiasHigh: 0.15,
			SeverityBiasLow:  -0.10,
			Disarmed:         ModeThresholds{HighThreshold: 0.95, NormalThreshold: 0.85},
			Home:             ModeThresholds{HighThreshold: 0.85, NormalThreshold: 0.50},
			Away:             ModeThresholds{HighThreshold: 0.70, NormalThreshold: 0.30},
			Night:            ModeThresholds{HighThreshold: 0.75, NormalThreshold: 0.40},
		},
		Evidence: EvidenceConfig{
			CandidateTTLHours:    24,
			RetainedTTLDays:      30,
			CorrelationWindowSec: 30,
			ExportMaxClipSec:     60,
			SweepInterval:        15 * time.Minute,
		},
		Outbox: OutboxConfig{
			MaxAttempts: 12,
			BaseBackoff: 2 * time.Second,
			MaxBackoff:  5 * time.Minute,
			RateLimit: RateLimitConfig{
				Capacity:     50,
				RefillPeriod: 60 * time.Second,
			},
		},
		CloudLedger: CloudLedgerConfig{
			RequestTimeout: 10 * time.Second,
		},
		CameraBus: CameraBusConfig{
			Enabled:    true,
			ListenAddr: "0.0.0.0:9444",
		},
		Storage: StorageConfig{
			DBPath:          DefaultDBPath,
			EvidenceBlobDir: "/var/lib/neighborguard/evidence",
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
		Operator: OperatorConfig{
			Enabled:    true,
			SocketPath: "/run/neighborguard/operator.sock",
		},
		LocalAPI: LocalAPIConfig{
			ListenAddr: "0.0.0.0:8443",
			CertFile:   "/var/lib/neighborguard/localapi.crt",
			KeyFile:    "/var/lib/neighborguard/localapi.key",
		},
	}
}

// Load reads and validates a config file from the given path.
// Returns the merged config (defaults overridden by file values).
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks all config fields for correctness.
// Returns a descriptive error listing all violations found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.EdgeID == "" {
		errs = append(errs, "edge_id must not be empty")
	}
	if cfg.Ingest.MaxGoroutines < 1 || cfg.Ingest.MaxGoroutines > 64 {
		errs = append(errs, fmt.Sprintf("ingest.max_goroutines must be in [1, 64], got %d", cfg.Ingest.MaxGoroutines))
	}
	if cfg.Ingest.MailboxSize < 10 {
		errs = append(errs, fmt.Sprintf("ingest.mailbox_size must be >= 10, got %d", cfg.Ingest.MailboxSize))
	}
	if cfg.Track.TrackGap <= 0 {
		errs = append(errs, "track.track_gap must be > 0")
	}
	if cfg.Track.TrackWindow <= cfg.Track.TrackGap {
		errs = append(errs, "track.track_window must be greater than track.track_gap")
	}
	if cfg.Security.PreL2DwellAcceleratedSec >= cfg.Security.PreL2DwellThresholdSec {
		errs = append(errs, "security.pre_l2_dwell_accelerated_sec must be less than pre_l2_dwell_threshold_sec")
	}
	if cfg.Security.EntryDelaySec < 0 {
		errs = append(errs, "security.entry_delay_sec must be >= 0")
	}
	if cfg.Notification.Disarmed.HighThreshold <= cfg.Notification.Disarmed.NormalThreshold ||
		cfg.Notification.Home.HighThreshold <= cfg.Notification.Home.NormalThreshold ||
		cfg.Notification.Away.HighThreshold <= cfg.Notification.Away.NormalThreshold ||
		cfg.Notification.Night.HighThreshold <= cfg.Notification.Night.NormalThreshold {
		errs = append(errs, "every mode's high_threshold must be strictly greater than its normal_threshold")
	}
	if cfg.Evidence.CandidateTTLHours < 1 {
		errs = append(errs, "evidence.candidate_ttl_hours must be >= 1")
	}
	if cfg.Evidence.RetainedTTLDays < 1 {
		errs = append(errs, "evidence.retained_ttl_days must be >= 1")
	}
	if cfg.Outbox.MaxAttempts < 1 {
		errs = append(errs, "outbox.max_attempts must be >= 1")
	}
	if cfg.Outbox.RateLimit.Capacity < 1 {
		errs = append(errs, "outbox.rate_limit.capacity must be >= 1")
	}
	if cfg.Outbox.RateLimit.RefillPeriod < time.Second {
		errs = append(errs, "outbox.rate_limit.refill_period must be >= 1s")
	}
	if cfg.Storage.DBPath == "" {
		errs = append(errs, "storage.db_path must not be empty")
	}
	if cfg.CameraBus.Enabled {
		if cfg.CameraBus.TLSCertFile == "" || cfg.CameraBus.TLSKeyFile == "" || cfg.CameraBus.TLSCAFile == "" {
			errs = append(errs, "camera_bus.tls_cert_file, tls_key_file, and tls_ca_file are required when camera_bus is enabled")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", joinStrings(errs, "\n  - "))
	}
	return nil
}

// joinStrings joins a slice of strings with a separator.
func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}

