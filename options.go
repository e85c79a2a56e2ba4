package finguard

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"southwinds.dev/finguard/internal/crypto"
	"southwinds.dev/finguard/internal/misc"
)

// Cipher selects the AEAD used for new records
type Cipher string

const (
	CipherAES256GCM        Cipher = Cipher(crypto.AES256GCM)
	CipherChaCha20Poly1305 Cipher = Cipher(crypto.ChaCha20Poly1305)
)

const (
	DefaultSessionTimeout  = 30 * time.Minute
	DefaultAuditInterval   = 5 * time.Minute
	DefaultBackupRetention = 30 * 24 * time.Hour

	minPassphraseLength = 12
)

// DataSecurityConfig is the process-wide security configuration.
// It is copied into the Manager by New and cannot change afterwards.
type DataSecurityConfig struct {
	// EncryptionEnabled must be true for Set to write protected records.
	// When false every Set fails and the auditor reports a vulnerability.
	EncryptionEnabled bool `json:"encryption_enabled" yaml:"encryption_enabled"`

	// AutoCleanupOnExit runs the cleanup routine when the Manager is closed.
	AutoCleanupOnExit bool `json:"auto_cleanup_on_exit" yaml:"auto_cleanup_on_exit"`

	// SessionTimeout is the session lifetime; zero selects DefaultSessionTimeout.
	SessionTimeout time.Duration `json:"session_timeout" yaml:"session_timeout"`

	// BackupRetention is how long exported bundles are kept; zero keeps them forever.
	BackupRetention time.Duration `json:"backup_retention" yaml:"backup_retention"`

	// AuditLogging enables the security audit log.
	AuditLogging bool `json:"audit_logging" yaml:"audit_logging"`
}

// OutgoingRequest is one network request observed by the host application
type OutgoingRequest struct {
	Method string    `json:"method"`
	URL    string    `json:"url"`
	Body   string    `json:"body,omitempty"`
	Time   time.Time `json:"time"`
}

// ActivityMonitor exposes the host's view of recent outgoing requests so the
// auditor can check them for references to financial data
type ActivityMonitor interface {
	RecentRequests(since time.Time) ([]OutgoingRequest, error)
}

// Options represents configuration parameters for Manager initialization and operation.
//
// Secret material (Passphrase) is tagged json:"-" and is never serialized or logged.
// Start from DefaultOptions and override what is needed:
//
//	opts := finguard.DefaultOptions()
//	opts.Passphrase = "correct horse battery staple"
//	opts.BackupDir = "/home/me/finguard-backups"
type Options struct {
	// Passphrase is stretched with argon2id into the master secret.
	Passphrase string `json:"-" yaml:"-"`

	// EnvPassphraseVar names an environment variable holding the passphrase.
	// The variable is unset once read.
	EnvPassphraseVar string `json:"env_passphrase_var,omitempty" yaml:"env_passphrase_var,omitempty"`

	// EnableMemoryLock attempts to lock process memory to avoid swapping (best-effort).
	EnableMemoryLock bool `json:"enable_memory_lock" yaml:"enable_memory_lock"`

	// KDFIterations for the per-record PBKDF2 key; zero selects 100,000.
	KDFIterations int `json:"kdf_iterations,omitempty" yaml:"kdf_iterations,omitempty"`

	// Cipher for new records; empty selects AES-256-GCM.
	Cipher Cipher `json:"cipher,omitempty" yaml:"cipher,omitempty"`

	// AuditInterval between periodic audits; zero selects DefaultAuditInterval.
	AuditInterval time.Duration `json:"audit_interval" yaml:"audit_interval"`

	// AuditCapacity bounds the in-memory audit log; zero selects audit.DefaultCapacity.
	AuditCapacity int `json:"audit_capacity,omitempty" yaml:"audit_capacity,omitempty"`

	// BackupDir is the local directory backup bundles are exported to.
	BackupDir string `json:"backup_dir,omitempty" yaml:"backup_dir,omitempty"`

	DataSecurityConfig `json:"security" yaml:"security"`

	// Logger receives operational logs; nil selects the logrus standard logger.
	Logger logrus.FieldLogger `json:"-" yaml:"-"`

	// ActivityMonitor is optional; without it the network activity check is skipped.
	ActivityMonitor ActivityMonitor `json:"-" yaml:"-"`

	// Clock overrides time.Now for session bookkeeping.
	Clock func() time.Time `json:"-" yaml:"-"`
}

// DefaultDataSecurityConfig returns encryption, cleanup and audit logging enabled
// with the default timeout and retention
func DefaultDataSecurityConfig() DataSecurityConfig {
	return DataSecurityConfig{
		EncryptionEnabled: true,
		AutoCleanupOnExit: true,
		SessionTimeout:    DefaultSessionTimeout,
		BackupRetention:   DefaultBackupRetention,
		AuditLogging:      true,
	}
}

// DefaultOptions returns Options with DefaultDataSecurityConfig and default intervals
func DefaultOptions() Options {
	return Options{
		AuditInterval:      DefaultAuditInterval,
		DataSecurityConfig: DefaultDataSecurityConfig(),
	}
}

// Validate validates the Options configuration
func (o Options) Validate() error {
	// at least one passphrase source
	if o.Passphrase == "" && o.EnvPassphraseVar == "" {
		return fmt.Errorf("either Passphrase or EnvPassphraseVar must be provided")
	}

	if o.KDFIterations != 0 && o.KDFIterations < misc.PBKDF2Iterations {
		return fmt.Errorf("KDFIterations must be at least %d", misc.PBKDF2Iterations)
	}

	switch o.Cipher {
	case "", CipherAES256GCM, CipherChaCha20Poly1305:
	default:
		return fmt.Errorf("unsupported cipher: %s", o.Cipher)
	}

	if o.SessionTimeout < 0 {
		return fmt.Errorf("SessionTimeout cannot be negative")
	}
	if o.AuditInterval < 0 {
		return fmt.Errorf("AuditInterval cannot be negative")
	}
	if o.BackupRetention < 0 {
		return fmt.Errorf("BackupRetention cannot be negative")
	}
	if o.AuditCapacity < 0 {
		return fmt.Errorf("AuditCapacity cannot be negative")
	}

	return nil
}

func (o Options) withDefaults() Options {
	if o.SessionTimeout == 0 {
		o.SessionTimeout = DefaultSessionTimeout
	}
	if o.AuditInterval == 0 {
		o.AuditInterval = DefaultAuditInterval
	}
	if o.Cipher == "" {
		o.Cipher = CipherAES256GCM
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}
