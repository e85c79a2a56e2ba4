package finguard

import (
	"time"
)

// SessionState is the lifecycle state of the current session
type SessionState string

const (
	SessionActive    SessionState = "active"
	SessionExpired   SessionState = "expired"
	SessionCleanedUp SessionState = "cleaned_up"
)

// DataSecurityStatus is recomputed on every audit
type DataSecurityStatus struct {
	Secure            bool         `json:"secure" yaml:"secure"`
	CheckedAt         time.Time    `json:"checked_at" yaml:"checked_at"`
	LastBackup        *time.Time   `json:"last_backup,omitempty" yaml:"last_backup,omitempty"`
	SessionActive     bool         `json:"session_active" yaml:"session_active"`
	SessionID         string       `json:"session_id" yaml:"session_id"`
	SessionState      SessionState `json:"session_state" yaml:"session_state"`
	EncryptionEnabled bool         `json:"encryption_enabled" yaml:"encryption_enabled"`
	MemoryProtection  string       `json:"memory_protection" yaml:"memory_protection"`
	Vulnerabilities   []string     `json:"vulnerabilities" yaml:"vulnerabilities"`
	Recommendations   []string     `json:"recommendations" yaml:"recommendations"`
}

func (s DataSecurityStatus) clone() DataSecurityStatus {
	c := s
	c.Vulnerabilities = append([]string{}, s.Vulnerabilities...)
	c.Recommendations = append([]string{}, s.Recommendations...)
	if s.LastBackup != nil {
		t := *s.LastBackup
		c.LastBackup = &t
	}
	return c
}

// BackupResult describes an exported bundle
type BackupResult struct {
	Filename  string    `json:"filename" yaml:"filename"`
	Path      string    `json:"path" yaml:"path"`
	Checksum  string    `json:"checksum" yaml:"checksum"`
	DataType  string    `json:"data_type" yaml:"data_type"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	Pruned    []string  `json:"pruned,omitempty" yaml:"pruned,omitempty"`
}

// ImportResult carries the verified, re-sanitized payload of a bundle
type ImportResult struct {
	Data      any       `json:"data" yaml:"data"`
	DataType  string    `json:"data_type" yaml:"data_type"`
	Encrypted bool      `json:"encrypted" yaml:"encrypted"`
	Checksum  string    `json:"checksum" yaml:"checksum"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

// ImportOutcome is delivered once on the channel returned by ImportBackupAsync
type ImportOutcome struct {
	Result *ImportResult
	Err    error
}

// BackupInfo describes an exported bundle found in the backup directory
type BackupInfo struct {
	Filename  string    `json:"filename" yaml:"filename"`
	Path      string    `json:"path" yaml:"path"`
	Size      int64     `json:"size" yaml:"size"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	DataType  string    `json:"data_type" yaml:"data_type"`
	Checksum  string    `json:"checksum" yaml:"checksum"`
	IsValid   bool      `json:"is_valid" yaml:"is_valid"`
}
