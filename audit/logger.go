package audit

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// DefaultCapacity is the number of events kept before the oldest are trimmed
const DefaultCapacity = 1000

// Config defines audit logging configuration
type Config struct {
	Enabled   bool                   `json:"enabled"`
	SessionID string                 `json:"session_id,omitempty"`
	Type      ConfigType             `json:"type"`    // "memory", "file" or ""
	Options   map[string]interface{} `json:"options"` // Provider-specific options
	Capacity  int                    `json:"capacity,omitempty"`
}

type ConfigType string

const (
	MemoryAuditType ConfigType = "memory"
	FileAuditType   ConfigType = "file"
	NoOp            ConfigType = ""
)

// Subject types recorded on events
const (
	SubjectRecord  = "record"
	SubjectBackup  = "backup"
	SubjectSession = "session"
	SubjectStore   = "store"
	SubjectAudit   = "audit"
)

// Logger interface for pluggable audit implementations.
// Implementations never record plaintext values or key material.
type Logger interface {
	Log(action, subjectType string, success bool, details map[string]interface{}) error
	Query(options QueryOptions) (QueryResult, error)
	Clear() error
	Close() error
}

// Event represents an audit log event
type Event struct {
	ID          string                 `json:"id"`
	Timestamp   time.Time              `json:"timestamp"`
	SessionID   string                 `json:"session_id,omitempty"`
	Action      string                 `json:"action"`
	SubjectType string                 `json:"subject_type"`
	Success     bool                   `json:"success"`
	Details     map[string]interface{} `json:"details,omitempty"`
}

// QueryOptions for filtering audit logs
type QueryOptions struct {
	Since       *time.Time
	Until       *time.Time
	Action      string
	SubjectType string
	Success     *bool // nil = all, true = only success, false = only failures
	Limit       int
	Offset      int
}

// QueryResult contains the results of an audit query
type QueryResult struct {
	Events     []Event `json:"events"`
	TotalCount int     `json:"total_count"`
	Filtered   int     `json:"filtered"`
	HasMore    bool    `json:"has_more"`
}

// NewLogger creates an appropriate logger based on configuration
func NewLogger(config *Config) (Logger, error) {
	if config == nil || !config.Enabled {
		return &NoOpLogger{}, nil
	}

	switch config.Type {
	case MemoryAuditType:
		return NewMemoryLogger(config.SessionID, config.Capacity), nil
	case FileAuditType:
		return NewFileLogger(config)
	case NoOp:
		return &NoOpLogger{}, nil
	default:
		return nil, fmt.Errorf("unknown audit provider: %s", config.Type)
	}
}

func newEvent(sessionID, action, subjectType string, success bool, details map[string]interface{}) Event {
	return Event{
		ID:          uuid.NewString(),
		Timestamp:   time.Now().UTC(),
		SessionID:   sessionID,
		Action:      action,
		SubjectType: subjectType,
		Success:     success,
		Details:     details,
	}
}

// matchesFilter checks if an event matches the query filters
func matchesFilter(event Event, options QueryOptions) bool {
	if options.Since != nil && event.Timestamp.Before(*options.Since) {
		return false
	}
	if options.Until != nil && event.Timestamp.After(*options.Until) {
		return false
	}
	if options.Action != "" && event.Action != options.Action {
		return false
	}
	if options.SubjectType != "" && event.SubjectType != options.SubjectType {
		return false
	}
	if options.Success != nil && event.Success != *options.Success {
		return false
	}
	return true
}

// filterEvents applies filters, sorts newest first and pages the result
func filterEvents(events []Event, options QueryOptions) QueryResult {
	var filtered []Event
	for _, event := range events {
		if matchesFilter(event, options) {
			filtered = append(filtered, event)
		}
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].Timestamp.After(filtered[j].Timestamp)
	})

	start := options.Offset
	if start > len(filtered) {
		start = len(filtered)
	}
	end := len(filtered)
	if options.Limit > 0 && start+options.Limit < end {
		end = start + options.Limit
	}

	return QueryResult{
		Events:     filtered[start:end],
		TotalCount: len(events),
		Filtered:   len(filtered),
		HasMore:    end < len(filtered),
	}
}

// parseOptions converts map[string]interface{} to specific options struct
func parseOptions(options map[string]interface{}, target interface{}) error {
	if len(options) == 0 {
		return nil
	}

	// Convert to JSON and back to parse into struct
	jsonData, err := json.Marshal(options)
	if err != nil {
		return fmt.Errorf("failed to marshal options: %w", err)
	}

	if err = json.Unmarshal(jsonData, target); err != nil {
		return fmt.Errorf("failed to unmarshal options: %w", err)
	}

	return nil
}
