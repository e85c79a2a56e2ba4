package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var _ Logger = (*FileLogger)(nil)

// FileLogger appends events to a JSONL file so that they survive the
// process. Queries read back at most capacity of the newest events.
type FileLogger struct {
	mu        sync.RWMutex
	sessionID string
	file      *os.File
	capacity  int
	fileOpts  FileOptions
}

type FileOptions struct {
	FilePath string `json:"file_path"`
}

// NewFileLogger creates a new file-based audit logger
func NewFileLogger(config *Config) (*FileLogger, error) {
	var fileOpts FileOptions
	if err := parseOptions(config.Options, &fileOpts); err != nil {
		return nil, fmt.Errorf("invalid file logger options: %w", err)
	}

	if fileOpts.FilePath == "" {
		return nil, fmt.Errorf("file_path is required for file logger")
	}

	if err := os.MkdirAll(filepath.Dir(fileOpts.FilePath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}

	file, err := os.OpenFile(fileOpts.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}

	capacity := config.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	return &FileLogger{
		sessionID: config.SessionID,
		file:      file,
		fileOpts:  fileOpts,
		capacity:  capacity,
	}, nil
}

// SetSessionID tags subsequent events with a new session
func (fl *FileLogger) SetSessionID(id string) {
	fl.mu.Lock()
	fl.sessionID = id
	fl.mu.Unlock()
}

// Log implements the Logger interface
func (fl *FileLogger) Log(action, subjectType string, success bool, details map[string]interface{}) error {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return fl.writeEvent(newEvent(fl.sessionID, action, subjectType, success, details))
}

// writeEvent appends an event to the log file in JSONL format
func (fl *FileLogger) writeEvent(event Event) error {
	if err := fl.ensureFileOpen(); err != nil {
		return err
	}

	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to serialize audit event: %w", err)
	}

	if _, err = fl.file.WriteString(string(eventJSON) + "\n"); err != nil {
		return fmt.Errorf("failed to write audit event: %w", err)
	}

	if err = fl.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync audit log: %w", err)
	}
	return nil
}

// Query implements the Logger interface. Events from earlier processes are
// read back from the file, newest capacity events only.
func (fl *FileLogger) Query(options QueryOptions) (QueryResult, error) {
	fl.mu.RLock()
	defer fl.mu.RUnlock()

	events, err := fl.readEvents()
	if err != nil {
		return QueryResult{}, err
	}
	return filterEvents(events, options), nil
}

// readEvents reads the JSONL file, skipping lines that do not parse
func (fl *FileLogger) readEvents() ([]Event, error) {
	file, err := os.Open(fl.fileOpts.FilePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}
	defer file.Close()

	var events []Event
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var event Event
		if err = json.Unmarshal([]byte(line), &event); err != nil {
			continue
		}
		events = append(events, event)
	}
	if err = scanner.Err(); err != nil {
		return events, fmt.Errorf("error reading audit log file: %w", err)
	}

	if len(events) > fl.capacity {
		events = events[len(events)-fl.capacity:]
	}
	return events, nil
}

// Clear truncates the log file
func (fl *FileLogger) Clear() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.file != nil {
		if err := fl.file.Truncate(0); err != nil {
			return fmt.Errorf("failed to truncate audit log: %w", err)
		}
		return nil
	}
	if err := os.Truncate(fl.fileOpts.FilePath, 0); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to truncate audit log: %w", err)
	}
	return nil
}

// Close implements the Logger interface
func (fl *FileLogger) Close() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	if fl.file != nil {
		err := fl.file.Close()
		fl.file = nil
		return err
	}
	return nil
}

func (fl *FileLogger) ensureFileOpen() error {
	if fl.file == nil {
		var err error
		fl.file, err = os.OpenFile(fl.fileOpts.FilePath,
			os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return fmt.Errorf("failed to reopen audit log: %w", err)
		}
	}
	return nil
}
