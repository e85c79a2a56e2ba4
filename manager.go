package finguard

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"southwinds.dev/finguard/audit"
	"southwinds.dev/finguard/internal/crypto"
	"southwinds.dev/finguard/internal/mem"
	"southwinds.dev/finguard/internal/misc"
	"southwinds.dev/finguard/persist"
)

// Manager is the client-resident protection layer: an encrypted key/value
// facade over a physical store, a backup/restore pipeline, a security auditor
// and the session lifecycle that drives them.
//
// Every public method and every timer callback serializes on one mutex, so
// operations never interleave. Key derivation makes Set and Get slow (tens of
// milliseconds); callers on latency-sensitive paths should run them off that path.
type Manager struct {
	mu sync.Mutex

	opts    Options
	store   persist.Store
	session persist.Store
	audit   audit.Logger
	log     logrus.FieldLogger
	now     func() time.Time

	engine     *crypto.Engine
	secret     *crypto.Secret
	protection mem.ProtectionLevel
	backups    *persist.BackupDir

	sessionID    string
	sessionStart time.Time
	state        SessionState
	generation   uint64

	timeoutTimer *time.Timer
	auditStop    chan struct{}
	wg           sync.WaitGroup

	lastStatus *DataSecurityStatus
	closed     bool
}

// replaced in tests
var (
	lockMemory   = mem.Lock
	unlockMemory = mem.Unlock
)

var (
	defaultMu      sync.RWMutex
	defaultManager *Manager
)

// Default returns the instance registered with SetDefault, or nil
func Default() *Manager {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultManager
}

// SetDefault registers the entry point's instance
func SetDefault(m *Manager) {
	defaultMu.Lock()
	defaultManager = m
	defaultMu.Unlock()
}

// New creates a Manager over the given persistent store.
//
// The function performs the following steps:
//  1. Validates the options
//  2. Tests storage connectivity
//  3. Attempts memory locking when requested (best-effort)
//  4. Derives the master secret from the passphrase, creating the KDF metadata on first use
//  5. Starts a new session with its audit ticker and timeout timer
//
// Parameters:
//   - opts: configuration, normally DefaultOptions with a passphrase
//   - store: persistent physical store for protected, temporary and meta entries
//   - session: fully-transient store cleared on cleanup (nil creates a MemoryStore)
//   - logger: audit logger (nil creates a bounded in-memory logger)
//
// Error Conditions:
//   - ErrValidation for invalid options or a missing store
//   - ErrStorageUnavailable when the store cannot be reached
//   - ErrDecryption when the passphrase does not match the stored verifier
//
// Example:
//
//	store, _ := persist.NewStore(persist.StoreConfig{Type: persist.StoreTypeBolt,
//	    Config: map[string]interface{}{"base_path": dir}})
//	opts := finguard.DefaultOptions()
//	opts.Passphrase = passphrase
//	m, err := finguard.New(opts, store, nil, nil)
//	if err != nil {
//	    return err
//	}
//	defer m.Close()
func New(opts Options, store persist.Store, session persist.Store, logger audit.Logger) (*Manager, error) {
	if err := opts.Validate(); err != nil {
		return nil, newError(ErrValidation, "open", "", fmt.Errorf("invalid options: %w", err))
	}
	opts = opts.withDefaults()

	if store == nil {
		return nil, newError(ErrValidation, "open", "", errors.New("store is required"))
	}
	if err := store.Ping(); err != nil {
		return nil, newError(ErrStorageUnavailable, "open", "", fmt.Errorf("failed to connect to storage backend: %w", err))
	}
	if session == nil {
		session = persist.NewMemoryStore()
	}

	sessionID := uuid.NewString()
	if !opts.AuditLogging {
		logger = audit.NewNoOpLogger()
	} else if logger == nil {
		logger = audit.NewMemoryLogger(sessionID, opts.AuditCapacity)
	}

	engine, err := crypto.NewEngine(crypto.Algorithm(opts.Cipher), opts.KDFIterations)
	if err != nil {
		return nil, newError(ErrValidation, "open", "", err)
	}

	m := &Manager{
		opts:       opts,
		store:      store,
		session:    session,
		audit:      logger,
		now:        opts.Clock,
		engine:     engine,
		protection: mem.ProtectionNone,
		log: opts.Logger.WithFields(logrus.Fields{
			"component": "finguard",
		}),
	}

	if opts.EnableMemoryLock {
		level, err := lockMemory()
		if err != nil {
			m.log.WithError(err).Warn("cannot fully protect memory, memguard enclaves still protect the master secret")
		}
		m.protection = level
	}

	passphrase, err := readPassphrase(opts)
	if err != nil {
		m.releaseMemory()
		return nil, newError(ErrValidation, "open", "", err)
	}
	if err = m.setupSecret(passphrase); err != nil {
		m.releaseMemory()
		m.logAudit("open", audit.SubjectSession, err, nil)
		m.log.WithError(err).Error("failed to open secure storage")
		return nil, err
	}

	m.mu.Lock()
	m.startSessionLocked(sessionID)
	m.mu.Unlock()

	m.logAudit("open", audit.SubjectSession, nil, map[string]interface{}{
		"store_type":        store.GetType(),
		"session_store":     session.GetType(),
		"cipher":            string(opts.Cipher),
		"memory_protection": m.protection.String(),
	})
	m.log.WithFields(logrus.Fields{
		"session_id": sessionID,
		"store_type": store.GetType(),
	}).Info("secure storage opened")

	return m, nil
}

// SessionID returns the current session identifier
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// State returns the session state after checking for expiry
func (m *Manager) State() SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkExpiryLocked()
	return m.state
}

// OnSuspend must be invoked by the host when the application is hidden or
// suspended. It runs cleanup and stops the session timers.
func (m *Manager) OnSuspend() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return newError(ErrClosed, "suspend", "", nil)
	}

	m.stopTimersLocked()
	err := m.cleanupLocked("suspend")
	m.state = SessionCleanedUp
	return err
}

// OnResume must be invoked by the host when the application becomes active
// again. A new session is started unless the current one is still active.
func (m *Manager) OnResume() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return newError(ErrClosed, "resume", "", nil)
	}

	m.checkExpiryLocked()
	if m.state == SessionActive {
		return nil
	}
	m.startSessionLocked(uuid.NewString())
	m.logAudit("resume", audit.SubjectSession, nil, nil)
	return nil
}

// Close ends the session. Cleanup runs when AutoCleanupOnExit is set; the
// master secret is destroyed and the audit logger and stores are closed.
// Close is idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}

	var errs []error
	m.stopTimersLocked()

	if m.opts.AutoCleanupOnExit {
		if err := m.cleanupLocked("close"); err != nil {
			errs = append(errs, err)
		}
		m.state = SessionCleanedUp
	}

	m.logAudit("close", audit.SubjectSession, errors.Join(errs...), map[string]interface{}{
		"errors": len(errs),
	})

	m.closed = true
	m.secret.Destroy()
	m.lastStatus = nil
	m.mu.Unlock()

	// timer goroutines may be waiting on the mutex; they observe closed and exit
	m.wg.Wait()

	if err := m.audit.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close audit logger: %w", err))
	}
	if err := m.session.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close session store: %w", err))
	}
	if err := m.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close store: %w", err))
	}

	m.releaseMemory()

	m.log.WithField("session_id", m.sessionID).Info("secure storage closed")
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %w", errors.Join(errs...))
	}
	return nil
}

// releaseMemory undoes a successful memory lock
func (m *Manager) releaseMemory() {
	if !m.opts.EnableMemoryLock || m.protection == mem.ProtectionNone {
		return
	}
	if err := unlockMemory(); err != nil {
		m.log.WithError(err).Warn("failed to unlock memory")
	}
}

func (m *Manager) startSessionLocked(sessionID string) {
	m.generation++
	m.sessionID = sessionID
	m.sessionStart = m.now()
	m.state = SessionActive
	m.lastStatus = nil

	if aware, ok := m.audit.(interface{ SetSessionID(string) }); ok {
		aware.SetSessionID(sessionID)
	}

	gen := m.generation
	m.timeoutTimer = time.AfterFunc(m.opts.SessionTimeout, func() {
		m.onSessionTimeout(gen)
	})

	m.auditStop = make(chan struct{})
	m.wg.Add(1)
	go m.runAuditLoop(gen, m.opts.AuditInterval, m.auditStop)
}

// stopTimersLocked stops the timeout timer and signals the audit loop; it
// does not wait, since the loop may be blocked on the mutex held by the caller
func (m *Manager) stopTimersLocked() {
	if m.timeoutTimer != nil {
		m.timeoutTimer.Stop()
		m.timeoutTimer = nil
	}
	if m.auditStop != nil {
		close(m.auditStop)
		m.auditStop = nil
	}
}

func (m *Manager) runAuditLoop(gen uint64, interval time.Duration, stop <-chan struct{}) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.mu.Lock()
			if m.closed || m.generation != gen {
				m.mu.Unlock()
				return
			}
			m.checkExpiryLocked()
			if m.state == SessionActive {
				m.auditLocked()
			}
			m.mu.Unlock()
		}
	}
}

func (m *Manager) onSessionTimeout(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.generation != gen || m.state == SessionCleanedUp {
		return
	}
	m.expireLocked()
}

// checkExpiryLocked moves an active session past its timeout to Expired and
// runs cleanup
func (m *Manager) checkExpiryLocked() {
	if m.state != SessionActive {
		return
	}
	if m.now().Sub(m.sessionStart) >= m.opts.SessionTimeout {
		m.expireLocked()
	}
}

func (m *Manager) expireLocked() {
	m.state = SessionExpired
	m.stopTimersLocked()
	m.logAudit("session_expired", audit.SubjectSession, nil, map[string]interface{}{
		"timeout": m.opts.SessionTimeout.String(),
	})
	if err := m.cleanupLocked("timeout"); err != nil {
		m.log.WithError(err).Warn("cleanup after session timeout failed")
	}
	m.state = SessionCleanedUp
}

// cleanupLocked deletes temporary entries, clears the session store and the
// audit log. Protected records and meta entries are never touched.
func (m *Manager) cleanupLocked(reason string) error {
	var errs []error

	keys, err := m.store.Keys()
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to list keys: %w", err))
	}
	removed := 0
	for _, key := range keys {
		if !strings.HasPrefix(key, misc.TempPrefix) {
			continue
		}
		if err = m.store.Delete(key); err != nil {
			errs = append(errs, fmt.Errorf("failed to delete temporary entry: %w", err))
			continue
		}
		removed++
	}

	if err = clearStore(m.session); err != nil {
		errs = append(errs, fmt.Errorf("failed to clear session store: %w", err))
	}

	if err = m.audit.Clear(); err != nil {
		errs = append(errs, fmt.Errorf("failed to clear audit log: %w", err))
	}

	m.log.WithFields(logrus.Fields{
		"session_id": m.sessionID,
		"op":         "cleanup",
		"reason":     reason,
		"removed":    removed,
	}).Info("session cleanup")

	if len(errs) > 0 {
		return newError(ErrStorageUnavailable, "cleanup", "", errors.Join(errs...))
	}
	return nil
}

func clearStore(store persist.Store) error {
	if clearer, ok := store.(persist.Clearer); ok {
		return clearer.Clear()
	}
	keys, err := store.Keys()
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err = store.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

// beginLocked guards facade entry points
func (m *Manager) beginLocked(op, key string) error {
	if m.closed {
		return newError(ErrClosed, op, key, nil)
	}
	m.checkExpiryLocked()
	return nil
}

// logAudit records a security event. Details must never contain values or key material.
func (m *Manager) logAudit(action, subjectType string, err error, details map[string]interface{}) {
	if details == nil {
		details = make(map[string]interface{})
	}

	success := err == nil
	if err != nil {
		details["error"] = UserMessage(err)
	}

	if auditErr := m.audit.Log(action, subjectType, success, details); auditErr != nil {
		m.log.WithError(auditErr).WithField("op", action).Error("audit logging failed")
	}
}

func (m *Manager) opLog(op, key string) *logrus.Entry {
	fields := logrus.Fields{
		"session_id": m.sessionID,
		"op":         op,
	}
	if key != "" {
		fields["key"] = key
	}
	return m.log.WithFields(fields)
}
