package backoff

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Error message constants
const (
	// TemporaryBackoffError indicates a temporary failure with backoff in progress
	TemporaryBackoffError = "operation suspended due to temporary error"

	// PermanentFailureError indicates that max retries were reached
	PermanentFailureError = "operation permanently failed after max retries"
)

// BackoffManager handles error backoff with exponential retries and permanent failure detection
type BackoffManager struct {
	mu sync.RWMutex

	// The last error that occurred
	lastError error

	// The backoff policy
	backoff backoff.BackOff

	// The time when operations can be resumed
	suspendedUntilTime time.Time

	// Flag indicating permanent failure state (max retries exceeded)
	permanentFailure bool

	// Component name for logging
	componentName string

	logger *zap.SugaredLogger
}

// Config holds configuration for creating a new BackoffManager
type Config struct {
	// Initial backoff interval
	InitialInterval time.Duration

	// Maximum backoff interval
	MaxInterval time.Duration

	// Maximum number of retries before permanent failure. Zero means the first
	// error is already permanent.
	MaxRetries uint64

	// Component name for logging
	ComponentName string

	Logger *zap.SugaredLogger
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig(componentName string, logger *zap.SugaredLogger) Config {
	return Config{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     1 * time.Minute,
		MaxRetries:      5,
		ComponentName:   componentName,
		Logger:          logger,
	}
}

// NewBackoffManager creates a new BackoffManager with the given config
func NewBackoffManager(config Config) *BackoffManager {
	baseBackoff := backoff.NewExponentialBackOff()
	baseBackoff.InitialInterval = config.InitialInterval
	baseBackoff.MaxInterval = config.MaxInterval
	// The retry budget is bounded by MaxRetries, not by wall clock time
	baseBackoff.MaxElapsedTime = 0

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	return &BackoffManager{
		backoff:       backoff.WithMaxRetries(baseBackoff, config.MaxRetries),
		componentName: config.ComponentName,
		logger:        logger,
	}
}

// SetError records an error and updates the backoff state
// Returns true if the backoff has reached permanent failure state
func (m *BackoffManager) SetError(err error) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastError = err

	if m.permanentFailure {
		return true
	}

	next := m.backoff.NextBackOff()
	if next == backoff.Stop {
		m.logger.Errorf("%s has exceeded maximum retries, marking as permanently failed", m.componentName)
		m.permanentFailure = true
		m.suspendedUntilTime = time.Time{}
		return true
	}

	m.suspendedUntilTime = time.Now().Add(next)
	m.logger.Warnf("Suspending %s operations for %s because of error: %s",
		m.componentName, next, err)

	return false
}

// Reset clears all error and backoff state
func (m *BackoffManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastError = nil
	m.backoff.Reset()
	m.suspendedUntilTime = time.Time{}
	m.permanentFailure = false
}

// ShouldSkipOperation returns true if operations should be skipped due to backoff
func (m *BackoffManager) ShouldSkipOperation() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.permanentFailure {
		return true
	}

	if m.lastError == nil || m.suspendedUntilTime.IsZero() {
		return false
	}

	return time.Now().Before(m.suspendedUntilTime)
}

// Wait blocks until the current suspension has elapsed or ctx is done.
func (m *BackoffManager) Wait(ctx context.Context) error {
	m.mu.RLock()
	until := m.suspendedUntilTime
	permanent := m.permanentFailure
	m.mu.RUnlock()

	if permanent {
		return m.GetBackoffError()
	}

	remaining := time.Until(until)
	if until.IsZero() || remaining <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// IsPermanentlyFailed returns true if the max retry count has been exceeded
func (m *BackoffManager) IsPermanentlyFailed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.permanentFailure
}

// GetLastError returns the last error recorded
func (m *BackoffManager) GetLastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastError
}

// GetBackoffError returns an appropriate error message based on the current state:
// - For permanent failures, it returns a permanent failure error
// - For temporary backoffs, it returns a temporary backoff error with retry time
// - If no backoff is in progress, it returns nil
func (m *BackoffManager) GetBackoffError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.permanentFailure {
		return fmt.Errorf("%s: %w", PermanentFailureError, m.lastError)
	}

	if m.lastError != nil && !m.suspendedUntilTime.IsZero() && time.Now().Before(m.suspendedUntilTime) {
		retryAfter := time.Until(m.suspendedUntilTime)
		return fmt.Errorf("%s (retry after %v): %w", TemporaryBackoffError, retryAfter, m.lastError)
	}

	return nil
}
