package errors

import (
	errs "errors"
	"fmt"
	"runtime"
	"strings"
)

type ErrorLevel string

func (e ErrorLevel) String() string {
	return string(e)
}

const (
	// ERR_INFRASTRUCTURE covers lock backends, storage writes and the registry cache.
	// Errors at this level never reach the caller of a tracked job.
	ERR_INFRASTRUCTURE ErrorLevel = "infrastructure"
	ERR_TRACKING       ErrorLevel = "tracking"
	ERR_DOMAIN         ErrorLevel = "domain"
	ERR_VALIDATION     ErrorLevel = "validation"
	ERR_UNKNOWN        ErrorLevel = "unknown"
)

// Codes attached to ExtendError values produced by the tracking modules.
const (
	CodeLockUnavailable = "LOCK_UNAVAILABLE"
	CodeLockRelease     = "LOCK_RELEASE"
	CodeStorageRead     = "STORAGE_READ"
	CodeStorageWrite    = "STORAGE_WRITE"
	CodeRegistryCreate  = "REGISTRY_CREATE"
	CodeStuckSweep      = "STUCK_SWEEP"
	CodeRetentionPrune  = "RETENTION_PRUNE"
	CodeInvalidConfig   = "INVALID_CONFIG"
	CodeNotFound        = "NOT_FOUND"
)

var (
	ErrDuplicateEntry   = errs.New("jobtrack: registry entry already exists")
	ErrEntryNotFound    = errs.New("jobtrack: registry entry not found")
	ErrLockNotAcquired  = errs.New("jobtrack: lock not acquired")
	ErrAlreadyTerminal  = errs.New("jobtrack: execution already terminal")
	ErrInvalidStatus    = errs.New("jobtrack: invalid execution status transition")
	ErrUnknownMode      = errs.New("jobtrack: unknown tracking mode")
	ErrStrategyNotReady = errs.New("jobtrack: tracking strategy not initialized")
)

type ExtendError struct {
	Level      ErrorLevel     `json:"level"`
	Err        error          `json:"error"`
	Code       string         `json:"code,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	StackTrace string         `json:"-"`
}

func (e *ExtendError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	msg := e.Err.Error()
	if e.Code != "" {
		msg = fmt.Sprintf("[%s] %s", e.Code, msg)
	}
	return msg
}

func (e *ExtendError) Unwrap() error {
	return e.Err
}

func (e *ExtendError) WithCode(code string) *ExtendError {
	e.Code = code
	return e
}

func (e *ExtendError) WithMetadata(key string, value any) *ExtendError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]any)
	}
	e.Metadata[key] = value
	return e
}

// WithJob tags the error with the job name it was raised for.
func (e *ExtendError) WithJob(name string) *ExtendError {
	return e.WithMetadata("job", name)
}

func New(message string) error {
	return errs.New(message)
}

func Is(target, err error) bool {
	return errs.Is(err, target)
}

func As(err error, target interface{}) bool {
	return errs.As(err, target)
}

func Join(errors ...error) error {
	return errs.Join(errors...)
}

func IsExtendError(err error) bool {
	var extendErr *ExtendError
	return errs.As(err, &extendErr)
}

func captureStackTrace() string {
	var sb strings.Builder
	// Skip captureStackTrace, wrap and the level constructor.
	for i := 3; i < 15; i++ {
		_, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		fmt.Fprintf(&sb, "%s:%d\n", file, line)
	}
	return sb.String()
}

func wrap(err error, level ErrorLevel) *ExtendError {
	if err == nil {
		return nil
	}
	var extendErr *ExtendError
	if errs.As(err, &extendErr) && extendErr == err {
		// Keep the original level, code and metadata.
		return extendErr
	}
	return &ExtendError{
		Level:      level,
		Err:        err,
		StackTrace: captureStackTrace(),
	}
}

func InfraError(err error) *ExtendError {
	return wrap(err, ERR_INFRASTRUCTURE)
}

func TrackingError(err error) *ExtendError {
	return wrap(err, ERR_TRACKING)
}

func DomainError(err error) *ExtendError {
	return wrap(err, ERR_DOMAIN)
}

func ValidationError(err error) *ExtendError {
	return wrap(err, ERR_VALIDATION)
}

func UnknownError(err error) *ExtendError {
	return wrap(err, ERR_UNKNOWN)
}

func GetLevel(err error) ErrorLevel {
	var extendErr *ExtendError
	if errs.As(err, &extendErr) && extendErr != nil {
		return extendErr.Level
	}
	return ERR_UNKNOWN
}

// GetCode returns the code of the outermost ExtendError in the chain.
func GetCode(err error) string {
	var extendErr *ExtendError
	if errs.As(err, &extendErr) && extendErr != nil {
		return extendErr.Code
	}
	return ""
}

func IsInfraError(err error) bool {
	return GetLevel(err) == ERR_INFRASTRUCTURE
}

func IsTrackingError(err error) bool {
	return GetLevel(err) == ERR_TRACKING
}

func IsDomainError(err error) bool {
	return GetLevel(err) == ERR_DOMAIN
}

func IsValidationError(err error) bool {
	return GetLevel(err) == ERR_VALIDATION
}

func IsUnknownError(err error) bool {
	return GetLevel(err) == ERR_UNKNOWN
}
