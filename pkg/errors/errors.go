package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents application-specific error codes
type ErrorCode string

const (
	// Validation errors
	ErrCodeValidation   ErrorCode = "VALIDATION_ERROR"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"

	// Session errors
	ErrCodeSessionRejected     ErrorCode = "SESSION_REJECTED"
	ErrCodeSessionCreateFailed ErrorCode = "SESSION_CREATE_FAILED"
	ErrCodeSessionPending      ErrorCode = "SESSION_PENDING"
	ErrCodeSessionExpired      ErrorCode = "SESSION_EXPIRED"

	// Crypto errors
	ErrCodeEncryptionFailed ErrorCode = "ENCRYPTION_FAILED"
	ErrCodeDecryptionFailed ErrorCode = "DECRYPTION_FAILED"

	// Content store errors
	ErrCodeUploadFailed       ErrorCode = "UPLOAD_FAILED"
	ErrCodeUploadTimeout      ErrorCode = "UPLOAD_TIMEOUT"
	ErrCodeContentNotFound    ErrorCode = "CONTENT_NOT_FOUND"
	ErrCodeContentUnavailable ErrorCode = "CONTENT_UNAVAILABLE"

	// Scope errors
	ErrCodeScopeLookupFailed ErrorCode = "SCOPE_LOOKUP_FAILED"

	// Pipeline errors
	ErrCodeSendCancelled ErrorCode = "SEND_CANCELLED"
	ErrCodeLedger        ErrorCode = "LEDGER_ERROR"

	// Internal errors
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
)

// DecryptFailure discriminates why a decryption did not produce plaintext
type DecryptFailure string

const (
	DecryptSessionInvalid DecryptFailure = "session_invalid"
	DecryptAccessDenied   DecryptFailure = "access_denied"
	DecryptUnavailable    DecryptFailure = "unavailable"
	DecryptCorrupt        DecryptFailure = "corrupt"
)

// AppError represents a structured application error with code, message and retry hint
type AppError struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Details   any       `json:"details,omitempty"`
	Err       error     `json:"-"`
}

// Error implements the error interface, returning a formatted error message
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new non-retryable AppError with the given code and message
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an AppError, preserving the original error
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetails adds additional details to an AppError for debugging
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// AsRetryable marks the error as safe to retry automatically
func (e *AppError) AsRetryable() *AppError {
	e.Retryable = true
	return e
}

// Validation errors
func ValidationError(message string) *AppError {
	return New(ErrCodeValidation, message)
}

func InvalidInputError(message string) *AppError {
	return New(ErrCodeInvalidInput, message)
}

// Session errors

// SessionRejectedError is terminal: the user declined to sign.
func SessionRejectedError(err error) *AppError {
	return Wrap(ErrCodeSessionRejected, "Session signature was declined", err)
}

func SessionCreateFailedError(err error) *AppError {
	return Wrap(ErrCodeSessionCreateFailed, "Failed to create session", err).AsRetryable()
}

func SessionPendingError() *AppError {
	return New(ErrCodeSessionPending, "Session creation already in progress")
}

func SessionExpiredError() *AppError {
	return New(ErrCodeSessionExpired, "Session has expired").AsRetryable()
}

// Crypto errors
func EncryptionFailedError(err error) *AppError {
	return Wrap(ErrCodeEncryptionFailed, "Encryption failed", err).AsRetryable()
}

// DecryptionFailedError builds a decryption error; only the unavailable reason is retried automatically.
func DecryptionFailedError(reason DecryptFailure, err error) *AppError {
	appErr := Wrap(ErrCodeDecryptionFailed, fmt.Sprintf("Decryption failed: %s", reason), err).WithDetails(reason)
	if reason == DecryptUnavailable {
		appErr.Retryable = true
	}
	return appErr
}

// Content store errors
func UploadFailedError(err error) *AppError {
	return Wrap(ErrCodeUploadFailed, "Upload failed", err).AsRetryable()
}

func UploadTimeoutError(err error) *AppError {
	return Wrap(ErrCodeUploadTimeout, "Upload timed out", err).AsRetryable()
}

func ContentNotFoundError(contentID string) *AppError {
	return New(ErrCodeContentNotFound, fmt.Sprintf("Content %s not found on any endpoint", contentID))
}

func ContentUnavailableError(contentID string, err error) *AppError {
	return Wrap(ErrCodeContentUnavailable, fmt.Sprintf("Content %s unavailable", contentID), err).AsRetryable()
}

// Scope errors
func ScopeLookupFailedError(err error) *AppError {
	return Wrap(ErrCodeScopeLookupFailed, "Scope lookup failed", err).AsRetryable()
}

// Pipeline errors
func SendCancelledError() *AppError {
	return New(ErrCodeSendCancelled, "Send cancelled")
}

func LedgerError(err error) *AppError {
	return Wrap(ErrCodeLedger, "Ledger operation failed", err).AsRetryable()
}

// Internal errors
func InternalError(message string) *AppError {
	return New(ErrCodeInternal, message)
}

// IsAppError checks if an error is (or wraps) an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr)
}

// GetAppError extracts AppError from an error, wrapping non-AppErrors as InternalError
func GetAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return Wrap(ErrCodeInternal, err.Error(), err)
}

// CodeOf returns the code of the outermost AppError in the chain, or "" if none
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// Is reports whether err carries the given code
func Is(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// IsRetryable reports whether the failure may resolve by retrying the same operation
func IsRetryable(err error) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Retryable
	}
	return false
}

// DecryptReason returns the decryption failure reason carried by err, if any
func DecryptReason(err error) (DecryptFailure, bool) {
	var appErr *AppError
	if !stderrors.As(err, &appErr) || appErr.Code != ErrCodeDecryptionFailed {
		return "", false
	}
	reason, ok := appErr.Details.(DecryptFailure)
	return reason, ok
}
