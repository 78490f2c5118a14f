// Package types provides the error taxonomy and API envelope shared by every
// evolver component.
package types

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode classifies a failure so that transports can map it to a status.
type ErrorCode string

const (
	ErrValidation      ErrorCode = "VALIDATION_ERROR"
	ErrNotFound        ErrorCode = "NOT_FOUND"
	ErrNamingExhausted ErrorCode = "NAMING_EXHAUSTED"
	ErrMaterialization ErrorCode = "MATERIALIZATION_ERROR"
	ErrInference       ErrorCode = "INFERENCE_ERROR"
	ErrQueueFull       ErrorCode = "QUEUE_FULL"
	ErrInternalError   ErrorCode = "INTERNAL_ERROR"
)

// String returns the string representation of the error code
func (e ErrorCode) String() string {
	return string(e)
}

// HTTPStatusCode returns the appropriate HTTP status code for the error
func (e ErrorCode) HTTPStatusCode() int {
	switch e {
	case ErrValidation:
		return 400
	case ErrNotFound:
		return 404
	case ErrNamingExhausted:
		return 409
	case ErrQueueFull:
		return 429
	default:
		return 500
	}
}

// ErrorInfo is the typed error carried through the core and reported in task
// failures.
type ErrorInfo struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details string    `json:"details,omitempty"`

	Err error `json:"-"`
}

// Error returns a formatted error message
func (e *ErrorInfo) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *ErrorInfo) Unwrap() error {
	return e.Err
}

// Is matches another *ErrorInfo by code, so errors.Is(err, &ErrorInfo{Code: ErrNotFound}) works.
func (e *ErrorInfo) Is(target error) bool {
	t, ok := target.(*ErrorInfo)
	if !ok {
		return false
	}
	return t.Message == "" && t.Code == e.Code
}

func newError(code ErrorCode, cause error, format string, args ...any) *ErrorInfo {
	info := &ErrorInfo{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Err:     cause,
	}
	if cause != nil {
		info.Details = cause.Error()
	}
	return info
}

func NewValidationError(format string, args ...any) *ErrorInfo {
	return newError(ErrValidation, nil, format, args...)
}

func NewNotFoundError(format string, args ...any) *ErrorInfo {
	return newError(ErrNotFound, nil, format, args...)
}

func NewNamingExhausted(format string, args ...any) *ErrorInfo {
	return newError(ErrNamingExhausted, nil, format, args...)
}

// NewMaterializationError wraps cause (which may be nil) as a materialization failure.
func NewMaterializationError(cause error, format string, args ...any) *ErrorInfo {
	return newError(ErrMaterialization, cause, format, args...)
}

// NewInferenceError wraps cause (which may be nil) as a generation failure.
func NewInferenceError(cause error, format string, args ...any) *ErrorInfo {
	return newError(ErrInference, cause, format, args...)
}

func NewQueueFullError(format string, args ...any) *ErrorInfo {
	return newError(ErrQueueFull, nil, format, args...)
}

func NewInternalError(cause error, format string, args ...any) *ErrorInfo {
	return newError(ErrInternalError, cause, format, args...)
}

// CodeOf returns the code of the first *ErrorInfo in err's chain.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var info *ErrorInfo
	if errors.As(err, &info) {
		return info.Code
	}
	return ErrInternalError
}

// AsErrorInfo converts any error to an *ErrorInfo, keeping typed errors as is.
func AsErrorInfo(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	var info *ErrorInfo
	if errors.As(err, &info) {
		return info
	}
	return NewInternalError(err, "internal error")
}

// ResponseMeta represents metadata included in API responses
type ResponseMeta struct {
	Timestamp string `json:"timestamp"`
	RequestID string `json:"requestId"`
	Latency   int64  `json:"latency,omitempty"` // milliseconds
}

// NewResponseMeta creates a new ResponseMeta with current timestamp
func NewResponseMeta(requestID string) *ResponseMeta {
	return &ResponseMeta{
		Timestamp: time.Now().Format(time.RFC3339),
		RequestID: requestID,
	}
}

// ApiResponse is the envelope used by the informational endpoints.
type ApiResponse[T any] struct {
	Success  bool          `json:"success"`
	Data     T             `json:"data,omitempty"`
	Error    *ErrorInfo    `json:"error,omitempty"`
	Metadata *ResponseMeta `json:"metadata,omitempty"`
}

// NewSuccessResponse creates a successful API response
func NewSuccessResponse[T any](data T, requestID string) *ApiResponse[T] {
	return &ApiResponse[T]{
		Success:  true,
		Data:     data,
		Metadata: NewResponseMeta(requestID),
	}
}

// NewErrorResponse creates an error API response
func NewErrorResponse(code ErrorCode, message string, requestID string) *ApiResponse[struct{}] {
	return &ApiResponse[struct{}]{
		Success: false,
		Error: &ErrorInfo{
			Code:    code,
			Message: message,
		},
		Metadata: NewResponseMeta(requestID),
	}
}

// NewErrorResponseWithDetails creates an error API response with details
func NewErrorResponseWithDetails(code ErrorCode, message, details string, requestID string) *ApiResponse[struct{}] {
	return &ApiResponse[struct{}]{
		Success: false,
		Error: &ErrorInfo{
			Code:    code,
			Message: message,
			Details: details,
		},
		Metadata: NewResponseMeta(requestID),
	}
}
