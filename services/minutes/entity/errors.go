package entity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	ErrNotFound            = errors.New("meeting not found")
	ErrUnsupportedMedia    = errors.New("unsupported media type")
	ErrPayloadTooLarge     = errors.New("payload too large")
	ErrTranscriptionFailed = errors.New("transcription failed")
	ErrSummarizationFailed = errors.New("summarization failed")
	ErrAlreadyProcessing   = errors.New("meeting is already processing")
	ErrCancelled           = errors.New("meeting processing cancelled")
	ErrInterrupted         = errors.New("meeting processing interrupted")
	ErrNotRetryable        = errors.New("meeting cannot be retried")
	ErrNotProcessing       = errors.New("meeting is not processing")
)

type ErrorKind string

const (
	KindUnsupportedMedia    ErrorKind = "unsupported_media"
	KindPayloadTooLarge     ErrorKind = "payload_too_large"
	KindTranscriptionFailed ErrorKind = "transcription_failed"
	KindSummarizationFailed ErrorKind = "summarization_failed"
	KindCancelled           ErrorKind = "cancelled"
	KindInterrupted         ErrorKind = "interrupted"
	KindInternal            ErrorKind = "internal"
)

// KindOf maps an error returned by a stage to the kind recorded on the
// meeting.
func KindOf(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrUnsupportedMedia):
		return KindUnsupportedMedia
	case errors.Is(err, ErrPayloadTooLarge):
		return KindPayloadTooLarge
	case errors.Is(err, ErrCancelled):
		return KindCancelled
	case errors.Is(err, ErrInterrupted), errors.Is(err, context.Canceled):
		return KindInterrupted
	case errors.Is(err, ErrTranscriptionFailed):
		return KindTranscriptionFailed
	case errors.Is(err, ErrSummarizationFailed):
		return KindSummarizationFailed
	}
	return KindInternal
}

// Reason is the human-readable explanation shown next to a failed meeting.
func (k ErrorKind) Reason() string {
	switch k {
	case KindUnsupportedMedia:
		return "The uploaded file is not an audio or video recording."
	case KindPayloadTooLarge:
		return "The uploaded file exceeds the maximum allowed size."
	case KindTranscriptionFailed:
		return "The recording could not be transcribed."
	case KindSummarizationFailed:
		return "The transcript could not be summarized."
	case KindCancelled:
		return "Processing was cancelled."
	case KindInterrupted:
		return "Processing was interrupted by a service restart."
	}
	return "Processing failed because of an internal error."
}

type LastError struct {
	Kind       ErrorKind `json:"kind"`
	Message    string    `json:"message"`
	Stage      Stage     `json:"stage,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
	Resumable  bool      `json:"resumable"`
}

// StageError is returned by a stage once it has given up. Kind is one of the
// sentinel errors above, Cause the last underlying failure.
type StageError struct {
	Stage    Stage
	Kind     error
	Cause    error
	Attempts int
}

func (e *StageError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("%s after %d attempts: %v", e.Kind, e.Attempts, e.Cause)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
}

func (e *StageError) Unwrap() []error {
	return []error{e.Kind, e.Cause}
}

// CapabilityError is a failure reported by an external transcription or
// summarization engine.
type CapabilityError struct {
	Capability string
	Code       string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *CapabilityError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Capability, e.Code)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (http %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CapabilityError) Unwrap() error { return e.Err }

func (e *CapabilityError) Transient() bool { return e.Retryable }

// NewHTTPError classifies a non-2xx response of an external engine.
func NewHTTPError(capability string, statusCode int, body []byte) *CapabilityError {
	code := "http_error"
	retryable := false
	switch {
	case statusCode == http.StatusTooManyRequests:
		code, retryable = "rate_limited", true
	case statusCode == http.StatusRequestTimeout, statusCode == http.StatusGatewayTimeout:
		code, retryable = "timeout", true
	case statusCode == http.StatusConflict, statusCode == http.StatusTooEarly:
		code, retryable = "conflict", true
	case statusCode >= 500:
		code, retryable = "unavailable", true
	case statusCode == http.StatusUnauthorized, statusCode == http.StatusForbidden:
		code = "unauthorized"
	case statusCode == http.StatusRequestEntityTooLarge:
		code = "too_large"
	case statusCode >= 400:
		code = "bad_request"
	}

	var err error
	if len(body) > 0 {
		if len(body) > 512 {
			body = body[:512]
		}
		err = errors.New(string(body))
	}

	return &CapabilityError{
		Capability: capability,
		Code:       code,
		StatusCode: statusCode,
		Retryable:  retryable,
		Err:        err,
	}
}
