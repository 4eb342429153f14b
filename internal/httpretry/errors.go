package httpretry

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

var (
	// ErrRetriesExhausted matches any failure that stayed transient until the attempt ceiling
	ErrRetriesExhausted = errors.New("retries exhausted")

	// ErrNonRetryable matches a rejection that retrying cannot fix
	ErrNonRetryable = errors.New("non-retryable rejection")

	// ErrRateLimited matches a request still rate limited at the attempt ceiling
	ErrRateLimited = errors.New("rate limited")
)

// Kind classifies a failed request
type Kind int

const (
	// KindExhausted is a transport failure or 5xx that persisted through every attempt
	KindExhausted Kind = iota + 1
	// KindRateLimited is a 429 that persisted through every attempt
	KindRateLimited
	// KindRejected is a 4xx (other than 429) returned by the provider
	KindRejected
	// KindProvider is an error envelope inside a 2xx response
	KindProvider
)

func (k Kind) String() string {
	switch k {
	case KindExhausted:
		return "exhausted"
	case KindRateLimited:
		return "rate_limited"
	case KindRejected:
		return "rejected"
	case KindProvider:
		return "provider_error"
	default:
		return "unknown"
	}
}

// Error is returned by Client.Do for every classified failure
type Error struct {
	Kind       Kind
	URL        string
	StatusCode int
	Message    string
	Attempts   int
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s after %d attempt(s)", e.Kind, e.Attempts)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": HTTP %d", e.StatusCode)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets callers test the classification with errors.Is
func (e *Error) Is(target error) bool {
	switch target {
	case ErrRetriesExhausted:
		return e.Kind == KindExhausted || e.Kind == KindRateLimited
	case ErrNonRetryable:
		return e.Kind == KindRejected || e.Kind == KindProvider
	case ErrRateLimited:
		return e.Kind == KindRateLimited
	}
	return false
}

// Retryable reports whether requeueing the whole job may succeed later
func (e *Error) Retryable() bool {
	return e.Kind == KindExhausted || e.Kind == KindRateLimited
}

// IsRetryable reports whether err is a classified failure worth requeueing
func IsRetryable(err error) bool {
	var httpErr *Error
	if errors.As(err, &httpErr) {
		return httpErr.Retryable()
	}
	return false
}

const maxMessageLen = 500

// DetectErrorEnvelope reports whether a 2xx body carries a provider error object
func DetectErrorEnvelope(body []byte) (string, bool) {
	var envelope struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return "", false
	}
	if len(envelope.Error) == 0 || string(envelope.Error) == "null" || string(envelope.Error) == "false" {
		return "", false
	}
	msg := parseErrorMessage(body)
	if msg == "" {
		msg = "provider reported an error"
	}
	return msg, true
}

// parseErrorMessage extracts a human readable message from common provider error shapes
func parseErrorMessage(body []byte) string {
	var nested struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &nested); err == nil && nested.Error.Message != "" {
		return truncate(nested.Error.Message)
	}

	var flat struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &flat); err == nil {
		if flat.Error != "" {
			return truncate(flat.Error)
		}
		if flat.Message != "" {
			return truncate(flat.Message)
		}
	}

	return truncate(strings.TrimSpace(string(body)))
}

// truncate sanitizes s to valid UTF-8 without NUL bytes and cuts it on a
// rune boundary
func truncate(s string) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	s = strings.ReplaceAll(s, "\x00", "\uFFFD")
	if len(s) <= maxMessageLen {
		return s
	}
	cut := maxMessageLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
