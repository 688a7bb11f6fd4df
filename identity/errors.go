package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"

	"github.com/go-playground/validator/v10"
	"github.com/sony/gobreaker"
)

// Kind is the failure class every identity or storage error is reduced to.
type Kind int

const (
	// Validation means a local precondition failed before any I/O was attempted.
	Validation Kind = iota + 1
	// Connectivity means the backend could not be reached. Sessions are preserved.
	Connectivity
	// Rejected means the backend explicitly invalidated the credential. Sessions are destroyed.
	Rejected
	// Malformed means a response could not be decoded. Treated as Rejected for state.
	Malformed
	// StorageFailure means local persistence failed. Sessions are destroyed.
	StorageFailure
)

// String returns a string representation of the Kind.
func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case Connectivity:
		return "connectivity"
	case Rejected:
		return "rejected"
	case Malformed:
		return "malformed"
	case StorageFailure:
		return "storage_failure"
	default:
		return "unknown"
	}
}

// DestroysSession reports whether a failure of this kind invalidates the stored session.
func (k Kind) DestroysSession() bool {
	return k == Rejected || k == Malformed || k == StorageFailure
}

// KeepsSession reports whether the stored session survives a failure of this kind.
func (k Kind) KeepsSession() bool {
	return k == Connectivity
}

var (
	ErrValidation        = errors.New("validation failed")
	ErrTokenRejected     = errors.New("credential rejected")
	ErrMalformedResponse = errors.New("malformed response")
)

// StatusError is returned by transports when the backend answers with a non-2xx status.
type StatusError struct {
	Status      int    // HTTP status code
	Code        string // Backend error code, e.g. "invalid_grant"
	Description string // Backend error description
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("identity backend returned %d: %s %s", e.Status, e.Code, e.Description)
	}
	return fmt.Sprintf("identity backend returned %d", e.Status)
}

// Error is a classified failure. It is what every session manager operation returns.
type Error struct {
	Kind    Kind   // Failure class
	Op      string // Operation that failed, e.g. "login"
	Status  int    // HTTP status if the failure came from a backend response
	Message string // Human readable message for the user
	Err     error  // Underlying cause
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// WithMessage returns a copy of the error carrying a different user message.
func (e *Error) WithMessage(msg string) *Error {
	c := *e
	c.Message = msg
	return &c
}

// KindOf returns the Kind of err, classifying it if needed.
func KindOf(err error) Kind {
	if ce := Classify("", err); ce != nil {
		return ce.Kind
	}
	return 0
}

// Classify reduces any error to a classified Error. It is the single place
// where failure kinds are decided; callers must not inspect transport errors
// themselves. A nil error returns nil.
func Classify(op string, err error) *Error {
	if err == nil {
		return nil
	}

	var classified *Error
	if errors.As(err, &classified) {
		if op == "" || classified.Op == op {
			return classified
		}
		c := *classified
		c.Op = op
		return &c
	}

	kind, status := classify(err)
	return &Error{
		Kind:    kind,
		Op:      op,
		Status:  status,
		Message: DefaultMessage(kind),
		Err:     err,
	}
}

func classify(err error) (Kind, int) {
	var validationErrs validator.ValidationErrors
	if errors.Is(err, ErrValidation) || errors.As(err, &validationErrs) {
		return Validation, 0
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return Connectivity, 0
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return classifyStatus(statusErr.Status), statusErr.Status
	}

	if errors.Is(err, ErrTokenRejected) {
		return Rejected, 0
	}
	if errors.Is(err, ErrMalformedResponse) {
		return Malformed, 0
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Connectivity, 0
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return Connectivity, 0
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Connectivity, 0
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) || errors.Is(err, io.ErrUnexpectedEOF) {
		return Malformed, 0
	}

	// Unknown failures keep the session; losing access on an unexplained error is worse.
	return Connectivity, 0
}

func classifyStatus(status int) Kind {
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return Connectivity
	case status >= 400 && status < 500:
		return Rejected
	default:
		return Connectivity
	}
}

// StorageError classifies a local persistence failure.
func StorageError(op string, err error) *Error {
	return &Error{
		Kind:    StorageFailure,
		Op:      op,
		Message: DefaultMessage(StorageFailure),
		Err:     err,
	}
}

// ValidationError builds a Validation error with an inline message.
func ValidationError(op, msg string) *Error {
	return &Error{
		Kind:    Validation,
		Op:      op,
		Message: msg,
		Err:     ErrValidation,
	}
}

// DefaultMessage returns the user facing message for a failure kind.
func DefaultMessage(k Kind) string {
	switch k {
	case Validation:
		return "Please check the details you entered."
	case Connectivity:
		return "We can't reach the server right now. Check your connection and try again."
	case Rejected:
		return "Your session has ended. Please sign in again."
	case Malformed:
		return "We received an unexpected response from the server. Please sign in again."
	case StorageFailure:
		return "We couldn't secure your session on this device. Please try again or restart the app."
	default:
		return "Something went wrong. Please try again."
	}
}

// ExchangeMessage returns the user facing message for a failed id-token exchange.
func ExchangeMessage(p Provider, k Kind) string {
	switch k {
	case Malformed:
		return fmt.Sprintf("We couldn't read the response from %s. Please try again.", p.DisplayName())
	case Rejected:
		return fmt.Sprintf("Sign in with %s was rejected. Please use a different account.", p.DisplayName())
	case Validation, StorageFailure:
		return DefaultMessage(k)
	default:
		return fmt.Sprintf("Sign in with %s failed. Please try again.", p.DisplayName())
	}
}
