// Package faults defines the error taxonomy for the ingestion pipeline.
//
// Every error that crosses a component boundary is classified into a Kind
// that determines the HTTP status returned to the push transport and whether
// the transport should redeliver the message. Classification is a pure
// function of the error value: handlers wrap causes with the constructors
// below and the transport edge calls Classify exactly once.
package faults

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"google.golang.org/api/googleapi"
)

// Kind identifies a fault category.
type Kind string

const (
	KindBadSchema          Kind = "BAD_SCHEMA"
	KindInvalidInput       Kind = "INVALID_INPUT"
	KindUnsupportedPayload Kind = "UNSUPPORTED_PAYLOAD"
	KindUnauthorized       Kind = "UNAUTHORIZED"
	KindAPINotEnabled      Kind = "API_NOT_ENABLED"
	KindTransient          Kind = "TRANSIENT"
	KindInternal           Kind = "INTERNAL"
)

// Fault is a classified error. Retryable=false marks a permanent failure:
// the transport must ack the message instead of redelivering it.
type Fault struct {
	Kind        Kind
	Status      int
	Retryable   bool
	Remediation string // optional URL with operator instructions
	Err         error
}

func (f *Fault) Error() string {
	if f.Err == nil {
		return string(f.Kind)
	}
	if f.Remediation != "" {
		return fmt.Sprintf("%s: %v (see %s)", f.Kind, f.Err, f.Remediation)
	}
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

// BadSchema marks a push envelope that matched no notification schema.
func BadSchema(format string, args ...any) *Fault {
	return &Fault{Kind: KindBadSchema, Status: http.StatusBadRequest, Retryable: false, Err: fmt.Errorf(format, args...)}
}

// InvalidInput marks permanently unprocessable input: bad DICOM bytes, a
// corrupt archive, a malformed object URI, an unsafe SQL identifier.
func InvalidInput(err error) *Fault {
	return &Fault{Kind: KindInvalidInput, Status: http.StatusUnprocessableEntity, Retryable: false, Err: err}
}

// InvalidInputf is InvalidInput with formatting.
func InvalidInputf(format string, args ...any) *Fault {
	return InvalidInput(fmt.Errorf(format, args...))
}

// UnsupportedPayload marks a SOP class outside every embedding track when an
// embedding is required.
func UnsupportedPayload(err error) *Fault {
	return &Fault{Kind: KindUnsupportedPayload, Status: http.StatusUnprocessableEntity, Retryable: false, Err: err}
}

// Unauthorized marks 401/403 responses from upstream services. Permanent:
// redelivery cannot fix credentials.
func Unauthorized(err error) *Fault {
	return &Fault{Kind: KindUnauthorized, Status: http.StatusUnprocessableEntity, Retryable: false, Err: err}
}

// APINotEnabled marks the vendor API being disabled on the project. Carries a
// remediation URL so the operator can enable it.
func APINotEnabled(err error, remediation string) *Fault {
	return &Fault{Kind: KindAPINotEnabled, Status: http.StatusUnprocessableEntity, Retryable: false, Remediation: remediation, Err: err}
}

// Transient marks failures worth redelivering: timeouts, resets, quota.
func Transient(err error) *Fault {
	return &Fault{Kind: KindTransient, Status: http.StatusInternalServerError, Retryable: true, Err: err}
}

// Internal marks uncategorised failures. Retryable by default: the pipeline
// fails open to redelivery rather than dropping data.
func Internal(err error) *Fault {
	return &Fault{Kind: KindInternal, Status: http.StatusInternalServerError, Retryable: true, Err: err}
}

// Classify resolves any error to a Fault. Already-classified faults pass
// through unchanged; GCP API errors map by status code; network errors are
// transient; everything else is Internal.
func Classify(err error) *Fault {
	if err == nil {
		return nil
	}

	var f *Fault
	if errors.As(err, &f) {
		return f
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return classifyGoogleAPI(gerr, err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Transient(err)
	}

	var nerr net.Error
	if errors.As(err, &nerr) {
		return Transient(err)
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return Transient(err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "resource exhausted"), strings.Contains(msg, "rate limit"):
		return Transient(err)
	case strings.Contains(msg, "connection reset"), strings.Contains(msg, "broken pipe"):
		return Transient(err)
	}

	return Internal(err)
}

func classifyGoogleAPI(gerr *googleapi.Error, cause error) *Fault {
	switch {
	case gerr.Code == http.StatusUnauthorized, gerr.Code == http.StatusForbidden:
		if strings.Contains(gerr.Message, "has not been used") || strings.Contains(gerr.Message, "is disabled") {
			return APINotEnabled(cause, activationURL(gerr))
		}
		return Unauthorized(cause)
	case gerr.Code == http.StatusTooManyRequests:
		return Transient(cause)
	case gerr.Code >= 500:
		return Transient(cause)
	case gerr.Code == http.StatusNotFound, gerr.Code == http.StatusPreconditionFailed, gerr.Code == http.StatusBadRequest:
		return InvalidInput(cause)
	}
	return Internal(cause)
}

// activationURL pulls the console activation link out of an accessNotConfigured
// error body, when present.
func activationURL(gerr *googleapi.Error) string {
	const marker = "https://console."
	if i := strings.Index(gerr.Message, marker); i >= 0 {
		rest := gerr.Message[i:]
		if j := strings.IndexAny(rest, " \n\""); j > 0 {
			return rest[:j]
		}
		return rest
	}
	return ""
}

// Retryable reports whether the transport should redeliver after err.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	return Classify(err).Retryable
}

// StatusOf returns the HTTP status the transport edge should answer with.
func StatusOf(err error) int {
	if err == nil {
		return http.StatusOK
	}
	return Classify(err).Status
}

// KindOf returns the classified kind of err.
func KindOf(err error) Kind {
	return Classify(err).Kind
}
