// Package bundlererr defines the error kinds shared across the admission
// path and pipeline, mirroring the exported Err* sentinel convention used
// throughout the teacher's core packages.
package bundlererr

import "errors"

// Kind classifies an error for HTTP status mapping and retry policy. It is
// distinct from the transport status code: a single Kind may map to
// different codes depending on the endpoint.
type Kind string

const (
	KindPaymentRequired            Kind = "payment_required"
	KindPaymentInvalid             Kind = "payment_invalid"
	KindPaymentSettlementFailed    Kind = "payment_settlement_failed"
	KindUnauthorized               Kind = "unauthorized"
	KindFraudDetected              Kind = "fraud_detected"
	KindConflict                   Kind = "conflict"
	KindTransientDependencyFailure Kind = "transient_dependency_failure"
	KindFatal                      Kind = "fatal"
	KindWarning                    Kind = "warning"
)

// Error is a classified application error. Handlers switch on Kind to decide
// the transport status code and whether a background job should retry.
type Error struct {
	Kind    Kind
	Reasons []string
	err     error
}

func (e *Error) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	if len(e.Reasons) == 1 {
		return e.Reasons[0]
	}
	if len(e.Reasons) > 1 {
		out := e.Reasons[0]
		for _, r := range e.Reasons[1:] {
			out += "; " + r
		}
		return out
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.err }

// New builds a classified error with a single reason string.
func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reasons: []string{reason}, err: errors.New(reason)}
}

// Wrap classifies an existing error under the given kind.
func Wrap(kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Reasons: []string{err.Error()}, err: err}
}

// Aggregate builds a PaymentSettlementFailed-shaped error from the
// concatenated reasons returned by each facilitator attempt in turn.
func Aggregate(kind Kind, reasons []string) *Error {
	return &Error{Kind: kind, Reasons: reasons}
}

// KindOf extracts the Kind from err if it is (or wraps) a *Error.
func KindOf(err error) (Kind, bool) {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind, true
	}
	return "", false
}

// ErrBundlePlanExistsInAnotherStateWarning is the benign no-op warning raised
// by updateBundleAsPermanent when the bundle has already moved past
// seeded_bundle; workers treat it as an idempotent success, not a failure.
var ErrBundlePlanExistsInAnotherStateWarning = New(KindWarning, "bundle plan exists in another state")

// ErrIdempotentNoOp signals that a handler's side effects already happened
// (e.g. a txHash collision, a PK collision on a content-addressed id) and
// the caller should treat the request as already satisfied.
var ErrIdempotentNoOp = errors.New("idempotent no-op")
