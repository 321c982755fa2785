package errorsx

import "errors"

// ReasonedError wraps an error with a reason code.
type ReasonedError struct {
	Err    error
	Reason ReasonCode
}

func (e ReasonedError) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}
	return e.Err.Error()
}

func (e ReasonedError) Unwrap() error {
	return e.Err
}

// Wrap attaches a reason code to an error (no-op if err is nil or already reasoned).
func Wrap(err error, reason ReasonCode) error {
	if err == nil {
		return nil
	}
	var re ReasonedError
	if errors.As(err, &re) {
		return err
	}
	return ReasonedError{Err: err, Reason: reason}
}

// Reason extracts a reason code from an error, if present.
func Reason(err error) ReasonCode {
	if err == nil {
		return ReasonUnknown
	}
	var re ReasonedError
	if errors.As(err, &re) {
		return re.Reason
	}
	return ReasonUnknown
}

// HasReason returns true if err contains the given reason code.
func HasReason(err error, reason ReasonCode) bool {
	return Reason(err) == reason
}

// CallError tags an error with the call it belongs to so a log line or an
// API response can be tied back to a specific call_id.
type CallError struct {
	Err    error
	CallID string
}

func (e CallError) Error() string {
	if e.Err == nil {
		return "call " + e.CallID
	}
	return "call " + e.CallID + ": " + e.Err.Error()
}

func (e CallError) Unwrap() error {
	return e.Err
}

// WithCall attaches a call_id to an error. The wrapped chain stays intact for
// errors.Is and reason extraction.
func WithCall(err error, callID string) error {
	if err == nil {
		return nil
	}
	return CallError{Err: err, CallID: callID}
}

// CallID extracts the call_id from an error, or "" when none is attached.
func CallID(err error) string {
	var ce CallError
	if errors.As(err, &ce) {
		return ce.CallID
	}
	return ""
}
