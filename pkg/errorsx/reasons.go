package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonAdapterTimeout    ReasonCode = "adapter_timeout"
	ReasonAdapterFailure    ReasonCode = "adapter_failure"
	ReasonNoEngineAvailable ReasonCode = "no_engine_available"

	ReasonRecognitionConnect       ReasonCode = "recognition_connect"
	ReasonRecognitionStreamExpired ReasonCode = "recognition_stream_expired"
	ReasonRecognitionBackend       ReasonCode = "recognition_backend"

	ReasonTelephonyCommand ReasonCode = "telephony_command"
	ReasonTelephonyConnect ReasonCode = "telephony_connect"

	ReasonDuplicateCall ReasonCode = "duplicate_call"
	ReasonLogWrite      ReasonCode = "log_write"
)
