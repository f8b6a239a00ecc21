package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonConfigMissing ReasonCode = "config_missing"
	ReasonConfigInvalid ReasonCode = "config_invalid"

	ReasonSTTConnect  ReasonCode = "stt_connect"
	ReasonSTTSend     ReasonCode = "stt_send"
	ReasonSTTNotReady ReasonCode = "stt_not_ready"
	ReasonSTTClosed   ReasonCode = "stt_closed"

	ReasonFrameDecode    ReasonCode = "frame_decode"
	ReasonSubscriberSend ReasonCode = "subscriber_send"

	ReasonTokenSign                 ReasonCode = "token_sign"
	ReasonTransportInvalidSignature ReasonCode = "webhook_invalid_signature"
	ReasonDial                      ReasonCode = "dial"
)
