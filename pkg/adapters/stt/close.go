package stt

import "strings"

// Websocket close codes reported by streaming backends.
const (
	CloseNormal          = 1000
	ClosePolicyViolation = 1008
	CloseInternalError   = 1011
)

// Close reasons. The DATA/NET codes are the backend's machine-readable reasons.
const (
	ReasonUnsupportedAudio = "DATA-0000"
	ReasonTimeout          = "NET-0000"
	ReasonNoData           = "NET-0001"
	ReasonFinished         = "finished"
	ReasonConnectFailed    = "connect_failed"
)

type CloseCause string

const (
	CauseNormal           CloseCause = "normal"
	CauseUnsupportedAudio CloseCause = "unsupported_audio"
	CauseTimeout          CloseCause = "timeout"
	CauseNoData           CloseCause = "no_data"
	CauseConnectFailed    CloseCause = "connect_failed"
	CauseOther            CloseCause = "other"
)

// ClassifyClose maps a close code and reason to a diagnostic cause.
func ClassifyClose(code int, reason string) CloseCause {
	r := strings.ToUpper(reason)
	switch {
	case strings.Contains(r, ReasonUnsupportedAudio):
		return CauseUnsupportedAudio
	case strings.Contains(r, ReasonNoData):
		return CauseNoData
	case strings.Contains(r, ReasonTimeout):
		return CauseTimeout
	case reason == ReasonConnectFailed:
		return CauseConnectFailed
	case code == ClosePolicyViolation:
		return CauseUnsupportedAudio
	case code == CloseNormal || reason == ReasonFinished:
		return CauseNormal
	default:
		return CauseOther
	}
}
