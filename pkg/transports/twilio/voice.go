package twilio

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"strings"

	twilioclient "github.com/twilio/twilio-go/client"

	"github.com/harunnryd/callrelay/pkg/errorsx"
	"github.com/harunnryd/callrelay/pkg/logging"
	"github.com/harunnryd/callrelay/pkg/transports"
)

// VoiceHandler answers the TwiML application webhook. It forks the call audio
// to the media stream endpoint and dials the requested number.
type VoiceHandler struct {
	cfg    Config
	logger *slog.Logger
}

func NewVoiceHandler(cfg Config) *VoiceHandler {
	return &VoiceHandler{
		cfg:    cfg.withDefaults(),
		logger: logging.NewComponentLogger(slog.Default(), "twilio_voice"),
	}
}

func (h *VoiceHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.cfg.AuthToken != "" && !h.validateTwilioRequest(r) {
		h.logger.Warn("twilio_invalid_signature", "reason_code", string(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	to := strings.TrimSpace(r.FormValue("To"))
	h.logger.Info("twilio_voice_webhook",
		slog.String("call_sid", r.FormValue("CallSid")),
		slog.Bool("has_to", to != ""))

	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(h.twiml(r, to)))
}

func (h *VoiceHandler) twiml(r *http.Request, to string) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><Response>`)
	b.WriteString(`<Start><Stream url="` + xmlEscape(h.cfg.streamURL(r.Host)) + `"/></Start>`)
	if to == "" {
		b.WriteString(`<Pause length="3600"/>`)
	} else {
		b.WriteString(`<Dial`)
		if h.cfg.CallerID != "" {
			b.WriteString(` callerId="` + xmlEscape(h.cfg.CallerID) + `"`)
		}
		b.WriteString(`>`)
		if strings.HasPrefix(to, "client:") {
			b.WriteString(`<Client>` + xmlEscape(strings.TrimPrefix(to, "client:")) + `</Client>`)
		} else {
			b.WriteString(`<Number>` + xmlEscape(to) + `</Number>`)
		}
		b.WriteString(`</Dial>`)
	}
	b.WriteString(`</Response>`)
	return b.String()
}

func (h *VoiceHandler) validateTwilioRequest(r *http.Request) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" {
		return false
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return false
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))

	validator := twilioclient.NewRequestValidator(h.cfg.AuthToken)
	return validator.ValidateBody(h.requestURL(r), body, signature)
}

func (h *VoiceHandler) requestURL(r *http.Request) string {
	if h.cfg.PublicURL != "" {
		return "https://" + transports.NormalizePublicURL(h.cfg.PublicURL) + r.URL.RequestURI()
	}
	scheme := r.URL.Scheme
	if scheme == "" {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		} else {
			scheme = "https"
		}
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(h.cfg.ServerAddr, ":")
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

func xmlEscape(in string) string {
	replacer := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		"\"", "&quot;",
		"'", "&apos;",
	)
	return replacer.Replace(in)
}
