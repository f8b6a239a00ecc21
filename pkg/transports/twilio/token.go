package twilio

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/twilio/twilio-go/client/jwt"

	"github.com/harunnryd/callrelay/pkg/errorsx"
	"github.com/harunnryd/callrelay/pkg/logging"
)

// TokenIssuer mints Voice access tokens for the browser dialer.
type TokenIssuer struct {
	cfg    Config
	logger *slog.Logger
}

// NewTokenIssuer fails when any of the four signing credentials is missing.
func NewTokenIssuer(cfg Config) (*TokenIssuer, error) {
	cfg = cfg.withDefaults()
	if err := cfg.ValidateCredentials(); err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonConfigMissing)
	}
	return &TokenIssuer{
		cfg:    cfg,
		logger: logging.NewComponentLogger(slog.Default(), "twilio_token"),
	}, nil
}

// Issue returns a signed JWT with an outgoing voice grant for the TwiML app.
func (t *TokenIssuer) Issue(identity string) (string, error) {
	if identity == "" {
		identity = t.cfg.Identity
	}
	token := jwt.CreateAccessToken(jwt.AccessTokenParams{
		AccountSid:    t.cfg.AccountSID,
		SigningKeySid: t.cfg.APIKeySID,
		Secret:        t.cfg.APIKeySecret,
		Identity:      identity,
		Ttl:           float64(t.cfg.TokenTTLSec),
	})
	token.AddGrant(&jwt.VoiceGrant{
		Incoming: jwt.Incoming{Allow: true},
		Outgoing: jwt.Outgoing{ApplicationSid: t.cfg.TwiMLAppSID},
	})
	signed, err := token.ToJwt()
	if err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonTokenSign)
	}
	return signed, nil
}

func (t *TokenIssuer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	signed, err := t.Issue("")
	if err != nil {
		t.logger.Error("twilio_token_sign_failed",
			slog.String("reason_code", string(errorsx.Reason(err))),
			slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}
	t.logger.Debug("twilio_token_issued", slog.String("identity", t.cfg.Identity))
	_ = json.NewEncoder(w).Encode(map[string]string{"token": signed})
}
