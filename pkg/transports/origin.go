package transports

import (
	"net/http"
	"strings"
)

// OriginChecker returns a websocket CheckOrigin func. An empty allow list
// accepts every origin. Entries may be full origins ("https://app.example")
// or bare hosts ("app.example").
func OriginChecker(allowed []string) func(r *http.Request) bool {
	list := make([]string, 0, len(allowed))
	for _, a := range allowed {
		a = strings.TrimRight(strings.TrimSpace(a), "/")
		if a != "" {
			list = append(list, a)
		}
	}
	return func(r *http.Request) bool {
		if len(list) == 0 {
			return true
		}
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin == "" {
			return true
		}
		origin = strings.TrimRight(origin, "/")
		originHost := strings.TrimPrefix(origin, "https://")
		originHost = strings.TrimPrefix(originHost, "http://")
		for _, a := range list {
			if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
				if strings.EqualFold(a, origin) {
					return true
				}
				continue
			}
			if strings.EqualFold(a, originHost) {
				return true
			}
		}
		return false
	}
}

// NormalizePublicURL strips the scheme and trailing slashes from a public URL.
func NormalizePublicURL(v string) string {
	v = strings.TrimSpace(v)
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	return strings.TrimRight(v, "/")
}
