package security

import (
	"net/http"
	"strings"
)

// ExtractBearerToken parses "Bearer <token>" from an Authorization header.
// The scheme is matched case-insensitively and surrounding spaces are trimmed.
func ExtractBearerToken(authHeader string) string {
	const prefix = "bearer "
	if len(authHeader) < len(prefix) || !strings.EqualFold(authHeader[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(prefix):])
}

// TokenFromRequest returns the handshake credential: the "token" query
// parameter first, then the Authorization header. Browsers cannot set
// headers on a WebSocket upgrade, so the query form is the common one.
func TokenFromRequest(r *http.Request, allowQuery bool) string {
	if allowQuery {
		if t := r.URL.Query().Get("token"); t != "" {
			return t
		}
	}
	return ExtractBearerToken(r.Header.Get("Authorization"))
}

