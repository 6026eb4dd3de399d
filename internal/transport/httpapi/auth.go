package httpapi

import (
	"net/http"
	"strings"
)

// Principal is the authenticated caller of a request, resolved from the
// Bearer API key against a static key-to-user map. There is no
// session/token issuance in the sync core; provisioning API keys is left to
// the deployment.
type Principal struct {
	UserID string
	APIKey string
}

// KeyStore maps API keys to user ids. A plain map is enough for the
// reference server; production deployments back Resolve with a database
// lookup behind the same interface.
type KeyStore interface {
	Resolve(apiKey string) (userID string, ok bool)
}

// StaticKeyStore is a KeyStore backed by a fixed map, loaded once at
// startup from the server's configuration.
type StaticKeyStore map[string]string

func (s StaticKeyStore) Resolve(apiKey string) (string, bool) {
	userID, ok := s[apiKey]
	return userID, ok
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(h, prefix))
}

// authenticate resolves the request's Principal or writes a 401 and returns
// ok=false.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (Principal, bool) {
	token := bearerToken(r)
	if token == "" {
		s.metrics.RecordClientError()
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return Principal{}, false
	}
	userID, ok := s.keys.Resolve(token)
	if !ok {
		s.metrics.RecordClientError()
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid api key")
		return Principal{}, false
	}
	return Principal{UserID: userID, APIKey: token}, true
}
