package gate

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"authplane.org/internal/obs"
)

// Middleware guards an HTTP handler behind the pipeline for a fixed
// object/action pair. Authentication failures answer 401; policy denials
// and dependency failures both answer a generic 403 so a probing caller
// cannot distinguish a missing grant from a degraded backend. The real
// cause is logged.
func (g *Gate) Middleware(object, action string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearerToken(r)
			if !ok {
				denyJSON(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			id, err := g.Authorize(r.Context(), raw, object, action)
			if err != nil {
				writeDenial(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", false
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", false
	}
	return strings.TrimSpace(parts[1]), true
}

func writeDenial(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrUnauthenticated), errors.Is(err, ErrSessionRevoked):
		denyJSON(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, ErrDependencyUnavailable):
		obs.Log("error", "gate_dependency_failure", map[string]any{
			"path":  r.URL.Path,
			"error": err.Error(),
		})
		denyJSON(w, http.StatusForbidden, "forbidden")
	default:
		denyJSON(w, http.StatusForbidden, "forbidden")
	}
}

func denyJSON(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
