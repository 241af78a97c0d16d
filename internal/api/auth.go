package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/dharsanguruparan/EchoScribe/internal/auth"
)

// Verifier checks a bearer token. *auth.Signer satisfies it.
type Verifier interface {
	Verify(token string) (auth.Identity, error)
}

type identityKey struct{}

func identityFrom(ctx context.Context) auth.Identity {
	id, _ := ctx.Value(identityKey{}).(auth.Identity)
	return id
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			respondError(w, http.StatusUnauthorized, "Not authenticated")
			return
		}
		id, err := s.verifier.Verify(strings.TrimSpace(token))
		if err != nil || id.UserID == "" {
			respondError(w, http.StatusUnauthorized, "Invalid or expired token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, id)))
	})
}
