package auth

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Provider supplies a bearer token on demand. An empty token with a nil
// error means the session has lapsed.
type Provider interface {
	Token(ctx context.Context) (string, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context) (string, error)

// Token calls f.
func (f ProviderFunc) Token(ctx context.Context) (string, error) {
	return f(ctx)
}

// Static always returns the same token.
func Static(token string) Provider {
	return ProviderFunc(func(context.Context) (string, error) {
		return usable(token, time.Now()), nil
	})
}

// Env reads the token from an environment variable on every call.
func Env(key string) Provider {
	return ProviderFunc(func(context.Context) (string, error) {
		return usable(os.Getenv(key), time.Now()), nil
	})
}

// File reads the token from path on every call so a refreshed session is
// picked up without restarting. A missing file means no session.
func File(path string) Provider {
	return ProviderFunc(func(context.Context) (string, error) {
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		if err != nil {
			return "", fmt.Errorf("read token file: %w", err)
		}
		return usable(string(data), time.Now()), nil
	})
}

// usable trims token and drops it when it is a JWT whose expiry has passed.
// Tokens that are not JWTs are passed through; the server has the final say.
func usable(token string, now time.Time) string {
	token = strings.TrimSpace(token)
	if token == "" {
		return ""
	}
	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return token
	}
	if claims.ExpiresAt != nil && !claims.ExpiresAt.After(now) {
		return ""
	}
	return token
}
