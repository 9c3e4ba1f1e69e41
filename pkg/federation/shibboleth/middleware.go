package shibboleth

import (
	"context"
	"net/http"
	"strings"

	"github.com/openmeet/federation/pkg/federation"
	"github.com/openmeet/federation/pkg/observability"
	"github.com/openmeet/federation/pkg/session"
)

// SessionIDFunc extracts the local session id from a request, typically
// from a session cookie.
type SessionIDFunc func(*http.Request) string

// InvalidateFunc force-terminates a local session.
type InvalidateFunc func(ctx context.Context, sessionID string) error

// ConsistencyMiddleware compares the upstream Shibboleth session header
// against the one the local session was established with on every
// request. A missing or different header means the upstream session
// changed underneath us and the local session is terminated.
func ConsistencyMiddleware(cfg Config, sessions session.Store, localID SessionIDFunc, invalidate InvalidateFunc, logger *observability.Logger) func(http.Handler) http.Handler {
	if cfg.SessionHeader == "" {
		cfg.SessionHeader = DefaultSessionHeader
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := localID(r)
			if id == "" {
				next.ServeHTTP(w, r)
				return
			}

			stored, ok, err := sessions.Get(r.Context(), id, federation.SessionKeyCorrelationKey)
			if err != nil || !ok || !strings.HasPrefix(stored, session.KeyShibbolethSession+":") {
				next.ServeHTTP(w, r)
				return
			}

			current := r.Header.Get(cfg.SessionHeader)
			if current == "" || session.Key(session.KeyShibbolethSession, current) != stored {
				if invErr := invalidate(r.Context(), id); invErr != nil {
					logger.WithError(invErr).WithField("session_id", id).Warn("failed to invalidate inconsistent session")
				} else {
					logger.WithField("session_id", id).Info("upstream session changed, local session terminated")
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
