package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"crypto/rand"
	"encoding/hex"

	"github.com/byee4/django-globus-portal-framework/internal/observability/logging"
)

type idGenerator func() string

// requestIDMiddleware tags each request with an id, honouring one supplied
// by an upstream proxy, and stores a request-scoped logger on the context.
// The first path segment is recorded as the index slug when it matches a
// configured index.
func requestIDMiddleware(logger *slog.Logger, indexSlug func(string) string, next http.Handler) http.Handler {
	return requestIDMiddlewareWithGenerator(logger, indexSlug, newRequestID, next)
}

func requestIDMiddlewareWithGenerator(logger *slog.Logger, indexSlug func(string) string, generator idGenerator, next http.Handler) http.Handler {
	if generator == nil {
		generator = newRequestID
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get("X-Request-Id"))
		if requestID == "" {
			requestID = generator()
		}

		ctx := logging.ContextWithRequestID(r.Context(), requestID)
		if indexSlug != nil {
			if slug := indexSlug(r.URL.Path); slug != "" {
				ctx = logging.ContextWithIndex(ctx, slug)
			}
		}
		ctxLogger := logging.WithContext(ctx, logger)
		ctx = logging.ContextWithLogger(ctx, ctxLogger)

		if requestID != "" {
			w.Header().Set("X-Request-Id", requestID)
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func newRequestID() string {
	var buffer [16]byte
	if _, err := rand.Read(buffer[:]); err == nil {
		return hex.EncodeToString(buffer[:])
	}
	return fmt.Sprintf("%d", time.Now().UnixNano())
}
