package api

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/devserver/internal/auth"
)

// maxRequestBodySize caps request bodies, RPC envelopes included.
const maxRequestBodySize = 1 << 20

// maxRequestIDLen bounds a client-supplied X-Request-ID before it is
// echoed and logged.
const maxRequestIDLen = 64

type ctxKey struct{}

// requestInfo travels in the request context. Outer middleware creates
// it; authentication fills in the caller so the access log can name them.
type requestInfo struct {
	id     string
	claims *auth.Claims
}

func infoOf(ctx context.Context) *requestInfo {
	ri, _ := ctx.Value(ctxKey{}).(*requestInfo)
	return ri
}

// claimsOf returns the verified token claims of the request, or nil.
func claimsOf(ctx context.Context) *auth.Claims {
	if ri := infoOf(ctx); ri != nil {
		return ri.claims
	}
	return nil
}

func requestIDFrom(r *http.Request) string {
	id := r.Header.Get("X-Request-ID")
	if id == "" || len(id) > maxRequestIDLen || strings.ContainsAny(id, "\r\n") {
		return uuid.NewString()
	}
	return id
}

// observe tags the request with an id, limits the body, recovers panics
// and writes one access log line per request.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ri := &requestInfo{id: requestIDFrom(r)}
		w.Header().Set("X-Request-ID", ri.id)
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		}

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		defer func() {
			if p := recover(); p != nil {
				s.logger.Error("panic in HTTP handler",
					"panic", p, "method", r.Method, "path", r.URL.Path, "request_id", ri.id)
				if !sw.wrote {
					writeInternalError(sw, "internal server error")
				}
				sw.status = http.StatusInternalServerError
			}
			s.logRequest(r, ri, sw.status, time.Since(start))
		}()

		next.ServeHTTP(sw, r.WithContext(context.WithValue(r.Context(), ctxKey{}, ri)))
	})
}

func (s *Server) logRequest(r *http.Request, ri *requestInfo, status int, took time.Duration) {
	args := []any{
		"method", r.Method,
		"path", r.URL.Path,
		"status", status,
		"duration_ms", took.Milliseconds(),
		"request_id", ri.id,
	}
	if ri.claims != nil {
		args = append(args, "subject", ri.claims.Subject, "role", ri.claims.Role)
	}
	if status >= http.StatusInternalServerError {
		s.logger.Warn("http request failed", args...)
		return
	}
	s.logger.Debug("http request", args...)
}

// authEnabled reports whether bearer tokens are required.
func (s *Server) authEnabled() bool {
	return s.secCfg.JWT.Secret != ""
}

// authenticate verifies the bearer token of protected routes. Without a
// configured secret every request passes unauthenticated.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authEnabled() {
			next.ServeHTTP(w, r)
			return
		}

		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			writeUnauthorized(w, "bearer token required")
			return
		}
		claims, err := auth.ParseToken(token, s.secCfg.JWT.Secret)
		if err != nil {
			writeUnauthorized(w, "invalid or expired token")
			return
		}

		ri := infoOf(r.Context())
		if ri == nil {
			ri = &requestInfo{}
			r = r.WithContext(context.WithValue(r.Context(), ctxKey{}, ri))
		}
		ri.claims = claims
		next.ServeHTTP(w, r)
	})
}

// require rejects requests whose token role lacks perm.
func (s *Server) require(perm auth.Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.authEnabled() {
				claims := claimsOf(r.Context())
				if claims == nil || !auth.HasPermission(claims.Role, perm) {
					writeForbidden(w, "permission "+string(perm)+" required")
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// statusWriter records the response status for the access log.
type statusWriter struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.wrote = true
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wrote = true
	return w.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack lets the WebSocket upgrader take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	w.wrote = true
	return h.Hijack()
}
