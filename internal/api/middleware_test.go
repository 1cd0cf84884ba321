package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/devserver/internal/auth"
	"github.com/nerrad567/devserver/internal/infrastructure/config"
	"github.com/nerrad567/devserver/internal/infrastructure/logging"
)

func bareServer(secret string) *Server {
	var sec config.SecurityConfig
	sec.JWT.Secret = secret
	return &Server{logger: logging.Discard(), secCfg: sec}
}

func TestObserve_RecoversPanic(t *testing.T) {
	s := bareServer("")
	h := s.observe(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, ErrCodeInternal, decode[Error](t, rec.Body.Bytes()).Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestObserve_RequestID(t *testing.T) {
	s := bareServer("")
	var seen string
	h := s.observe(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = infoOf(r.Context()).id
	}))

	for name, tc := range map[string]struct {
		header string
		keep   bool
	}{
		"kept":      {"req-7", true},
		"too long":  {strings.Repeat("x", maxRequestIDLen+1), false},
		"injection": {"a\nb", false},
		"missing":   {"", false},
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/x", nil)
			if tc.header != "" {
				req.Header.Set("X-Request-ID", tc.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			got := rec.Header().Get("X-Request-ID")
			assert.Equal(t, seen, got)
			if tc.keep {
				assert.Equal(t, tc.header, got)
			} else {
				assert.Len(t, got, 36, "generated uuid")
			}
		})
	}
}

func TestAuthenticate_SharesClaimsWithAccessLog(t *testing.T) {
	s := bareServer(testSecret)
	var ri *requestInfo
	h := s.observe(s.authenticate(s.require(auth.PermDeviceRead)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ri = infoOf(r.Context())
			w.WriteHeader(http.StatusNoContent)
		}))))

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Authorization", "Bearer "+token(t, auth.RoleViewer))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, ri)
	require.NotNil(t, ri.claims)
	assert.Equal(t, "tester", ri.claims.Subject)
	assert.Equal(t, auth.RoleViewer, ri.claims.Role)
}

func TestRequire_WithoutAuthentication(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })

	rec := httptest.NewRecorder()
	bareServer("").require(auth.PermAuditRead)(ok).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code, "open server")

	rec = httptest.NewRecorder()
	bareServer(testSecret).require(auth.PermAuditRead)(ok).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code, "no claims")
}
