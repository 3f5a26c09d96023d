package telemetry

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func guarded(auth *Authenticator) (http.Handler, *int) {
	calls := 0
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	})
	return auth.Middleware(next), &calls
}

func TestAuthBearerKey(t *testing.T) {
	auth := NewAuthenticator("s3cret")
	h, calls := guarded(auth)

	req := httptest.NewRequest("GET", "/admin/envelopes", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, *calls)
}

func TestAuthInvalidBearerRedirects(t *testing.T) {
	auth := NewAuthenticator("s3cret")
	h, calls := guarded(auth)

	req := httptest.NewRequest("GET", "/admin/envelopes", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Contains(t, rec.Header().Get("Location"), "reason="+ReasonInvalidAuthHeader)
	assert.Equal(t, 0, *calls)
}

func TestAuthMissingSessionRedirects(t *testing.T) {
	auth := NewAuthenticator("s3cret")
	h, _ := guarded(auth)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/admin/envelopes", nil))

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Contains(t, rec.Header().Get("Location"), "reason="+ReasonMissingSession)
}

func TestAuthSessionCookieRoundTrip(t *testing.T) {
	auth := NewAuthenticator("s3cret")

	rec := httptest.NewRecorder()
	auth.MintSession(rec, httptest.NewRequest("POST", "/admin/login", nil))

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	cookie := cookies[0]
	assert.Equal(t, SessionCookieName, cookie.Name)
	assert.True(t, cookie.HttpOnly)
	assert.False(t, cookie.Secure)
	assert.Equal(t, http.SameSiteStrictMode, cookie.SameSite)
	assert.Equal(t, int(SessionTTL.Seconds()), cookie.MaxAge)

	h, calls := guarded(auth)
	req := httptest.NewRequest("GET", "/admin/envelopes", nil)
	req.AddCookie(cookie)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, *calls)
}

func TestAuthTamperedSessionRedirects(t *testing.T) {
	auth := NewAuthenticator("s3cret")
	h, _ := guarded(auth)

	req := httptest.NewRequest("GET", "/admin/envelopes", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "9999999999.deadbeef"})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Contains(t, rec.Header().Get("Location"), "reason="+ReasonInvalidSession)
}

func TestAuthExpiredSessionRedirects(t *testing.T) {
	auth := NewAuthenticator("s3cret")

	rec := httptest.NewRecorder()
	auth.MintSession(rec, httptest.NewRequest("POST", "/admin/login", nil))
	cookie := rec.Result().Cookies()[0]

	auth.now = func() time.Time { return time.Now().Add(SessionTTL + time.Minute) }
	h, _ := guarded(auth)
	req := httptest.NewRequest("GET", "/admin/envelopes", nil)
	req.AddCookie(cookie)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Contains(t, rec.Header().Get("Location"), "reason="+ReasonInvalidSession)
}

func TestAuthEmptyKeyDeniesEverything(t *testing.T) {
	auth := NewAuthenticator("")
	assert.False(t, auth.KeyMatches(""))
	assert.False(t, auth.KeyMatches("anything"))
}
