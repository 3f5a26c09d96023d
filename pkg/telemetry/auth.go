package telemetry

import (
	"crypto/subtle"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tansucloud/tansucloud/pkg/etag"
)

// Session cookie parameters for the admin surface.
const (
	SessionCookieName = "tansu_admin_session"
	SessionTTL        = 8 * time.Hour

	LoginPath = "/admin/login"
)

// Login redirect reason codes.
const (
	ReasonMissingSession    = "MissingSession"
	ReasonInvalidSession    = "InvalidSession"
	ReasonInvalidAuthHeader = "InvalidAuthorizationHeader"
)

// Authenticator validates the static admin API key, presented either as a
// bearer token or as a session cookie minted at login. An empty configured
// key disables all access.
type Authenticator struct {
	key string
	now func() time.Time
}

// NewAuthenticator builds an Authenticator around the configured key.
func NewAuthenticator(key string) *Authenticator {
	return &Authenticator{key: key, now: time.Now}
}

// KeyMatches compares a candidate against the configured key in constant
// time over the UTF-8 bytes.
func (a *Authenticator) KeyMatches(candidate string) bool {
	if a.key == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a.key), []byte(candidate)) == 1
}

// MintSession sets the admin session cookie on a successful login. Secure
// mirrors whether the request itself arrived over TLS.
func (a *Authenticator) MintSession(w http.ResponseWriter, r *http.Request) {
	expires := a.now().Add(SessionTTL).Unix()
	value := strconv.FormatInt(expires, 10) + "." + etag.Sign(a.key, strconv.FormatInt(expires, 10))
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    value,
		Path:     "/admin",
		MaxAge:   int(SessionTTL.Seconds()),
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteStrictMode,
	})
}

// sessionValid checks a cookie value: "expiresUnix.signature" with an
// unexpired timestamp and a matching HMAC.
func (a *Authenticator) sessionValid(value string) bool {
	expStr, sig, ok := strings.Cut(value, ".")
	if !ok {
		return false
	}
	expires, err := strconv.ParseInt(expStr, 10, 64)
	if err != nil || expires < a.now().Unix() {
		return false
	}
	return etag.Verify(a.key, expStr, sig)
}

// Middleware guards admin routes. Failures redirect to the login page with
// a reason code.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth := r.Header.Get("Authorization"); auth != "" {
			token, ok := strings.CutPrefix(auth, "Bearer ")
			if !ok || !a.KeyMatches(strings.TrimSpace(token)) {
				redirectToLogin(w, r, ReasonInvalidAuthHeader)
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		cookie, err := r.Cookie(SessionCookieName)
		if err != nil {
			redirectToLogin(w, r, ReasonMissingSession)
			return
		}
		if !a.sessionValid(cookie.Value) {
			redirectToLogin(w, r, ReasonInvalidSession)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func redirectToLogin(w http.ResponseWriter, r *http.Request, reason string) {
	http.Redirect(w, r, LoginPath+"?reason="+url.QueryEscape(reason), http.StatusFound)
}
