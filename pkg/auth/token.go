package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// SessionTTL is how long an issued session token stays valid.
const SessionTTL = 7 * 24 * time.Hour

// SessionCookie is the cookie name carrying the session token.
const SessionCookie = "orchard_session"

// tokenKeyLabel turns the stored password hash into a signing key; rotating
// the password invalidates every outstanding session.
var tokenKeyLabel = []byte("orchard-session-key-v1")

type tokenPayload struct {
	Exp int64 `json:"exp"`
}

// SessionKey derives the token signing key from the stored password hash.
func SessionKey(passwordHash string) []byte {
	mac := hmac.New(sha256.New, tokenKeyLabel)
	mac.Write([]byte(passwordHash))
	return mac.Sum(nil)
}

// IssueToken signs a session token expiring SessionTTL from now.
func IssueToken(key []byte, now time.Time) (string, error) {
	payload, err := json.Marshal(tokenPayload{Exp: now.Add(SessionTTL).Unix()})
	if err != nil {
		return "", fmt.Errorf("auth: failed to encode token payload: %w", err)
	}

	body := base64.RawURLEncoding.EncodeToString(payload)
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(body))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return body + "." + sig, nil
}

// ValidateToken checks the signature and expiry of a session token.
func ValidateToken(key []byte, token string, now time.Time) bool {
	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 {
		return false
	}

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(parts[0]))
	want := mac.Sum(nil)
	got, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil || !hmac.Equal(want, got) {
		return false
	}

	raw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return false
	}
	var payload tokenPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return false
	}
	return now.Unix() < payload.Exp
}

// SessionCookieFor builds the session cookie. Secure and SameSite=Strict are
// relaxed only when the request host is literally localhost, so local
// development over plain HTTP still works.
func SessionCookieFor(token string, requestHost string, now time.Time) *http.Cookie {
	local := isLocalhost(requestHost)

	cookie := &http.Cookie{
		Name:     SessionCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   !local,
		SameSite: http.SameSiteStrictMode,
		Expires:  now.Add(SessionTTL),
	}
	if local {
		cookie.SameSite = http.SameSiteLaxMode
	}
	return cookie
}

// ClearSessionCookie builds an expired cookie that removes the session.
func ClearSessionCookie(requestHost string) *http.Cookie {
	cookie := SessionCookieFor("", requestHost, time.Unix(0, 0))
	cookie.MaxAge = -1
	return cookie
}

func isLocalhost(host string) bool {
	if i := strings.LastIndex(host, ":"); i >= 0 && !strings.Contains(host[i:], "]") {
		host = host[:i]
	}
	return host == "localhost"
}
