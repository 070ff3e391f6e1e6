package mgmt

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
	siv "github.com/secure-io/siv-go"

	"github.com/selfcloud/selfcloud/app/store"
)

const sessionCookie = "sessionId"

// Auth validates session cookies minted by the web frontend. The cookie value
// is url-safe base64 of ciphertext||nonce sealed with aes-256-gcm-siv under a
// shared 32 byte key, the claims inside are {email, expiry}, expiry optional.
// This side only validates, there is no login endpoint here.
type Auth struct {
	aead  cipher.AEAD
	users map[string]store.UserRecord
}

type sessionClaims struct {
	Email  string    `json:"email"`
	Expiry time.Time `json:"expiry"`
}

// NewAuth builds the session validator from the hex-encoded key and the
// users.json records
func NewAuth(hexKey string, users map[string]store.UserRecord) (*Auth, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("session key is not hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("session key has to be 32 bytes, got %d", len(key))
	}
	aead, err := siv.NewGCM(key)
	if err != nil {
		return nil, fmt.Errorf("failed to make session cipher: %w", err)
	}
	return &Auth{aead: aead, users: users}, nil
}

// Middleware guards the api routes with the session cookie. Image intake is
// excluded, it carries its own per-project upload token. Anything outside
// /api/v1 (placeholder, metrics, health) passes through.
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/v1") || r.URL.Path == "/api/v1/image" {
			next.ServeHTTP(w, r)
			return
		}

		cookie, err := r.Cookie(sessionCookie)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		claims, err := a.decode(cookie.Value)
		if err != nil {
			log.Printf("[WARN] rejected session cookie from %s, %v", r.RemoteAddr, err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if _, ok := a.users[strings.ToLower(claims.Email)]; !ok {
			log.Printf("[WARN] session for unknown user %s from %s", claims.Email, r.RemoteAddr)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		// expired session means unauthenticated, same as no cookie at all.
		// Claims without an expiry never expire.
		if !claims.Expiry.IsZero() && claims.Expiry.Before(time.Now()) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// decode unwraps url-safe base64 of ciphertext||nonce and opens the claims.
// Padded and unpadded encodings are both accepted.
func (a *Auth) decode(value string) (sessionClaims, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(value, "="))
	if err != nil {
		return sessionClaims{}, fmt.Errorf("bad cookie encoding: %w", err)
	}
	ns := a.aead.NonceSize()
	if len(raw) < ns {
		return sessionClaims{}, fmt.Errorf("cookie value too short, %d bytes", len(raw))
	}

	ciphertext, nonce := raw[:len(raw)-ns], raw[len(raw)-ns:]
	plain, err := a.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return sessionClaims{}, fmt.Errorf("cookie decryption failed: %w", err)
	}

	var claims sessionClaims
	if err := json.Unmarshal(plain, &claims); err != nil {
		return sessionClaims{}, fmt.Errorf("bad session claims: %w", err)
	}
	return claims, nil
}

// encode seals claims the way the frontend does, tests mint cookies with it
func (a *Auth) encode(claims sessionClaims) (string, error) {
	plain, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("failed to marshal claims: %w", err)
	}
	nonce := make([]byte, a.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to make nonce: %w", err)
	}
	ciphertext := a.aead.Seal(nil, nonce, plain, nil)
	return base64.RawURLEncoding.EncodeToString(append(ciphertext, nonce...)), nil
}
