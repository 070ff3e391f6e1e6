package acme

import (
	"net/http"
	"strings"
	"sync"

	log "github.com/go-pkgz/lgr"
)

// ChallengePath is the well-known prefix http-01 validators fetch over plain http
const ChallengePath = "/.well-known/acme-challenge/"

// Challenges holds key authorizations for in-flight http-01 challenges and
// serves them to the CA validator. Tokens are published right before the
// challenge is accepted and withdrawn when the order completes either way.
type Challenges struct {
	tokens map[string]string
	lock   sync.RWMutex
}

// NewChallenges makes an empty challenge set
func NewChallenges() *Challenges {
	return &Challenges{tokens: map[string]string{}}
}

// Put publishes the key authorization for a token
func (c *Challenges) Put(token, keyAuth string) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.tokens[token] = keyAuth
}

// Remove withdraws a published token
func (c *Challenges) Remove(token string) {
	c.lock.Lock()
	defer c.lock.Unlock()
	delete(c.tokens, token)
}

// IsChallenge reports whether the request is an http-01 validation probe
func (c *Challenges) IsChallenge(r *http.Request) bool {
	return strings.HasPrefix(r.URL.Path, ChallengePath)
}

// ServeHTTP responds with the key authorization for the requested token,
// 404 for tokens never published or already withdrawn
func (c *Challenges) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.URL.Path, ChallengePath)

	c.lock.RLock()
	keyAuth, ok := c.tokens[token]
	c.lock.RUnlock()

	if !ok {
		log.Printf("[DEBUG] no pending challenge for token %q", token)
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte(keyAuth))
}
