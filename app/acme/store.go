package acme

import (
	"crypto/tls"
	"fmt"
	"sync"

	"github.com/selfcloud/selfcloud/app/store"
)

// CertStore keeps issued certificates in memory for sni selection. The
// registry fills it with pairs found on disk, the provisioner with freshly
// issued ones. Lookups are by normalized domain name.
type CertStore struct {
	certs map[string]*tls.Certificate
	lock  sync.RWMutex
}

// NewCertStore makes an empty certificate store
func NewCertStore() *CertStore {
	return &CertStore{certs: map[string]*tls.Certificate{}}
}

// Set stores the certificate for a domain, replacing the previous one
func (c *CertStore) Set(domain string, cert *tls.Certificate) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.certs[store.NormalizeDomain(domain)] = cert
}

// Remove drops the certificate for a domain
func (c *CertStore) Remove(domain string) {
	c.lock.Lock()
	defer c.lock.Unlock()
	delete(c.certs, store.NormalizeDomain(domain))
}

// Get returns the certificate for a domain
func (c *CertStore) Get(domain string) (*tls.Certificate, bool) {
	c.lock.RLock()
	defer c.lock.RUnlock()
	cert, ok := c.certs[store.NormalizeDomain(domain)]
	return cert, ok
}

// GetCertificate picks the certificate matching the sni name from the client
// hello, used as the tls.Config callback. Handshakes for unknown names fail.
func (c *CertStore) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	cert, ok := c.Get(hello.ServerName)
	if !ok {
		return nil, fmt.Errorf("no certificate for %q", hello.ServerName)
	}
	return cert, nil
}
