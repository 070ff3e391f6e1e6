package acme

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/selfcloud/selfcloud/app/store"
)

// renewBefore is how long before expiration a certificate gets reissued,
// 5 days leaves room for several retry rounds
const renewBefore = 5 * 24 * time.Hour

// sweepRenewals reissues certificates for provisioned domains close to expiry.
// Renewal happens in place: the ssl state never changes, the domain keeps
// routing through its real peer on the old pair and the sink entry together
// with the pems is swapped once the replacement order completes. A failed
// renewal keeps the old certificate and retries on the next sweep.
func (p *Provisioner) sweepRenewals(ctx context.Context) {
	for _, domain := range p.renewalsDue() {
		if err := p.obtain(ctx, domain); err != nil {
			log.Printf("[WARN] renewal for %s failed, kept on the old certificate: %v", domain, err)
			continue
		}
		log.Printf("[INFO] certificate for %s renewed", domain)
	}
}

// renewalsDue lists provisioned domains whose certificate approaches expiry.
// A missing or unreadable pem counts as due, reissue heals it. Domains
// claimed by an in-flight order are left alone.
func (p *Provisioner) renewalsDue() []string {
	var due []string
	for _, d := range p.Registry.ListDomains() {
		if d.SSL != store.SSLProvisioned {
			continue
		}
		expiry, err := certExpiry(filepath.Join(p.domainDir(d.Name), "cert.pem"))
		if err != nil {
			log.Printf("[WARN] can't read certificate for %s, due for reissue: %v", d.Name, err)
			due = append(due, d.Name)
			continue
		}
		if left := time.Until(expiry); left < renewBefore {
			log.Printf("[INFO] certificate for %s expires in %v, due for renewal", d.Name, left)
			due = append(due, d.Name)
		}
	}
	return due
}

// certExpiry reads the leaf expiration from a pem chain file
func certExpiry(certPath string) (time.Time, error) {
	b, err := os.ReadFile(filepath.Clean(certPath))
	if err != nil {
		return time.Time{}, err
	}

	der, _ := pem.Decode(b)
	if der == nil {
		return time.Time{}, fmt.Errorf("no pem block in %s", certPath)
	}

	cert, err := x509.ParseCertificate(der.Bytes)
	if err != nil {
		return time.Time{}, err
	}

	return cert.NotAfter, nil
}
