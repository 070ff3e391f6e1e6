// Package acme provisions tls certificates for registered domains with the
// http-01 flow and keeps them available for sni selection on the tls listener.
package acme

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/repeater/v2"
	"golang.org/x/crypto/acme"

	"github.com/selfcloud/selfcloud/app/store"
)

// letsencrypt v2 directory endpoints
const (
	LetsEncryptProduction = "https://acme-v02.api.letsencrypt.org/directory"
	LetsEncryptStaging    = "https://acme-staging-v02.api.letsencrypt.org/directory"
)

// Registry hands out domains waiting for a certificate and records the
// outcome. Claiming flips the domain to provisioning atomically so two
// workers can't run the same order.
type Registry interface {
	ClaimProvisioning() (domain string, ok bool)
	SetSSLState(domain string, ssl store.SSLState) error
	ListDomains() []store.DomainInfo
}

// Provisioner drives certificate issuance. Every poll interval it claims at
// most one waiting domain and runs the order in a background worker, writing
// the issued pair under {home}/certificates/{domain} and pushing the parsed
// certificate to the sink before the domain is reported provisioned.
// Certificates approaching expiry are reissued in place, the domain stays
// provisioned and keeps serving on the old pair until the swap.
type Provisioner struct {
	Registry      Registry
	Certs         store.CertSink
	Challenges    *Challenges
	Home          string
	DirectoryURL  string
	Email         string
	Interval      time.Duration
	RenewInterval time.Duration // how often to check provisioned domains for upcoming expiry

	client *acme.Client
}

// errOrderFailed marks an order the CA moved to invalid, no point polling further
var errOrderFailed = errors.New("order failed")

// Run prepares the acme account and starts the provisioning loop. Blocks
// until the context is canceled. Failure to get the account is terminal,
// without it no order can be placed.
func (p *Provisioner) Run(ctx context.Context) error {
	if err := p.ensureAccount(ctx); err != nil {
		return fmt.Errorf("failed to prepare acme account: %w", err)
	}

	interval := p.Interval
	if interval == 0 {
		interval = 5 * time.Second
	}
	renewEvery := p.RenewInterval
	if renewEvery == 0 {
		renewEvery = 12 * time.Hour
	}
	log.Printf("[INFO] acme provisioner activated, directory %s, interval %v, renewal check every %v",
		p.DirectoryURL, interval, renewEvery)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	renew := time.NewTicker(renewEvery)
	defer renew.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			domain, ok := p.Registry.ClaimProvisioning()
			if !ok {
				continue
			}
			go p.provision(ctx, domain)
		case <-renew.C:
			p.sweepRenewals(ctx)
		}
	}
}

// provision runs the order for a single claimed domain. Any failure flips the
// domain back to not provisioned so a later tick retries from scratch.
func (p *Provisioner) provision(ctx context.Context, domain string) {
	log.Printf("[INFO] provisioning certificate for %s", domain)
	if err := p.obtain(ctx, domain); err != nil {
		log.Printf("[WARN] certificate for %s failed, %v", domain, err)
		if e := p.Registry.SetSSLState(domain, store.SSLNotProvisioned); e != nil {
			log.Printf("[WARN] failed to reset ssl state for %s, %v", domain, e)
		}
		return
	}
	if err := p.Registry.SetSSLState(domain, store.SSLProvisioned); err != nil {
		log.Printf("[WARN] failed to mark %s provisioned, %v", domain, err)
	}
}

// obtain runs the complete http-01 order: authorize, solve challenges, poll
// the order to ready, finalize with a fresh key and store the result. The
// certificate reaches the sink strictly after the pem pair is on disk.
func (p *Provisioner) obtain(ctx context.Context, domain string) error {
	order, err := p.client.AuthorizeOrder(ctx, acme.DomainIDs(domain))
	if err != nil {
		return fmt.Errorf("failed to authorize order: %w", err)
	}

	tokens, solveErr := p.solveAuthorizations(ctx, order)
	defer func() {
		for _, t := range tokens {
			p.Challenges.Remove(t)
		}
	}()
	if solveErr != nil {
		return solveErr
	}

	if order, err = p.waitOrder(ctx, order.URI); err != nil {
		return err
	}

	certKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate certificate key: %w", err)
	}
	csr, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: domain},
		DNSNames: []string{domain},
	}, certKey)
	if err != nil {
		return fmt.Errorf("failed to make csr: %w", err)
	}

	ders, _, err := p.client.CreateOrderCert(ctx, order.FinalizeURL, csr, true)
	if err != nil {
		return fmt.Errorf("failed to finalize order: %w", err)
	}

	if err := p.writeCertificates(domain, certKey, ders); err != nil {
		return err
	}

	dir := p.domainDir(domain)
	cert, err := tls.LoadX509KeyPair(filepath.Join(dir, "cert.pem"), filepath.Join(dir, "key.pem"))
	if err != nil {
		return fmt.Errorf("failed to load written pair for %s: %w", domain, err)
	}
	p.Certs.Set(domain, &cert)
	log.Printf("[INFO] certificate for %s issued", domain)
	return nil
}

// solveAuthorizations publishes http-01 key authorizations for all pending
// authorizations of the order and accepts the challenges. Returns published
// tokens so the caller can withdraw them when the order completes.
func (p *Provisioner) solveAuthorizations(ctx context.Context, order *acme.Order) ([]string, error) {
	var tokens []string
	for _, authzURL := range order.AuthzURLs {
		authz, err := p.client.GetAuthorization(ctx, authzURL)
		if err != nil {
			return tokens, fmt.Errorf("failed to get authorization: %w", err)
		}
		if authz.Status == acme.StatusValid {
			continue
		}

		var chal *acme.Challenge
		for _, c := range authz.Challenges {
			if c.Type == "http-01" {
				chal = c
				break
			}
		}
		if chal == nil {
			return tokens, fmt.Errorf("no http-01 challenge offered for %s", authz.Identifier.Value)
		}

		keyAuth, err := p.client.HTTP01ChallengeResponse(chal.Token)
		if err != nil {
			return tokens, fmt.Errorf("failed to make key authorization: %w", err)
		}

		// publish before accepting, the CA may probe immediately
		p.Challenges.Put(chal.Token, keyAuth)
		tokens = append(tokens, chal.Token)

		if _, err = p.client.Accept(ctx, chal); err != nil {
			return tokens, fmt.Errorf("failed to accept challenge: %w", err)
		}
	}
	return tokens, nil
}

// waitOrder polls the order until the CA validates the challenges, with
// exponential backoff starting at 250ms. An order gone invalid terminates
// polling right away.
func (p *Provisioner) waitOrder(ctx context.Context, url string) (*acme.Order, error) {
	var order *acme.Order
	poll := repeater.NewBackoff(20, 250*time.Millisecond, repeater.WithBackoffType(repeater.BackoffExponential))
	err := poll.Do(ctx, func() error {
		o, e := p.client.GetOrder(ctx, url)
		if e != nil {
			return e
		}
		switch o.Status {
		case acme.StatusReady, acme.StatusValid:
			order = o
			return nil
		case acme.StatusInvalid:
			return fmt.Errorf("%w: %s", errOrderFailed, url)
		}
		return fmt.Errorf("order %s still %s", url, o.Status)
	}, errOrderFailed)
	if err != nil {
		return nil, fmt.Errorf("order not ready: %w", err)
	}
	return order, nil
}

// writeCertificates stores the issued chain and its key under the domain
// directory, chain as a sequence of pem blocks, key in pkcs8
func (p *Provisioner) writeCertificates(domain string, key *ecdsa.PrivateKey, ders [][]byte) error {
	dir := p.domainDir(domain)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to make %s: %w", dir, err)
	}

	keyOut, err := os.OpenFile(filepath.Join(dir, "key.pem"), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	pkb, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("failed to marshal private key: %w", err)
	}
	if err = pem.Encode(keyOut, &pem.Block{Type: "PRIVATE KEY", Bytes: pkb}); err != nil {
		return fmt.Errorf("failed to encode private key: %w", err)
	}
	if err = keyOut.Close(); err != nil {
		return fmt.Errorf("failed to close key.pem: %w", err)
	}

	certOut, err := os.OpenFile(filepath.Join(dir, "cert.pem"), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	for _, der := range ders {
		if err = pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: der}); err != nil {
			return fmt.Errorf("failed to encode certificate: %w", err)
		}
	}
	if err = certOut.Close(); err != nil {
		return fmt.Errorf("failed to close cert.pem: %w", err)
	}

	log.Printf("[INFO] wrote certificate for %s to %s", domain, dir)
	return nil
}

func (p *Provisioner) domainDir(domain string) string {
	return filepath.Join(p.Home, "certificates", domain)
}
