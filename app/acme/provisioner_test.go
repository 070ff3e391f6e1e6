package acme

import (
	"context"
	"crypto/x509"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/selfcloud/selfcloud/app/acme/acmetest"
	"github.com/selfcloud/selfcloud/app/store"
)

func TestProvisioner_Run(t *testing.T) {
	challenges := NewChallenges()
	challengeSrv := httptest.NewServer(challenges)
	defer challengeSrv.Close()

	target, err := url.Parse(challengeSrv.URL)
	require.NoError(t, err)

	// verification requests go to the local challenge server instead of
	// the order's domain
	ca := acmetest.NewACMEServer(t, acmetest.ModifyRequest(func(r *http.Request) {
		r.URL.Scheme = target.Scheme
		r.URL.Host = target.Host
	}))

	home := t.TempDir()
	certs := NewCertStore()
	registry := store.New(home, certs)

	p, err := registry.AddProject("web", store.ProjectKind{PortForward: &store.PortForward{Port: 3000}})
	require.NoError(t, err)
	_, err = registry.AddDomain(p.ID, "app.example.com")
	require.NoError(t, err)

	prov := &Provisioner{
		Registry:     registry,
		Certs:        certs,
		Challenges:   challenges,
		Home:         home,
		DirectoryURL: ca.URL(),
		Interval:     10 * time.Millisecond,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = prov.Run(ctx) }()

	require.Eventually(t, func() bool {
		st, ok := registry.GetDomain("app.example.com")
		return ok && st.SSL == store.SSLProvisioned
	}, 10*time.Second, 25*time.Millisecond, "domain should become provisioned")

	cert, ok := certs.Get("app.example.com")
	require.True(t, ok, "certificate should be in the sni store")
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	assert.Contains(t, leaf.DNSNames, "app.example.com")

	assert.FileExists(t, filepath.Join(home, "certificates", "app.example.com", "cert.pem"))
	assert.FileExists(t, filepath.Join(home, "certificates", "app.example.com", "key.pem"))
	assert.FileExists(t, filepath.Join(home, accountFile))

	challenges.lock.RLock()
	assert.Empty(t, challenges.tokens, "tokens should be withdrawn after the order")
	challenges.lock.RUnlock()
}

func TestProvisioner_FailedOrderResetsDomain(t *testing.T) {
	// no ModifyRequest, the verification fetch goes to the order's domain
	// and fails to resolve
	ca := acmetest.NewACMEServer(t)

	home := t.TempDir()
	certs := NewCertStore()
	registry := store.New(home, certs)

	p, err := registry.AddProject("web", store.ProjectKind{PortForward: &store.PortForward{Port: 3000}})
	require.NoError(t, err)
	_, err = registry.AddDomain(p.ID, "fail.invalid")
	require.NoError(t, err)

	prov := &Provisioner{
		Registry:     registry,
		Certs:        certs,
		Challenges:   NewChallenges(),
		Home:         home,
		DirectoryURL: ca.URL(),
	}

	ctx := context.Background()
	require.NoError(t, prov.ensureAccount(ctx))

	domain, ok := registry.ClaimProvisioning()
	require.True(t, ok)
	require.Equal(t, "fail.invalid", domain)

	prov.provision(ctx, domain)

	st, ok := registry.GetDomain("fail.invalid")
	require.True(t, ok)
	assert.Equal(t, store.SSLNotProvisioned, st.SSL, "failed domain should be reset for a later retry")
	_, hasCert := certs.Get("fail.invalid")
	assert.False(t, hasCert)
	assert.NoFileExists(t, filepath.Join(home, "certificates", "fail.invalid", "cert.pem"))
}

func TestProvisioner_EnsureAccount(t *testing.T) {
	ca := acmetest.NewACMEServer(t)
	home := t.TempDir()

	prov := &Provisioner{Home: home, DirectoryURL: ca.URL(), Email: "admin@example.com"}
	require.NoError(t, prov.ensureAccount(context.Background()))
	require.NotNil(t, prov.client)

	st, err := loadAccountState(filepath.Join(home, accountFile))
	require.NoError(t, err)
	assert.Contains(t, st.URI, "/account/")
	assert.Contains(t, st.Key, "PRIVATE KEY")

	key, err := parseAccountKey(st.Key)
	require.NoError(t, err)
	assert.NotNil(t, key.Public())

	// second provisioner with the same home picks the stored account up
	// without any CA call, the dead directory url proves it
	again := &Provisioner{Home: home, DirectoryURL: "http://127.0.0.1:1/directory"}
	require.NoError(t, again.ensureAccount(context.Background()))
	require.NotNil(t, again.client)
}

func TestProvisioner_EnsureAccountRecoversExisting(t *testing.T) {
	ca := acmetest.NewACMEServer(t)
	home := t.TempDir()

	first := &Provisioner{Home: home, DirectoryURL: ca.URL()}
	require.NoError(t, first.ensureAccount(context.Background()))

	// losing account.json forces a re-register, the CA reports the key
	// conflict and the account is recovered instead
	require.NoError(t, os.Remove(filepath.Join(home, accountFile)))

	second := &Provisioner{Home: home, DirectoryURL: ca.URL()}
	require.NoError(t, second.ensureAccount(context.Background()))
	require.NotNil(t, second.client)
	assert.FileExists(t, filepath.Join(home, accountFile))
}

func TestProvisioner_EnsureAccountBrokenState(t *testing.T) {
	home := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(home, accountFile), []byte("not json"), 0o600))

	prov := &Provisioner{Home: home, DirectoryURL: "http://127.0.0.1:1/directory"}
	err := prov.ensureAccount(context.Background())
	require.Error(t, err)
}
