package proxy

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/selfcloud/selfcloud/app/acme"
	"github.com/selfcloud/selfcloud/app/mgmt"
	"github.com/selfcloud/selfcloud/app/store"
)

func TestGateway_Run(t *testing.T) {
	ds := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Logf("req: %v", r)
		assert.Equal(t, "127.0.0.1", r.Header.Get("X-Real-IP"))
		assert.Equal(t, "site.example.com", r.Header.Get("X-Forwarded-Host"))
		assert.Equal(t, "https", r.Header.Get("X-Forwarded-Proto"))
		assert.NotEmpty(t, r.Header.Get("X-Forwarded-For"))
		w.Header().Add("h1", "v1")
		fmt.Fprintf(w, "response %s", r.URL.String())
	}))
	defer ds.Close()

	certs := acme.NewCertStore()
	svc := store.New(t.TempDir(), certs)
	proj, err := svc.AddProject("site", store.ProjectKind{PortForward: &store.PortForward{Port: backendPort(t, ds)}})
	require.NoError(t, err)
	_, err = svc.AddDomain(proj.ID, "site.example.com")
	require.NoError(t, err)
	require.NoError(t, svc.SetSSLState("site.example.com", store.SSLProvisioned))
	certs.Set("site.example.com", makeTestCertificate(t, "site.example.com"))

	httpPort, httpsPort := chooseRandomUnusedPort(t), chooseRandomUnusedPort(t)
	gw := Gateway{
		Registry:   svc,
		Certs:      certs,
		Challenges: acme.NewChallenges(),
		HTTPAddr:   fmt.Sprintf("127.0.0.1:%d", httpPort),
		HTTPSAddr:  fmt.Sprintf("127.0.0.1:%d", httpsPort),
		Timeouts:   Timeouts{ResponseHeader: 200 * time.Millisecond},
		AccessLog:  io.Discard,
		Signature:  true,
		Version:    "test",
		Metrics:    mgmt.NewMetrics(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- gw.Run(ctx)
	}()
	waitForListener(t, gw.HTTPAddr)
	waitForListener(t, gw.HTTPSAddr)

	client := http.Client{Transport: &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true, ServerName: "site.example.com"}, //nolint:gosec // test client
	}}

	{ // https routed to the backend with forwarding headers injected
		req, err := http.NewRequest("GET", fmt.Sprintf("https://127.0.0.1:%d/hello?x=1", httpsPort), http.NoBody)
		require.NoError(t, err)
		req.Host = "site.example.com"
		resp, err := client.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, "response /hello?x=1", string(body))
		assert.Equal(t, "selfcloud", resp.Header.Get("App-Name"))
		assert.Equal(t, "v1", resp.Header.Get("h1"))
	}

	{ // plaintext hit on a provisioned domain is moved to https for good
		noRedirects := http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}}
		req, err := http.NewRequest("GET", fmt.Sprintf("http://127.0.0.1:%d/hello?x=1", httpPort), http.NoBody)
		require.NoError(t, err)
		req.Host = "site.example.com"
		resp, err := noRedirects.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusPermanentRedirect, resp.StatusCode)
		assert.Equal(t, "https://site.example.com/hello?x=1", resp.Header.Get("Location"))
		assert.Equal(t, "0", resp.Header.Get("Content-Length"))

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Empty(t, body)
	}

	{ // host nobody registered
		resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/hello", httpPort))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, http.ErrServerClosed)
	case <-time.After(time.Second * 5):
		t.Fatal("gateway did not stop")
	}
}

func TestGateway_RoutingContainerAndProvisioning(t *testing.T) {
	ds := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "app response %s", r.URL.String())
	}))
	defer ds.Close()
	placeholder := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "provisioning placeholder")
	}))
	defer placeholder.Close()

	svc := store.New(t.TempDir(), acme.NewCertStore())

	app, err := svc.AddProject("app", store.ProjectKind{Container: &store.Container{
		ExposedPorts: []store.ExposedPort{{ContainerPort: 3000, Domains: []string{"app.example.com"}}},
	}})
	require.NoError(t, err)
	_, err = svc.AddDomain(app.ID, "app.example.com")
	require.NoError(t, err)
	require.NoError(t, svc.SetSSLState("app.example.com", store.SSLProvisioned))
	require.NoError(t, svc.SetContainerRunning(app.ID, "c1",
		map[uint16]store.Peer{3000: {HostPort: backendAddr(t, ds)}}))

	cold, err := svc.AddProject("cold", store.ProjectKind{Container: &store.Container{
		ExposedPorts: []store.ExposedPort{{ContainerPort: 3000, Domains: []string{"cold.example.com"}}},
	}})
	require.NoError(t, err)
	_, err = svc.AddDomain(cold.ID, "cold.example.com")
	require.NoError(t, err)
	require.NoError(t, svc.SetSSLState("cold.example.com", store.SSLProvisioned))

	wip, err := svc.AddProject("wip", store.ProjectKind{PortForward: &store.PortForward{Port: 12345}})
	require.NoError(t, err)
	_, err = svc.AddDomain(wip.ID, "wip.example.com")
	require.NoError(t, err)
	require.NoError(t, svc.SetSSLState("wip.example.com", store.SSLProvisioning))

	fresh, err := svc.AddProject("fresh", store.ProjectKind{PortForward: &store.PortForward{Port: 12346}})
	require.NoError(t, err)
	_, err = svc.AddDomain(fresh.ID, "fresh.example.com")
	require.NoError(t, err)

	gw := Gateway{Registry: svc, ProvisioningPeer: store.Peer{HostPort: backendAddr(t, placeholder)},
		Timeouts: Timeouts{ResponseHeader: 200 * time.Millisecond}}
	srv := httptest.NewTLSServer(gw.routingHandler())
	defer srv.Close()
	client := srv.Client()

	tbl := []struct {
		host string
		code int
		body string
	}{
		{"app.example.com", http.StatusOK, "app response /some/path"},
		{"cold.example.com", http.StatusInternalServerError, ""},   // container not running yet
		{"wip.example.com", http.StatusOK, "provisioning placeholder"}, // tls terminated at test server, still routed
		{"fresh.example.com", http.StatusInternalServerError, ""},  // no certificate yet
		{"ghost.example.com", http.StatusInternalServerError, ""},  // not registered
	}

	for i, tt := range tbl {
		tt := tt
		t.Run(strconv.Itoa(i)+" "+tt.host, func(t *testing.T) {
			req, err := http.NewRequest("GET", srv.URL+"/some/path", http.NoBody)
			require.NoError(t, err)
			req.Host = tt.host
			resp, err := client.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.code, resp.StatusCode)
			if tt.body == "" {
				return
			}
			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			assert.Equal(t, tt.body, string(body))
		})
	}
}

func TestGateway_ChallengeBeforeRedirect(t *testing.T) {
	svc := store.New(t.TempDir(), acme.NewCertStore())
	proj, err := svc.AddProject("site", store.ProjectKind{PortForward: &store.PortForward{Port: 12345}})
	require.NoError(t, err)
	_, err = svc.AddDomain(proj.ID, "site.example.com")
	require.NoError(t, err)
	require.NoError(t, svc.SetSSLState("site.example.com", store.SSLProvisioned))

	challenges := acme.NewChallenges()
	challenges.Put("tok1", "tok1.thumbprint")

	gw := Gateway{Registry: svc, Challenges: challenges}
	srv := httptest.NewServer(gw.routingHandler()) // plaintext on purpose
	defer srv.Close()

	{ // pending token answered even though the domain normally redirects
		req, err := http.NewRequest("GET", srv.URL+"/.well-known/acme-challenge/tok1", http.NoBody)
		require.NoError(t, err)
		req.Host = "site.example.com"
		resp, err := srv.Client().Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, "tok1.thumbprint", string(body))
	}

	{ // unknown token
		req, err := http.NewRequest("GET", srv.URL+"/.well-known/acme-challenge/nope", http.NoBody)
		require.NoError(t, err)
		req.Host = "site.example.com"
		resp, err := srv.Client().Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	}

	{ // challenge path on an unregistered host still fails the lookup
		req, err := http.NewRequest("GET", srv.URL+"/.well-known/acme-challenge/tok1", http.NoBody)
		require.NoError(t, err)
		req.Host = "ghost.example.com"
		resp, err := srv.Client().Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	}
}

func TestGateway_UpstreamFailures(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer slow.Close()

	svc := store.New(t.TempDir(), acme.NewCertStore())

	deadPort := chooseRandomUnusedPort(t)
	dead, err := svc.AddProject("dead", store.ProjectKind{PortForward: &store.PortForward{Port: uint16(deadPort)}})
	require.NoError(t, err)
	_, err = svc.AddDomain(dead.ID, "dead.example.com")
	require.NoError(t, err)
	require.NoError(t, svc.SetSSLState("dead.example.com", store.SSLProvisioned))

	slowProj, err := svc.AddProject("slow", store.ProjectKind{PortForward: &store.PortForward{Port: backendPort(t, slow)}})
	require.NoError(t, err)
	_, err = svc.AddDomain(slowProj.ID, "slow.example.com")
	require.NoError(t, err)
	require.NoError(t, svc.SetSSLState("slow.example.com", store.SSLProvisioned))

	gw := Gateway{Registry: svc, Timeouts: Timeouts{ResponseHeader: 100 * time.Millisecond}}
	srv := httptest.NewTLSServer(gw.routingHandler())
	defer srv.Close()

	{ // nothing listens on the peer port
		req, err := http.NewRequest("GET", srv.URL+"/", http.NoBody)
		require.NoError(t, err)
		req.Host = "dead.example.com"
		resp, err := srv.Client().Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	}

	{ // peer accepts but never answers within the response header timeout
		req, err := http.NewRequest("GET", srv.URL+"/", http.NoBody)
		require.NoError(t, err)
		req.Host = "slow.example.com"
		resp, err := srv.Client().Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
	}
}

func TestGateway_SelectPeer(t *testing.T) {
	svc := store.New(t.TempDir(), acme.NewCertStore())
	hostPort := uint16(9000)
	proj, err := svc.AddProject("app", store.ProjectKind{Container: &store.Container{
		ExposedPorts: []store.ExposedPort{
			{ContainerPort: 3000, Domains: []string{"app.example.com"}},
			{ContainerPort: 4000, HostPort: &hostPort, Domains: []string{"api.example.com"}},
		},
	}})
	require.NoError(t, err)
	require.NoError(t, svc.SetContainerRunning(proj.ID, "c1", map[uint16]store.Peer{
		3000: {HostPort: "127.0.0.1:31000"},
		4000: {HostPort: "127.0.0.1:9000"},
	}))

	gw := Gateway{Registry: svc, ProvisioningPeer: store.Peer{HostPort: "127.0.0.1:3000"}}

	{ // not provisioned yet
		_, err := gw.selectPeer("app.example.com", store.DomainStatus{ProjectID: proj.ID, SSL: store.SSLNotProvisioned})
		assert.Error(t, err)
	}

	{ // mid-provisioning lands on the built-in peer
		peer, err := gw.selectPeer("app.example.com", store.DomainStatus{ProjectID: proj.ID, SSL: store.SSLProvisioning})
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1:3000", peer.HostPort)
	}

	{ // each domain picks the peer of its own port
		peer, err := gw.selectPeer("api.example.com", store.DomainStatus{ProjectID: proj.ID, SSL: store.SSLProvisioned})
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1:9000", peer.HostPort)

		peer, err = gw.selectPeer("app.example.com", store.DomainStatus{ProjectID: proj.ID, SSL: store.SSLProvisioned})
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1:31000", peer.HostPort)
	}

	{ // domain not served by any exposed port
		_, err := gw.selectPeer("other.example.com", store.DomainStatus{ProjectID: proj.ID, SSL: store.SSLProvisioned})
		assert.Error(t, err)
	}

	{ // project is gone
		_, err := gw.selectPeer("app.example.com", store.DomainStatus{ProjectID: uuid.New(), SSL: store.SSLProvisioned})
		assert.Error(t, err)
	}
}

func makeTestCertificate(t *testing.T, domain string) *tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: domain},
		DNSNames:     []string{domain},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return &tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}
}

func backendAddr(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return u.Host
}

func backendPort(t *testing.T, srv *httptest.Server) uint16 {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return uint16(port)
}

func chooseRandomUnusedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func waitForListener(t *testing.T, addr string) {
	t.Helper()
	require.Eventually(t, func() bool {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}, time.Second*5, time.Millisecond*20)
}
