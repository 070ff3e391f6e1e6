package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
	R "github.com/go-pkgz/rest"
	"github.com/go-pkgz/rest/logger"
	"github.com/google/uuid"

	"github.com/selfcloud/selfcloud/app/store"
)

// Gateway is the public edge for both http and https. Every request is
// resolved host-first against the registry and proxied to the backend peer.
type Gateway struct {
	Registry   Registry
	Certs      CertificateSource
	Challenges ChallengeSolver

	HTTPAddr  string // plaintext listener, default :8080
	HTTPSAddr string // tls listener, default :4433

	// ProvisioningPeer takes the traffic of domains still waiting for a
	// certificate, normally the loopback mgmt server with its placeholder page
	ProvisioningPeer store.Peer

	MaxBodySize   int64
	GzEnabled     bool
	ProxyHeaders  []string
	Version       string
	Signature     bool
	AccessLog     io.Writer
	StdOutEnabled bool
	Timeouts      Timeouts
	Metrics       Metrics
}

// Registry resolves request hosts to domain status and project peers
type Registry interface {
	GetDomain(name string) (store.DomainStatus, bool)
	GetProject(id uuid.UUID) (store.Project, bool)
}

// ChallengeSolver serves pending ACME http-01 challenges
type ChallengeSolver interface {
	IsChallenge(r *http.Request) bool
	ServeHTTP(w http.ResponseWriter, r *http.Request)
}

// Metrics wraps middleware publishing counts
type Metrics interface {
	Middleware(next http.Handler) http.Handler
}

// Timeouts consolidate timeouts for both server and transport
type Timeouts struct {
	// server timeouts
	ReadHeader time.Duration
	Write      time.Duration
	Idle       time.Duration
	// transport timeouts
	Dial           time.Duration
	KeepAlive      time.Duration
	IdleConn       time.Duration
	TLSHandshake   time.Duration
	ExpectContinue time.Duration
	ResponseHeader time.Duration
}

// Run activates both gateway listeners and blocks until the context is canceled
func (g *Gateway) Run(ctx context.Context) error {
	if g.AccessLog == nil {
		g.AccessLog = io.Discard
	}

	var httpServer, httpsServer *http.Server

	go func() {
		<-ctx.Done()
		if httpServer != nil {
			if err := httpServer.Close(); err != nil {
				log.Printf("[ERROR] failed to close gateway http server, %v", err)
			}
		}
		if httpsServer != nil {
			if err := httpsServer.Close(); err != nil {
				log.Printf("[ERROR] failed to close gateway https server, %v", err)
			}
		}
	}()

	handler := R.Wrap(g.routingHandler(),
		R.Recoverer(log.Default()),
		signatureHandler(g.Signature, g.Version),
		g.Metrics.Middleware,
		headersHandler(g.ProxyHeaders),
		accessLogHandler(g.AccessLog),
		stdoutLogHandler(g.StdOutEnabled, logger.New(logger.Log(log.Default()), logger.Prefix("[INFO]")).Handler),
		sizeLimitHandler(g.MaxBodySize),
		gzipHandler(g.GzEnabled),
	)

	httpServer = g.makeHTTPServer(g.HTTPAddr, handler)
	httpServer.ErrorLog = log.ToStdLogger(log.Default(), "WARN")

	httpsServer = g.makeHTTPSServer(g.HTTPSAddr, handler)
	httpsServer.ErrorLog = log.ToStdLogger(log.Default(), "WARN")

	go func() {
		log.Printf("[INFO] activate http gateway server on %s", g.HTTPAddr)
		err := httpServer.ListenAndServe()
		log.Printf("[WARN] http gateway server terminated, %s", err)
	}()

	log.Printf("[INFO] activate https gateway server on %s", g.HTTPSAddr)
	return httpsServer.ListenAndServeTLS("", "")
}

// routingHandler makes the gateway's core handler, resolving the request
// domain through the registry and handing matched requests to the reverse
// proxy with the upstream url in the context
func (g *Gateway) routingHandler() http.HandlerFunc {
	type contextKey string

	reverseProxy := &httputil.ReverseProxy{
		Director: func(r *http.Request) {
			ctx := r.Context()
			uu := ctx.Value(contextKey("url")).(*url.URL)
			r.Header.Set("X-Forwarded-Host", r.Host)
			r.Header.Set("X-Forwarded-Proto", "https") // the gateway forces tls on every provisioned domain
			setXRealIP(r)
			r.URL.Host = uu.Host
			r.URL.Scheme = uu.Scheme
			r.Host = uu.Host
		},
		Transport: &http.Transport{
			ResponseHeaderTimeout: g.Timeouts.ResponseHeader,
			DialContext: (&net.Dialer{
				Timeout:   g.Timeouts.Dial,
				KeepAlive: g.Timeouts.KeepAlive,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			IdleConnTimeout:       g.Timeouts.IdleConn,
			TLSHandshakeTimeout:   g.Timeouts.TLSHandshake,
			ExpectContinueTimeout: g.Timeouts.ExpectContinue,
		},
		ErrorLog: log.ToStdLogger(log.Default(), "WARN"),
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			log.Printf("[WARN] proxy to %s failed: %v", r.URL.Host, err)
			if isTimeout(err) {
				http.Error(w, "Gateway Timeout", http.StatusGatewayTimeout)
				return
			}
			http.Error(w, "Bad Gateway", http.StatusBadGateway)
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		domain := requestDomain(r)
		status, ok := g.Registry.GetDomain(domain)
		if !ok {
			log.Printf("[WARN] no peer for host %q, remote %s", domain, r.RemoteAddr)
			http.Error(w, "no peer for host", http.StatusInternalServerError)
			return
		}

		if g.Challenges != nil && g.Challenges.IsChallenge(r) {
			g.Challenges.ServeHTTP(w, r)
			return
		}

		// plaintext hits on a domain with a certificate move to the tls listener
		if status.SSL == store.SSLProvisioned && r.TLS == nil {
			redirectTLS(w, r)
			return
		}

		peer, err := g.selectPeer(domain, status)
		if err != nil {
			log.Printf("[WARN] %v, remote %s", err, r.RemoteAddr)
			http.Error(w, "no peer for host", http.StatusInternalServerError)
			return
		}

		uu := &url.URL{Scheme: "http", Host: peer.HostPort}
		if peer.TLS {
			uu.Scheme = "https"
		}
		log.Printf("[DEBUG] proxy %s%s to %s", domain, r.URL.Path, uu)
		ctx := context.WithValue(r.Context(), contextKey("url"), uu) // set destination url in request's context
		reverseProxy.ServeHTTP(w, r.WithContext(ctx))
	}
}

// selectPeer picks the backend for a resolved domain. Domains mid-provisioning
// land on the provisioning peer, everything else routes through the project.
func (g *Gateway) selectPeer(domain string, status store.DomainStatus) (store.Peer, error) {
	switch status.SSL {
	case store.SSLNotProvisioned:
		return store.Peer{}, fmt.Errorf("domain %s has no certificate yet", domain)
	case store.SSLProvisioning:
		return g.ProvisioningPeer, nil
	}

	proj, ok := g.Registry.GetProject(status.ProjectID)
	if !ok {
		return store.Peer{}, fmt.Errorf("project %s for domain %s not found", status.ProjectID, domain)
	}

	switch {
	case proj.Kind.PortForward != nil:
		return proj.Kind.PortForward.Peer(), nil
	case proj.Kind.Container != nil:
		for _, ep := range proj.Kind.Container.ExposedPorts {
			if !ep.HasDomain(domain) {
				continue
			}
			if ep.Peer == nil {
				return store.Peer{}, fmt.Errorf("container peer for domain %s not ready", domain)
			}
			return *ep.Peer, nil
		}
	}
	return store.Peer{}, fmt.Errorf("no exposed port serves domain %s", domain)
}

// requestDomain resolves the canonical domain of a request, host header first
func requestDomain(r *http.Request) string {
	host := r.Host
	if host == "" {
		host = r.URL.Host
	}
	host = strings.Split(host, ":")[0]
	return store.NormalizeDomain(host)
}

func (g *Gateway) makeHTTPServer(addr string, router http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: g.Timeouts.ReadHeader,
		WriteTimeout:      g.Timeouts.Write,
		IdleTimeout:       g.Timeouts.Idle,
	}
}

func isTimeout(err error) bool {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func setXRealIP(r *http.Request) {
	remoteIP := r.Header.Get("X-Forwarded-For")
	if remoteIP == "" {
		remoteIP = r.RemoteAddr
	}

	ip, _, err := net.SplitHostPort(remoteIP)
	if err != nil {
		return
	}

	userIP := net.ParseIP(ip)
	if userIP == nil {
		return
	}
	r.Header.Add("X-Real-IP", ip)
}
