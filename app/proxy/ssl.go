package proxy

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"strings"
)

// CertificateSource specifies the SNI callback for the tls acceptor. A miss
// returns an error and the handshake fails at the client.
type CertificateSource interface {
	GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error)
}

// redirectTLS sends the permanent redirect to the https side of the same host.
// No body, the Location header is all the client needs.
func redirectTLS(w http.ResponseWriter, r *http.Request) {
	server := strings.Split(r.Host, ":")[0]
	newURL := fmt.Sprintf("https://%s%s", server, r.URL.Path)
	if r.URL.RawQuery != "" {
		newURL += "?" + r.URL.RawQuery
	}
	w.Header().Set("Location", newURL)
	w.Header().Set("Content-Length", "0")
	w.WriteHeader(http.StatusPermanentRedirect)
}

// makeHTTPSServer makes https server with the certificate store as the SNI source
func (g *Gateway) makeHTTPSServer(address string, router http.Handler) *http.Server {
	server := g.makeHTTPServer(address, router)
	cfg := g.makeTLSConfig()
	cfg.GetCertificate = g.Certs.GetCertificate
	cfg.NextProtos = []string{"h2", "http/1.1"}
	server.TLSConfig = cfg
	return server
}

func (g *Gateway) makeTLSConfig() *tls.Config {
	return &tls.Config{
		PreferServerCipherSuites: true,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		},
		MinVersion: tls.VersionTLS12,
		CurvePreferences: []tls.CurveID{
			tls.CurveP256,
			tls.X25519,
			tls.CurveP384,
		},
	}
}
