// Package acmetest implements a minimal rfc8555 responder for exercising the
// http-01 flow in tests. It skips jws signature checks and answers with the
// smallest set of fields the acme client needs.
package acmetest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-pkgz/rest"
	"github.com/stretchr/testify/require"
)

// ACMEServer is the test CA. Orders move pending -> ready -> valid as the
// http-01 challenge is verified and the order finalized, or to invalid when
// verification fails.
type ACMEServer struct {
	t         *testing.T
	url       string
	cl        *http.Client
	modifyReq func(*http.Request)

	accounts     int
	orders       map[string]*order
	orderByAuthz map[string]string // map[authzID]orderID
	issuedCerts  map[string][]byte // pem chains by orderID
	mu           sync.Mutex

	privateKey *ecdsa.PrivateKey
}

// Option is a function that configures the ACMEServer.
type Option func(*ACMEServer)

// ModifyRequest is an option to rewire the http-01 verification request,
// usually pointing it at a local listener instead of the order's domain.
func ModifyRequest(fn func(r *http.Request)) Option {
	return func(s *ACMEServer) { s.modifyReq = fn }
}

// NewACMEServer creates a new ACMEServer for testing.
func NewACMEServer(t *testing.T, opts ...Option) *ACMEServer {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("[acmetest] failed to generate private key: %v", err)
	}

	s := &ACMEServer{
		privateKey:   privateKey,
		orders:       make(map[string]*order),
		orderByAuthz: make(map[string]string),
		issuedCerts:  make(map[string][]byte),
		modifyReq:    func(*http.Request) {},
		cl: &http.Client{
			// prevent http redirects
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
		t: t,
	}

	for _, opt := range opts {
		opt(s)
	}

	srv := httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(srv.Close)

	s.url = srv.URL

	return s
}

// URL returns the directory URL of the server.
func (s *ACMEServer) URL() string { return s.url }

func (s *ACMEServer) acmeURL(format string, args ...interface{}) string {
	return fmt.Sprintf(s.url+format, args...)
}

func (s *ACMEServer) handle(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/":
		s.discoveryCtrl(w, r)
	case r.URL.Path == "/new-nonce":
		s.newNonceCtrl(w, r)
	case r.URL.Path == "/new-account":
		s.newAccountCtrl(w, r)
	case r.URL.Path == "/new-order":
		s.newOrderCtrl(w, r)
	case r.URL.Path == "/challenge":
		s.challengeCtrl(w, r)
	case strings.HasPrefix(r.URL.Path, "/authorizations/"):
		s.authorizationCtrl(w, r)
	case strings.HasPrefix(r.URL.Path, "/orders/"):
		s.orderCtrl(w, r)
	case strings.HasPrefix(r.URL.Path, "/finalize/"):
		s.finalizeCtrl(w, r)
	case strings.HasPrefix(r.URL.Path, "/cert/"):
		s.certCtrl(w, r)
	default:
		s.error(w, 404, "not found")
	}
}

// GET / - discovery endpoint
func (s *ACMEServer) discoveryCtrl(w http.ResponseWriter, _ *http.Request) {
	resp := rest.JSON{
		"newNonce":   s.acmeURL("/new-nonce"),
		"newAccount": s.acmeURL("/new-account"),
		"newOrder":   s.acmeURL("/new-order"),
	}
	require.NoError(s.t, rest.EncodeJSON(w, 200, resp))
}

// HEAD /new-nonce - get a new nonce
func (s *ACMEServer) newNonceCtrl(w http.ResponseWriter, _ *http.Request) {
	// nonce is always set
	w.Header().Set("Replay-Nonce", "nonce")
}

// POST /new-account - create an account or return the existing one. The stub
// keys accounts by count, not by jwk, one account per server is plenty for
// tests.
func (s *ACMEServer) newAccountCtrl(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		OnlyReturnExisting bool `json:"onlyReturnExisting"`
	}
	if err := s.payload(r, &payload); err != nil {
		s.error(w, 400, "new-account: %v", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	w.Header().Set("Location", s.acmeURL("/account/1"))

	if payload.OnlyReturnExisting {
		if s.accounts == 0 {
			s.error(w, 404, "no account registered")
			return
		}
		require.NoError(s.t, rest.EncodeJSON(w, 200, rest.JSON{"status": "valid"}))
		return
	}

	if s.accounts > 0 {
		// rfc8555 reports an existing key with 200, the client maps it
		// to ErrAccountAlreadyExists
		require.NoError(s.t, rest.EncodeJSON(w, 200, rest.JSON{"status": "valid"}))
		return
	}

	s.accounts++
	require.NoError(s.t, rest.EncodeJSON(w, 201, rest.JSON{"status": "valid"}))
}

// POST /new-order - create a new order in pending state
func (s *ACMEServer) newOrderCtrl(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Identifiers []identifier `json:"identifiers"`
	}
	if err := s.payload(r, &payload); err != nil {
		s.error(w, 400, "new-order: %v", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	orderID := fmt.Sprintf("order-%d", len(s.orders))
	o := &order{Identifiers: payload.Identifiers}

	for i := range payload.Identifiers {
		authzID := fmt.Sprintf("%s-%d", orderID, i)
		o.Authorizations = append(o.Authorizations, s.acmeURL("/authorizations/%s", authzID))
		s.orderByAuthz[authzID] = orderID
	}

	s.orders[orderID] = o

	w.Header().Set("Location", s.acmeURL("/orders/%s", orderID))
	require.NoError(s.t, rest.EncodeJSON(w, 201, s.orderJSON(orderID, o)))
}

// POST-as-GET /orders/{id} - get order details
func (s *ACMEServer) orderCtrl(w http.ResponseWriter, r *http.Request) {
	orderID := strings.TrimPrefix(r.URL.Path, "/orders/")

	s.mu.Lock()
	defer s.mu.Unlock()

	o, exists := s.orders[orderID]
	if !exists {
		s.error(w, 404, "not found")
		return
	}

	w.Header().Set("Location", s.acmeURL("/orders/%s", orderID))
	require.NoError(s.t, rest.EncodeJSON(w, 200, s.orderJSON(orderID, o)))
}

// POST-as-GET /authorizations/{id} - get authorization with its http-01 challenge
func (s *ACMEServer) authorizationCtrl(w http.ResponseWriter, r *http.Request) {
	authzID := strings.TrimPrefix(r.URL.Path, "/authorizations/")

	s.mu.Lock()
	defer s.mu.Unlock()

	orderID, exists := s.orderByAuthz[authzID]
	if !exists {
		s.error(w, 404, "not found")
		return
	}
	o, exists := s.orders[orderID]
	if !exists {
		s.error(w, 404, "not found")
		return
	}

	type challenge struct {
		Type   string `json:"type"`
		Token  string `json:"token"`
		Status string `json:"status"`
		URL    string `json:"url"`
	}

	var authz struct {
		Status     string      `json:"status"`
		Expires    time.Time   `json:"expires"`
		Identifier identifier  `json:"identifier"`
		Challenges []challenge `json:"challenges"`
	}

	authz.Status = "pending"
	authz.Expires = time.Now().Add(time.Hour)

	for i, id := range o.Identifiers {
		if fmt.Sprintf("%s-%d", orderID, i) == authzID {
			authz.Identifier = id
			break
		}
	}

	chal := challenge{
		Type:   "http-01",
		Token:  "token-" + authzID,
		Status: "pending",
		URL:    s.acmeURL("/challenge?token=token-%s", authzID),
	}

	switch {
	case o.Invalid:
		chal.Status = "invalid"
		authz.Status = "invalid"
	case o.HTTP01Accepted:
		chal.Status = "valid"
		authz.Status = "valid"
	}

	authz.Challenges = []challenge{chal}

	require.NoError(s.t, rest.EncodeJSON(w, 200, authz))
}

// POST /challenge - accept a challenge, verification runs synchronously
// before the response. A failed fetch marks the whole order invalid instead
// of failing the test, negative paths need it.
func (s *ACMEServer) challengeCtrl(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		s.error(w, 400, "missing token")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	authzID := strings.TrimPrefix(token, "token-")
	orderID, exists := s.orderByAuthz[authzID]
	if !exists {
		s.error(w, 404, "not found")
		return
	}
	o, exists := s.orders[orderID]
	if !exists {
		s.error(w, 404, "not found")
		return
	}

	var domain string
	for i, id := range o.Identifiers {
		if fmt.Sprintf("%s-%d", orderID, i) == authzID {
			domain = id.Value
			break
		}
	}

	status := "valid"
	if err := s.verifyHTTP01(token, domain); err != nil {
		s.t.Logf("[acmetest] http-01 verification for %s failed: %v", domain, err)
		o.Invalid = true
		status = "invalid"
	} else {
		o.HTTP01Accepted = true
	}

	require.NoError(s.t, rest.EncodeJSON(w, 200, rest.JSON{
		"type":   "http-01",
		"token":  token,
		"status": status,
		"url":    s.acmeURL("/challenge?token=%s", token),
	}))
}

// verifyHTTP01 fetches the key authorization from the order's domain. The
// payload after the dot derives from the account key, only the token prefix
// is checked.
func (s *ACMEServer) verifyHTTP01(token, domain string) error {
	url := fmt.Sprintf("http://%s/.well-known/acme-challenge/%s", domain, token)
	req, err := http.NewRequest(http.MethodGet, url, http.NoBody)
	if err != nil {
		return err
	}

	s.modifyReq(req)
	resp, err := s.cl.Do(req)
	if err != nil {
		return fmt.Errorf("challenge fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("challenge fetch returned %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read challenge response: %w", err)
	}
	if !strings.HasPrefix(string(body), token+".") {
		return fmt.Errorf("response %q is not prefixed with token plus dot", string(body))
	}
	return nil
}

// POST /finalize/{order-id} - finalize an order and issue the certificate
func (s *ACMEServer) finalizeCtrl(w http.ResponseWriter, r *http.Request) {
	orderID := strings.TrimPrefix(r.URL.Path, "/finalize/")

	s.mu.Lock()
	defer s.mu.Unlock()

	o, exists := s.orders[orderID]
	if !exists {
		s.error(w, 404, "not found")
		return
	}

	if !o.HTTP01Accepted {
		s.error(w, 403, "order not ready")
		return
	}

	var req struct {
		CSR string `json:"csr"`
	}
	if err := s.payload(r, &req); err != nil {
		s.error(w, 400, "finalize: %v", err)
		return
	}

	b, err := base64.RawURLEncoding.DecodeString(req.CSR)
	if err != nil {
		s.error(w, 400, "decode CSR: %v", err)
		return
	}
	csr, err := x509.ParseCertificateRequest(b)
	if err != nil {
		s.error(w, 400, "parse certificate request: %v", err)
		return
	}

	leaf := &x509.Certificate{
		SerialNumber:          big.NewInt(int64(len(s.issuedCerts))),
		Subject:               pkix.Name{Organization: []string{"Selfcloud Test CA"}},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(90 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:              csr.DNSNames,
		BasicConstraintsValid: true,
	}
	if len(csr.DNSNames) == 0 {
		leaf.DNSNames = []string{csr.Subject.CommonName}
	}

	der, err := x509.CreateCertificate(rand.Reader, leaf, leaf, csr.PublicKey, s.privateKey)
	if err != nil {
		s.error(w, 500, "create certificate: %v", err)
		return
	}

	s.issuedCerts[orderID] = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	o.Issued = true

	w.Header().Set("Location", s.acmeURL("/orders/%s", orderID))
	require.NoError(s.t, rest.EncodeJSON(w, 200, s.orderJSON(orderID, o)))
}

// POST-as-GET /cert/{order-id} - download the issued pem chain
func (s *ACMEServer) certCtrl(w http.ResponseWriter, r *http.Request) {
	orderID := strings.TrimPrefix(r.URL.Path, "/cert/")

	s.mu.Lock()
	defer s.mu.Unlock()

	chain, exists := s.issuedCerts[orderID]
	if !exists {
		s.error(w, 404, "not found")
		return
	}

	w.Header().Set("Content-Type", "application/pem-certificate-chain")
	_, _ = w.Write(chain)
}

// payload decodes the jws payload of the request into v, signature not checked
func (s *ACMEServer) payload(r *http.Request, v interface{}) error {
	var jws struct {
		Payload string `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&jws); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	b, err := base64.RawURLEncoding.DecodeString(jws.Payload)
	if err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if len(b) == 0 { // post-as-get
		return nil
	}
	if err = json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	return nil
}

func (s *ACMEServer) orderJSON(orderID string, o *order) rest.JSON {
	res := rest.JSON{
		"status":         o.status(),
		"expires":        time.Now().Add(time.Hour),
		"identifiers":    o.Identifiers,
		"authorizations": o.Authorizations,
		"finalize":       s.acmeURL("/finalize/%s", orderID),
	}
	if o.Issued {
		res["certificate"] = s.acmeURL("/cert/%s", orderID)
	}
	return res
}

func (s *ACMEServer) error(w http.ResponseWriter, code int, format string, args ...interface{}) {
	http.Error(w, fmt.Sprintf(format, args...), code)
}

type order struct {
	Identifiers    []identifier
	Authorizations []string

	HTTP01Accepted bool
	Invalid        bool
	Issued         bool
}

func (o *order) status() string {
	switch {
	case o.Invalid:
		return "invalid"
	case o.Issued:
		return "valid"
	case o.HTTP01Accepted:
		return "ready"
	default:
		return "pending"
	}
}

type identifier struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}
