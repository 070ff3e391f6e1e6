package acme

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	log "github.com/go-pkgz/lgr"
	"golang.org/x/crypto/acme"
)

const accountFile = "account.json"

// accountState is the on-disk account record, a single account shared by all
// domains. The key is a pem-encoded pkcs8 private key.
type accountState struct {
	URI string `json:"uri"`
	Key string `json:"key"`
}

// ensureAccount makes the acme client ready, loading the account from
// {home}/account.json or registering a new one and persisting it. Called once
// before the provisioning loop starts.
func (p *Provisioner) ensureAccount(ctx context.Context) error {
	if p.client != nil {
		return nil
	}

	path := filepath.Join(p.Home, accountFile)
	if st, err := loadAccountState(path); err == nil {
		key, kerr := parseAccountKey(st.Key)
		if kerr != nil {
			return fmt.Errorf("failed to parse account key from %s: %w", path, kerr)
		}
		p.client = &acme.Client{Key: key, DirectoryURL: p.DirectoryURL}
		log.Printf("[INFO] acme account %s loaded from %s", st.URI, path)
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate account key: %w", err)
	}
	client := &acme.Client{Key: key, DirectoryURL: p.DirectoryURL}

	var contact []string
	if p.Email != "" {
		contact = []string{"mailto:" + p.Email}
	}

	acct, err := client.Register(ctx, &acme.Account{Contact: contact}, acme.AcceptTOS)
	if errors.Is(err, acme.ErrAccountAlreadyExists) {
		// the CA knows this key already, recover the account instead
		acct, err = client.GetReg(ctx, "")
	}
	if err != nil {
		return fmt.Errorf("failed to register acme account: %w", err)
	}

	if err := saveAccountState(path, acct.URI, key); err != nil {
		return err
	}
	p.client = client
	log.Printf("[INFO] registered acme account %s", acct.URI)
	return nil
}

func loadAccountState(path string) (accountState, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return accountState{}, err
	}
	var st accountState
	if err := json.Unmarshal(b, &st); err != nil {
		return accountState{}, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return st, nil
}

func saveAccountState(path, uri string, key *ecdsa.PrivateKey) error {
	pkb, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("failed to marshal account key: %w", err)
	}
	st := accountState{
		URI: uri,
		Key: string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkb})),
	}
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal account state: %w", err)
	}
	if err := os.WriteFile(path, b, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func parseAccountKey(keyPEM string) (crypto.Signer, error) {
	block, _ := pem.Decode([]byte(keyPEM))
	if block == nil {
		return nil, fmt.Errorf("no pem block found")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("key type %T can't sign", key)
	}
	return signer, nil
}
