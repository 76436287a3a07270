package googleauth

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"strings"

	"github.com/ManuelReschke/storekeeper/internal/pkg/env"
)

const DefaultTokenURI = "https://oauth2.googleapis.com/token"

// Credentials is the subset of a Google service-account key file we need.
type Credentials struct {
	Type         string `json:"type"`
	ProjectID    string `json:"project_id"`
	ClientEmail  string `json:"client_email"`
	PrivateKey   string `json:"private_key"`
	PrivateKeyID string `json:"private_key_id"`
	TokenURI     string `json:"token_uri"`

	key *rsa.PrivateKey
}

// ParseCredentials decodes a service-account JSON key and its RSA private key.
func ParseCredentials(raw []byte) (*Credentials, error) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, ErrMissingCredentials
	}
	var c Credentials
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("%w: decode service account json: %v", ErrInvalidKey, err)
	}
	if strings.TrimSpace(c.ClientEmail) == "" || strings.TrimSpace(c.PrivateKey) == "" {
		return nil, fmt.Errorf("%w: client_email and private_key are required", ErrMissingCredentials)
	}
	if strings.TrimSpace(c.TokenURI) == "" {
		c.TokenURI = DefaultTokenURI
	}
	key, err := parsePrivateKey(c.PrivateKey)
	if err != nil {
		return nil, err
	}
	c.key = key
	return &c, nil
}

// LoadCredentialsFromEnv reads GOOGLE_SERVICE_ACCOUNT_JSON (inline) or
// GOOGLE_SERVICE_ACCOUNT_FILE (path).
func LoadCredentialsFromEnv() (*Credentials, error) {
	if inline := strings.TrimSpace(env.GetEnv("GOOGLE_SERVICE_ACCOUNT_JSON", "")); inline != "" {
		return ParseCredentials([]byte(inline))
	}
	path := strings.TrimSpace(env.GetEnv("GOOGLE_SERVICE_ACCOUNT_FILE", ""))
	if path == "" {
		return nil, ErrMissingCredentials
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrMissingCredentials, path, err)
	}
	return ParseCredentials(raw)
}

func parsePrivateKey(pemKey string) (*rsa.PrivateKey, error) {
	// Keys pasted into env vars often carry literal "\n" sequences.
	normalized := strings.ReplaceAll(pemKey, `\n`, "\n")
	block, _ := pem.Decode([]byte(normalized))
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found", ErrInvalidKey)
	}

	if parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		key, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%w: private key is not RSA", ErrInvalidKey)
		}
		return key, nil
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return key, nil
}
