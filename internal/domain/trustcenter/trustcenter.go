// Package trustcenter is the clinical agent's view of the pseudonymization
// service: the only party that sees both an identifier and its pseudonym.
package trustcenter

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"

	"github.com/ehr/transfer/internal/platform/httpclient"
)

// Request asks for the pseudonym of one namespaced identifier.
type Request struct {
	Domain string `json:"domain"`
	Type   string `json:"type"`
	Value  string `json:"value"`
}

// Service resolves pseudonyms. Identical requests yield identical
// pseudonyms.
type Service interface {
	Pseudonymize(ctx context.Context, req Request) (string, error)
}

// Config selects exactly one trust-center implementation.
type Config struct {
	HTTP *httpclient.Config `mapstructure:"http"`
	HMAC *HMACConfig        `mapstructure:"hmac"`
}

type HMACConfig struct {
	Secret string `mapstructure:"secret"`
}

func (c Config) Validate() error {
	switch {
	case c.HTTP != nil && c.HMAC != nil:
		return errors.New("trustCenter: configure either http or hmac, not both")
	case c.HTTP != nil:
		if err := c.HTTP.Validate(); err != nil {
			return fmt.Errorf("trustCenter.http: %w", err)
		}
	case c.HMAC != nil:
		if c.HMAC.Secret == "" {
			return errors.New("trustCenter.hmac: secret is required")
		}
	default:
		return errors.New("trustCenter: one of http or hmac is required")
	}
	return nil
}

// New builds the configured service. transport is the base round tripper for
// the http variant (nil for the default).
func New(cfg Config, transport http.RoundTripper) (Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.HMAC != nil {
		return NewHMAC(cfg.HMAC.Secret)
	}
	hc, err := httpclient.New(*cfg.HTTP, transport)
	if err != nil {
		return nil, fmt.Errorf("trustCenter.http: %w", err)
	}
	return NewClient(hc, cfg.HTTP.Base()), nil
}

// pseudonymLength is the number of hex characters an HMAC pseudonym keeps.
const pseudonymLength = 32

// HMAC derives pseudonyms locally with HMAC-SHA256. It stands in for a real
// trust center in local runs and tests.
type HMAC struct {
	key []byte
}

func NewHMAC(secret string) (*HMAC, error) {
	if secret == "" {
		return nil, errors.New("hmac secret is required")
	}
	return &HMAC{key: []byte(secret)}, nil
}

func (h *HMAC) Pseudonymize(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if req.Value == "" {
		return "", errors.New("pseudonymize: empty value")
	}
	mac := hmac.New(sha256.New, h.key)
	for _, part := range []string{req.Domain, req.Type, req.Value} {
		mac.Write([]byte(part))
		mac.Write([]byte{0})
	}
	return hex.EncodeToString(mac.Sum(nil))[:pseudonymLength], nil
}
