package httpclient

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// AuthConfig selects at most one outbound authentication scheme.
type AuthConfig struct {
	Basic  *BasicAuth  `mapstructure:"basic"`
	Bearer *BearerAuth `mapstructure:"bearer"`
	JWT    *JWTAuth    `mapstructure:"jwt"`
	OAuth2 *OAuth2Auth `mapstructure:"oauth2"`
}

type BasicAuth struct {
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
}

type BearerAuth struct {
	Token string `mapstructure:"token"`
}

// JWTAuth mints short-lived HS256 bearer tokens signed with a shared secret.
type JWTAuth struct {
	Issuer   string        `mapstructure:"issuer"`
	Subject  string        `mapstructure:"subject"`
	Audience string        `mapstructure:"audience"`
	Secret   string        `mapstructure:"secret"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// OAuth2Auth fetches access tokens with the client_credentials grant. Scope
// is space separated.
type OAuth2Auth struct {
	TokenURL     string `mapstructure:"tokenUrl"`
	ClientID     string `mapstructure:"clientId"`
	ClientSecret string `mapstructure:"clientSecret"`
	Scope        string `mapstructure:"scope"`
}

// Validate rejects configurations with more than one scheme or missing
// credentials.
func (a AuthConfig) Validate() error {
	n := 0
	if a.Basic != nil {
		n++
		if a.Basic.User == "" {
			return fmt.Errorf("auth.basic: user is required")
		}
	}
	if a.Bearer != nil {
		n++
		if a.Bearer.Token == "" {
			return fmt.Errorf("auth.bearer: token is required")
		}
	}
	if a.JWT != nil {
		n++
		if a.JWT.Secret == "" {
			return fmt.Errorf("auth.jwt: secret is required")
		}
	}
	if a.OAuth2 != nil {
		n++
		if a.OAuth2.TokenURL == "" || a.OAuth2.ClientID == "" {
			return fmt.Errorf("auth.oauth2: tokenUrl and clientId are required")
		}
	}
	if n > 1 {
		return fmt.Errorf("auth: only one scheme may be configured")
	}
	return nil
}

type authenticator interface {
	apply(req *http.Request) error
}

func (a AuthConfig) authenticator(tokenClient *http.Client) (authenticator, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	switch {
	case a.Basic != nil:
		return basicAuth(*a.Basic), nil
	case a.Bearer != nil:
		return staticBearer(a.Bearer.Token), nil
	case a.JWT != nil:
		return &jwtMinter{cfg: *a.JWT, now: time.Now}, nil
	case a.OAuth2 != nil:
		return newClientCredentials(*a.OAuth2, tokenClient), nil
	}
	return nil, nil
}

type basicAuth BasicAuth

func (b basicAuth) apply(req *http.Request) error {
	req.SetBasicAuth(b.User, b.Password)
	return nil
}

type staticBearer string

func (t staticBearer) apply(req *http.Request) error {
	req.Header.Set("Authorization", "Bearer "+string(t))
	return nil
}

// ---------------------------------------------------------------------------
// JWT
// ---------------------------------------------------------------------------

type jwtMinter struct {
	cfg JWTAuth
	now func() time.Time

	mu      sync.Mutex
	token   string
	renewAt time.Time
}

func (m *jwtMinter) apply(req *http.Request) error {
	token, err := m.current()
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

// current returns the cached token, minting a new one once 80% of its
// lifetime has passed.
func (m *jwtMinter) current() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if m.token != "" && now.Before(m.renewAt) {
		return m.token, nil
	}
	ttl := m.cfg.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	claims := jwt.RegisteredClaims{
		Issuer:    m.cfg.Issuer,
		Subject:   m.cfg.Subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		ID:        uuid.New().String(),
	}
	if m.cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{m.cfg.Audience}
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(m.cfg.Secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	m.token = signed
	m.renewAt = now.Add(ttl * 8 / 10)
	return signed, nil
}

// ---------------------------------------------------------------------------
// OAuth2 client credentials
// ---------------------------------------------------------------------------

// clientCredentials hands out tokens from a reusing source, so the token
// endpoint is asked again only once the cached token has expired.
type clientCredentials struct {
	source oauth2.TokenSource
}

func newClientCredentials(cfg OAuth2Auth, tokenClient *http.Client) *clientCredentials {
	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		Scopes:       strings.Fields(cfg.Scope),
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, tokenClient)
	return &clientCredentials{source: cc.TokenSource(ctx)}
}

func (c *clientCredentials) apply(req *http.Request) error {
	token, err := c.source.Token()
	if err != nil {
		return fmt.Errorf("oauth2 token: %w", err)
	}
	token.SetAuthHeader(req)
	return nil
}
