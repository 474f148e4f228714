package coinbase

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/aelhadee/247trader-V2-sub000/pkg/errors"
)

const jwtExpirySeconds = 120

// Credentials holds the API key pair loaded from the environment. The
// secret's shape selects the auth scheme: PEM keys sign Cloud JWTs,
// anything else signs legacy HMAC headers.
type Credentials struct {
	APIKey    string
	APISecret string
}

// LoadCredentialsFromEnv reads CB_API_KEY/CB_API_SECRET, falling back to
// COINBASE_API_KEY/COINBASE_API_SECRET. Environment variables are the only
// supported credential path.
func LoadCredentialsFromEnv() (*Credentials, error) {
	key := os.Getenv("CB_API_KEY")
	secret := os.Getenv("CB_API_SECRET")
	if key == "" || secret == "" {
		key = os.Getenv("COINBASE_API_KEY")
		secret = os.Getenv("COINBASE_API_SECRET")
	}
	if key == "" || secret == "" {
		return nil, fmt.Errorf("%w: CB_API_KEY/CB_API_SECRET not set", apperrors.ErrAuthenticationFailed)
	}

	creds := &Credentials{APIKey: key, APISecret: secret}
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	return creds, nil
}

// Validate performs shape checks so LIVE startup fails fast on malformed keys
func (c *Credentials) Validate() error {
	if len(c.APIKey) < 8 {
		return fmt.Errorf("%w: api key too short", apperrors.ErrAuthenticationFailed)
	}
	if c.IsPEM() {
		if !strings.Contains(c.APISecret, "-----END") {
			return fmt.Errorf("%w: PEM secret missing END marker", apperrors.ErrAuthenticationFailed)
		}
		return nil
	}
	if len(c.APISecret) < 16 {
		return fmt.Errorf("%w: api secret too short", apperrors.ErrAuthenticationFailed)
	}
	return nil
}

// IsPEM reports whether the secret is a PEM-encoded EC private key
func (c *Credentials) IsPEM() bool {
	return strings.HasPrefix(strings.TrimSpace(c.APISecret), "-----BEGIN")
}

// NewSigner returns the signer matching the credential shape
func (c *Credentials) NewSigner() (Signer, error) {
	if c.IsPEM() {
		return NewJWTSigner(c)
	}
	return &HMACSigner{creds: c, now: time.Now}, nil
}

// Signer signs an outgoing exchange request
type Signer interface {
	SignRequest(req *http.Request, body []byte) error
}

// HMACSigner implements the legacy CB-ACCESS-* header scheme. The signed
// path includes the query string with keys in lexicographic order.
type HMACSigner struct {
	creds *Credentials
	now   func() time.Time
}

// SignRequest adds authentication headers to the request
func (s *HMACSigner) SignRequest(req *http.Request, body []byte) error {
	timestamp := fmt.Sprintf("%d", s.now().Unix())

	signedPath := req.URL.Path
	if req.URL.RawQuery != "" {
		// url.Values.Encode sorts keys, giving a deterministic signature.
		signedPath += "?" + req.URL.Query().Encode()
	}

	payload := timestamp + req.Method + signedPath + string(body)

	mac := hmac.New(sha256.New, []byte(s.creds.APISecret))
	mac.Write([]byte(payload))
	signature := hex.EncodeToString(mac.Sum(nil))

	req.Header.Set("CB-ACCESS-KEY", s.creds.APIKey)
	req.Header.Set("CB-ACCESS-SIGN", signature)
	req.Header.Set("CB-ACCESS-TIMESTAMP", timestamp)
	return nil
}

// JWTSigner implements Cloud API ES256 bearer tokens. The signed uri claim
// never includes the query string.
type JWTSigner struct {
	creds      *Credentials
	privateKey interface{}
	host       string
	now        func() time.Time
}

// NewJWTSigner parses the PEM key once up front
func NewJWTSigner(creds *Credentials) (*JWTSigner, error) {
	key, err := jwt.ParseECPrivateKeyFromPEM([]byte(creds.APISecret))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse EC private key: %v", apperrors.ErrAuthenticationFailed, err)
	}
	return &JWTSigner{
		creds:      creds,
		privateKey: key,
		host:       "api.coinbase.com",
		now:        time.Now,
	}, nil
}

// SignRequest attaches a short-lived bearer token
func (s *JWTSigner) SignRequest(req *http.Request, _ []byte) error {
	nbf := s.now().Unix()
	uri := fmt.Sprintf("%s %s%s", req.Method, s.host, req.URL.Path)

	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"sub": s.creds.APIKey,
		"iss": "cdp",
		"nbf": nbf,
		"exp": nbf + jwtExpirySeconds,
		"uri": uri,
	})
	token.Header["kid"] = s.creds.APIKey
	token.Header["nonce"] = newNonce()

	signed, err := token.SignedString(s.privateKey)
	if err != nil {
		return fmt.Errorf("%w: failed to sign JWT: %v", apperrors.ErrAuthenticationFailed, err)
	}

	req.Header.Set("Authorization", "Bearer "+signed)
	return nil
}

func newNonce() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failure means a broken platform; a time-derived
		// nonce keeps the request usable.
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
