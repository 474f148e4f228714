package coinbase

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCredentialsFromEnv_Preferred(t *testing.T) {
	t.Setenv("CB_API_KEY", "key-12345678")
	t.Setenv("CB_API_SECRET", "secret-1234567890abcdef")
	t.Setenv("COINBASE_API_KEY", "legacy-key-ignored")
	t.Setenv("COINBASE_API_SECRET", "legacy-secret-ignored")

	creds, err := LoadCredentialsFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "key-12345678", creds.APIKey)
}

func TestLoadCredentialsFromEnv_Fallback(t *testing.T) {
	t.Setenv("CB_API_KEY", "")
	t.Setenv("CB_API_SECRET", "")
	t.Setenv("COINBASE_API_KEY", "legacy-key-1234")
	t.Setenv("COINBASE_API_SECRET", "legacy-secret-1234567890")

	creds, err := LoadCredentialsFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "legacy-key-1234", creds.APIKey)
}

func TestLoadCredentialsFromEnv_Missing(t *testing.T) {
	t.Setenv("CB_API_KEY", "")
	t.Setenv("CB_API_SECRET", "")
	t.Setenv("COINBASE_API_KEY", "")
	t.Setenv("COINBASE_API_SECRET", "")

	_, err := LoadCredentialsFromEnv()
	assert.Error(t, err)
}

func TestCredentials_PEMDetection(t *testing.T) {
	hmacCreds := &Credentials{APIKey: "key-12345678", APISecret: "plain-secret-1234567890"}
	assert.False(t, hmacCreds.IsPEM())

	pemCreds := &Credentials{APIKey: "key-12345678", APISecret: testECKeyPEM(t)}
	assert.True(t, pemCreds.IsPEM())
}

func TestHMACSigner_SignedPathSortsQuery(t *testing.T) {
	creds := &Credentials{APIKey: "key-12345678", APISecret: "secret-1234567890abcdef"}
	fixed := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	signer := &HMACSigner{creds: creds, now: func() time.Time { return fixed }}

	req, err := http.NewRequest(http.MethodGet, "https://api.coinbase.com/api/v3/brokerage/orders/historical/fills?product_id=BTC-USD&limit=250", nil)
	require.NoError(t, err)
	require.NoError(t, signer.SignRequest(req, nil))

	// Expected signature over the lexicographically sorted query.
	payload := "1787572800" + "GET" + "/api/v3/brokerage/orders/historical/fills?limit=250&product_id=BTC-USD"
	mac := hmac.New(sha256.New, []byte(creds.APISecret))
	mac.Write([]byte(payload))
	want := hex.EncodeToString(mac.Sum(nil))

	assert.Equal(t, want, req.Header.Get("CB-ACCESS-SIGN"))
	assert.Equal(t, "key-12345678", req.Header.Get("CB-ACCESS-KEY"))
	assert.Equal(t, "1787572800", req.Header.Get("CB-ACCESS-TIMESTAMP"))
}

func TestHMACSigner_Deterministic(t *testing.T) {
	creds := &Credentials{APIKey: "key-12345678", APISecret: "secret-1234567890abcdef"}
	fixed := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	sign := func(rawURL string) string {
		signer := &HMACSigner{creds: creds, now: func() time.Time { return fixed }}
		req, err := http.NewRequest(http.MethodGet, rawURL, nil)
		require.NoError(t, err)
		require.NoError(t, signer.SignRequest(req, nil))
		return req.Header.Get("CB-ACCESS-SIGN")
	}

	// Parameter order in the raw URL must not change the signature.
	a := sign("https://x.test/path?b=2&a=1")
	b := sign("https://x.test/path?a=1&b=2")
	assert.Equal(t, a, b)
}

func TestJWTSigner_Claims(t *testing.T) {
	keyPEM := testECKeyPEM(t)
	creds := &Credentials{APIKey: "organizations/org/apiKeys/key-1", APISecret: keyPEM}

	signer, err := NewJWTSigner(creds)
	require.NoError(t, err)
	fixed := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	signer.now = func() time.Time { return fixed }

	req, err := http.NewRequest(http.MethodGet, "https://api.coinbase.com/api/v3/brokerage/accounts?limit=250", nil)
	require.NoError(t, err)
	require.NoError(t, signer.SignRequest(req, nil))

	auth := req.Header.Get("Authorization")
	require.True(t, strings.HasPrefix(auth, "Bearer "))

	block, _ := pem.Decode([]byte(keyPEM))
	key, err := x509.ParseECPrivateKey(block.Bytes)
	require.NoError(t, err)

	token, err := jwt.Parse(strings.TrimPrefix(auth, "Bearer "), func(t *jwt.Token) (interface{}, error) {
		return &key.PublicKey, nil
	}, jwt.WithValidMethods([]string{"ES256"}), jwt.WithTimeFunc(func() time.Time { return fixed.Add(time.Second) }))
	require.NoError(t, err)

	claims := token.Claims.(jwt.MapClaims)
	assert.Equal(t, "organizations/org/apiKeys/key-1", claims["sub"])
	assert.Equal(t, "cdp", claims["iss"])
	// The uri claim never includes the query string.
	assert.Equal(t, "GET api.coinbase.com/api/v3/brokerage/accounts", claims["uri"])
	assert.Equal(t, float64(fixed.Unix()+120), claims["exp"])

	assert.Equal(t, "organizations/org/apiKeys/key-1", token.Header["kid"])
	assert.NotEmpty(t, token.Header["nonce"])
}

func testECKeyPEM(t *testing.T) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	var sb strings.Builder
	require.NoError(t, pem.Encode(&sb, &pem.Block{Type: "EC PRIVATE KEY", Bytes: der}))
	return sb.String()
}
