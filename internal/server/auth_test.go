package server_test

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aidin1998/tradesentry/internal/config"
	"github.com/Aidin1998/tradesentry/internal/server"
	"github.com/Aidin1998/tradesentry/pkg/errors"
)

func newAuth(t *testing.T, cfg config.AuthConfig) *server.Authenticator {
	t.Helper()
	if cfg.Secret == "" {
		cfg.Secret = testSecret
	}
	a, err := server.NewAuthenticator(cfg)
	require.NoError(t, err)
	return a
}

func sign(t *testing.T, method jwt.SigningMethod, key any, claims jwt.Claims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return signed
}

func TestNewAuthenticatorRejectsShortSecret(t *testing.T) {
	_, err := server.NewAuthenticator(config.AuthConfig{Secret: "too-short"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.Fatal))
}

func TestIssueAndVerify(t *testing.T) {
	a := newAuth(t, config.AuthConfig{Issuer: "tradesentry", Audience: "risk-ops"})

	token, err := a.Issue("analyst", time.Minute)
	require.NoError(t, err)

	claims, err := a.Verify("Bearer " + token)
	require.NoError(t, err)
	assert.Equal(t, "analyst", claims.Name())
	assert.Equal(t, "tradesentry", claims.Issuer)
	assert.NotEmpty(t, claims.ID)

	_, err = a.Issue("", time.Minute)
	assert.True(t, errors.Is(err, errors.Invalid))
}

func TestVerifyFallsBackToSubject(t *testing.T) {
	a := newAuth(t, config.AuthConfig{})
	token := sign(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.RegisteredClaims{
		Subject:   "night-desk",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	})

	claims, err := a.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "night-desk", claims.Name())
}

func TestVerifyRejects(t *testing.T) {
	a := newAuth(t, config.AuthConfig{Issuer: "tradesentry", Audience: "risk-ops"})
	key := []byte(testSecret)
	valid := func() *server.OperatorClaims {
		return &server.OperatorClaims{
			Operator: "analyst",
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    "tradesentry",
				Audience:  jwt.ClaimStrings{"risk-ops"},
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
			},
		}
	}

	cases := map[string]string{
		"empty": "",
		"expired": func() string {
			c := valid()
			c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
			return sign(t, jwt.SigningMethodHS256, key, c)
		}(),
		"no expiry": func() string {
			c := valid()
			c.ExpiresAt = nil
			return sign(t, jwt.SigningMethodHS256, key, c)
		}(),
		"wrong issuer": func() string {
			c := valid()
			c.Issuer = "elsewhere"
			return sign(t, jwt.SigningMethodHS256, key, c)
		}(),
		"wrong audience": func() string {
			c := valid()
			c.Audience = jwt.ClaimStrings{"billing"}
			return sign(t, jwt.SigningMethodHS256, key, c)
		}(),
		"no operator": func() string {
			c := valid()
			c.Operator = ""
			return sign(t, jwt.SigningMethodHS256, key, c)
		}(),
		"unsigned": func() string {
			return sign(t, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, valid())
		}(),
		"other hmac": func() string {
			return sign(t, jwt.SigningMethodHS512, key, valid())
		}(),
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := a.Verify(token)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.Unauthorized), err.Error())
		})
	}

	_, err := a.Verify(sign(t, jwt.SigningMethodHS256, key, valid()))
	assert.NoError(t, err)
}
