package server

import (
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/Aidin1998/tradesentry/internal/config"
	"github.com/Aidin1998/tradesentry/pkg/errors"
)

const (
	minSecretLen = 32
	operatorKey  = "operator"
)

// OperatorClaims names the operator behind a mutating API call. Operator
// falls back to the subject when absent.
type OperatorClaims struct {
	Operator string `json:"operator,omitempty"`
	jwt.RegisteredClaims
}

// Name returns the operator recorded against alert status changes.
func (c *OperatorClaims) Name() string {
	if c.Operator != "" {
		return c.Operator
	}
	return c.Subject
}

// Authenticator issues and verifies HS256 operator tokens
type Authenticator struct {
	secret   []byte
	issuer   string
	audience string
	parser   *jwt.Parser
}

// NewAuthenticator builds a verifier from cfg. A secret shorter than 32
// bytes is rejected.
func NewAuthenticator(cfg config.AuthConfig) (*Authenticator, error) {
	if len(cfg.Secret) < minSecretLen {
		return nil, errors.Fatal.Explain("server.auth.secret must be at least %d bytes", minSecretLen)
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.Leeway),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return &Authenticator{
		secret:   []byte(cfg.Secret),
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		parser:   jwt.NewParser(opts...),
	}, nil
}

// Issue signs a token for operator that expires after ttl.
func (a *Authenticator) Issue(operator string, ttl time.Duration) (string, error) {
	if operator == "" {
		return "", errors.Invalid.Explain("operator is required")
	}
	if ttl <= 0 {
		return "", errors.Invalid.Explain("token lifetime must be positive")
	}
	now := time.Now()
	claims := &OperatorClaims{
		Operator: operator,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   operator,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if a.audience != "" {
		claims.Audience = jwt.ClaimStrings{a.audience}
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify parses a raw or "Bearer "-prefixed token.
func (a *Authenticator) Verify(raw string) (*OperatorClaims, error) {
	raw = strings.TrimSpace(strings.TrimPrefix(raw, "Bearer "))
	if raw == "" {
		return nil, errors.Unauthorized.Explain("bearer token required")
	}

	token, err := a.parser.ParseWithClaims(raw, &OperatorClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, errors.Unauthorized.Explain("invalid token").Wrap(err)
	}

	claims, ok := token.Claims.(*OperatorClaims)
	if !ok || !token.Valid {
		return nil, errors.Unauthorized.Explain("invalid token claims")
	}
	if claims.Name() == "" {
		return nil, errors.Unauthorized.Explain("token names no operator")
	}
	return claims, nil
}

// requireOperator rejects requests without a valid bearer token and stores
// the operator name on the gin context.
func (s *Server) requireOperator(c *gin.Context) {
	claims, err := s.auth.Verify(c.GetHeader("Authorization"))
	if err != nil {
		c.Header("WWW-Authenticate", `Bearer realm="tradesentry"`)
		s.respondError(c, err)
		return
	}
	c.Set(operatorKey, claims.Name())
	c.Next()
}

func operatorFrom(c *gin.Context) string {
	return c.GetString(operatorKey)
}
