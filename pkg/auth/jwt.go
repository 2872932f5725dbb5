package auth

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/jwalitptl/paypulse/internal/model"
)

var ErrInvalidToken = errors.New("invalid token")

type Config struct {
	Secret   string
	Issuer   string
	Audience string
	Leeway   time.Duration
}

// Verifier checks HMAC-signed access tokens. Tokens are issued elsewhere.
type Verifier struct {
	secret []byte
	parser *jwt.Parser
}

func NewVerifier(cfg Config) *Verifier {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS384.Alg(), jwt.SigningMethodHS512.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.Leeway),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return &Verifier{secret: []byte(cfg.Secret), parser: jwt.NewParser(opts...)}
}

// Verify parses raw and returns the caller it identifies. The raw token is
// kept as the credential so it can be forwarded to the ledger.
func (v *Verifier) Verify(raw string) (model.Principal, error) {
	claims := &model.TokenClaims{}
	_, err := v.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		return model.Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return model.Principal{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	return model.Principal{
		Subject:    claims.Subject,
		Role:       claims.Role,
		Credential: raw,
	}, nil
}

// Issuer mints this service's own tokens and reuses one until half of its
// lifetime has passed.
type Issuer struct {
	secret   []byte
	issuer   string
	audience string
	subject  string
	role     string
	ttl      time.Duration
	now      func() time.Time

	mu      sync.Mutex
	token   string
	renewAt time.Time
}

func NewIssuer(cfg Config, subject, role string, ttl time.Duration) *Issuer {
	return &Issuer{
		secret:   []byte(cfg.Secret),
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		subject:  subject,
		role:     role,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Credential returns a token valid for at least half the configured TTL.
func (i *Issuer) Credential() (string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	now := i.now()
	if i.token != "" && now.Before(i.renewAt) {
		return i.token, nil
	}

	claims := model.TokenClaims{
		Role: i.role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   i.subject,
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	if i.audience != "" {
		claims.Audience = jwt.ClaimStrings{i.audience}
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign service token: %w", err)
	}
	i.token = token
	i.renewAt = now.Add(i.ttl / 2)
	return token, nil
}
