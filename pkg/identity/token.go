package identity

import (
	"context"
	"errors"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"storefront/pkg/domain"
)

const (
	defaultIssuer = "storefront"
	defaultLeeway = 30 * time.Second
)

var ErrInvalidToken = errors.New("invalid token")

// Claims is the access-token payload issued by the external identity
// provider.
type Claims struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

type TokenConfig struct {
	Secret string
	Issuer string
	Leeway time.Duration
}

// TokenResolver validates HS256 bearer tokens and mirrors their subject into
// the Users table.
type TokenResolver struct {
	secret []byte
	issuer string
	leeway time.Duration
	mirror *Mirror
}

func NewTokenResolver(cfg TokenConfig, mirror *Mirror) (*TokenResolver, error) {
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" {
		return nil, errors.New("token resolver requires a secret")
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = defaultIssuer
	}
	leeway := cfg.Leeway
	if leeway <= 0 {
		leeway = defaultLeeway
	}
	return &TokenResolver{secret: []byte(secret), issuer: issuer, leeway: leeway, mirror: mirror}, nil
}

// Resolve validates token and returns the mirrored identity.
func (r *TokenResolver) Resolve(ctx context.Context, token string) (domain.Identity, error) {
	claims, err := r.parse(token)
	if err != nil {
		return domain.Identity{}, err
	}
	return r.mirror.Upsert(ctx, domain.Identity{
		ID:          claims.Subject,
		DisplayName: claims.Name,
		Email:       claims.Email,
		Role:        domain.ParseRole(claims.Role),
	})
}

func (r *TokenResolver) parse(token string) (Claims, error) {
	claims := Claims{}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return r.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(r.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(r.leeway),
	)
	if err != nil || !parsed.Valid {
		return claims, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return claims, ErrInvalidToken
	}
	return claims, nil
}

// Issue signs a token for u. The storefront never signs users in itself;
// this serves the admin CLI and tests.
func (r *TokenResolver) Issue(u domain.Identity, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Name:  u.DisplayName,
		Email: u.Email,
		Role:  string(u.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			Issuer:    r.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return token.SignedString(r.secret)
}
