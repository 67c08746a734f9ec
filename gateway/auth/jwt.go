package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"proofpay/native/escrow"
)

// JWTConfig configures bearer token authentication.
type JWTConfig struct {
	HMACSecret string
	Issuer     string
	Audience   string
	ClockSkew  time.Duration
}

// JWTAuthenticator accepts HS256 bearer tokens whose subject is the caller's
// bech32 address.
type JWTAuthenticator struct {
	cfg    JWTConfig
	secret []byte
	nowFn  func() time.Time
}

// NewJWTAuthenticator validates cfg and returns an authenticator.
func NewJWTAuthenticator(cfg JWTConfig, nowFn func() time.Time) (*JWTAuthenticator, error) {
	secret := []byte(strings.TrimSpace(cfg.HMACSecret))
	if len(secret) == 0 {
		return nil, errors.New("auth: jwt secret not configured")
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 2 * time.Minute
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	return &JWTAuthenticator{cfg: cfg, secret: secret, nowFn: nowFn}, nil
}

// Authenticate implements RequestAuthenticator. The body is not inspected.
func (a *JWTAuthenticator) Authenticate(r *http.Request, _ []byte) (*Principal, error) {
	tokenString := extractBearer(r.Header.Get("Authorization"))
	if tokenString == "" {
		return nil, errors.New("missing bearer token")
	}
	claims, err := a.parseToken(tokenString)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if err := validateClaims(claims, a.cfg.Issuer, a.cfg.Audience); err != nil {
		return nil, err
	}
	subject, err := claims.GetSubject()
	if err != nil || strings.TrimSpace(subject) == "" {
		return nil, errors.New("token subject missing")
	}
	addr, err := escrow.ParseAddress(subject)
	if err != nil {
		return nil, fmt.Errorf("token subject: %w", err)
	}
	return &Principal{Address: addr, Method: "jwt"}, nil
}

func (a *JWTAuthenticator) parseToken(tokenString string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwt.WithLeeway(a.cfg.ClockSkew), jwt.WithTimeFunc(a.nowFn), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("token invalid")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("claims not map")
	}
	return claims, nil
}

func validateClaims(claims jwt.MapClaims, issuer, audience string) error {
	if issuer != "" {
		if value, err := claims.GetIssuer(); err != nil || value != issuer {
			return errors.New("issuer mismatch")
		}
	}
	if audience != "" {
		values, err := claims.GetAudience()
		if err != nil {
			return errors.New("audience mismatch")
		}
		for _, value := range values {
			if value == audience {
				return nil
			}
		}
		return errors.New("audience mismatch")
	}
	return nil
}

// IssueToken mints an HS256 token for subject valid for ttl from now.
func IssueToken(cfg JWTConfig, subject escrow.Address, ttl time.Duration, now time.Time) (string, error) {
	secret := []byte(strings.TrimSpace(cfg.HMACSecret))
	if len(secret) == 0 {
		return "", errors.New("auth: jwt secret not configured")
	}
	if ttl <= 0 {
		return "", errors.New("auth: token ttl must be positive")
	}
	claims := jwt.RegisteredClaims{
		Subject:   subject.String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	if cfg.Issuer != "" {
		claims.Issuer = cfg.Issuer
	}
	if cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{cfg.Audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
