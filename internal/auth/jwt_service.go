package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/solvohq/authcore/pkg/errors"
)

// Token lifetimes used when the configuration leaves them unset.
const (
	DefaultAccessTokenTTL  = 60 * time.Minute
	DefaultRefreshTokenTTL = 7 * 24 * time.Hour
	DefaultTwoFactorTTL    = 5 * time.Minute
)

// Token kinds carried in the "type" claim. Verification rejects tokens whose
// kind does not match the calling context.
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// PurposeTwoFactor marks the short-lived token bridging the password step and
// the second-factor step of a 2FA login.
const PurposeTwoFactor = "2fa_verify"

// JWTConfig bundles the configuration required to build a JWTService.
type JWTConfig struct {
	Secret          string
	Issuer          string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	TwoFactorTTL    time.Duration
	Clock           func() time.Time
}

// Claims represents the custom claims embedded in issued JWTs. Subject carries
// the user id; ID carries the jti used as the session revocation key.
type Claims struct {
	Username  string   `json:"username,omitempty"`
	Email     string   `json:"email,omitempty"`
	Roles     []string `json:"roles,omitempty"`
	TokenType string   `json:"type"`
	Purpose   string   `json:"purpose,omitempty"`
	jwt.RegisteredClaims
}

// UserID parses the subject claim back into a numeric user id.
func (c *Claims) UserID() (uint, error) {
	id, err := strconv.ParseUint(c.Subject, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("jwt: parse subject %q: %w", c.Subject, err)
	}
	return uint(id), nil
}

// AccessTokenInput holds the identity snapshot embedded in a new access token.
type AccessTokenInput struct {
	UserID   uint
	Username string
	Email    string
	Roles    []string
}

// JWTService issues and validates the three token kinds used by the core:
// access tokens, refresh tokens, and 2FA pending-login tokens.
type JWTService struct {
	secret       []byte
	issuer       string
	accessTTL    time.Duration
	refreshTTL   time.Duration
	twoFactorTTL time.Duration
	now          func() time.Time
}

// NewJWTService constructs a JWTService from the provided configuration.
func NewJWTService(cfg JWTConfig) (*JWTService, error) {
	if cfg.Secret == "" {
		return nil, errors.New("jwt: secret must be provided")
	}

	accessTTL := cfg.AccessTokenTTL
	if accessTTL <= 0 {
		accessTTL = DefaultAccessTokenTTL
	}
	refreshTTL := cfg.RefreshTokenTTL
	if refreshTTL <= 0 {
		refreshTTL = DefaultRefreshTokenTTL
	}
	twoFactorTTL := cfg.TwoFactorTTL
	if twoFactorTTL <= 0 {
		twoFactorTTL = DefaultTwoFactorTTL
	}

	now := time.Now
	if cfg.Clock != nil {
		now = cfg.Clock
	}

	return &JWTService{
		secret:       []byte(cfg.Secret),
		issuer:       cfg.Issuer,
		accessTTL:    accessTTL,
		refreshTTL:   refreshTTL,
		twoFactorTTL: twoFactorTTL,
		now:          now,
	}, nil
}

// AccessTokenTTL exposes the configured access token lifetime.
func (s *JWTService) AccessTokenTTL() time.Duration { return s.accessTTL }

// RefreshTokenTTL exposes the configured refresh token lifetime.
func (s *JWTService) RefreshTokenTTL() time.Duration { return s.refreshTTL }

// GenerateAccessToken issues a signed access token embedding the identity snapshot.
func (s *JWTService) GenerateAccessToken(input AccessTokenInput, jti string) (string, error) {
	if input.UserID == 0 {
		return "", errors.New("jwt: user id is required")
	}

	claims := &Claims{
		Username:  input.Username,
		Email:     input.Email,
		Roles:     input.Roles,
		TokenType: TokenTypeAccess,
	}
	s.stampRegistered(&claims.RegisteredClaims, input.UserID, jti, s.accessTTL)

	return s.sign(claims)
}

// GenerateRefreshToken issues a signed refresh token carrying the supplied jti.
// The jti doubles as the Session ledger key, so it must be unique per issuance.
func (s *JWTService) GenerateRefreshToken(userID uint, jti string) (string, error) {
	if userID == 0 {
		return "", errors.New("jwt: user id is required")
	}
	if jti == "" {
		return "", errors.New("jwt: jti is required")
	}

	claims := &Claims{TokenType: TokenTypeRefresh}
	s.stampRegistered(&claims.RegisteredClaims, userID, jti, s.refreshTTL)

	return s.sign(claims)
}

// GenerateTwoFactorToken issues the short-lived pending token returned by a
// password-valid login that still awaits a second factor.
func (s *JWTService) GenerateTwoFactorToken(userID uint) (string, error) {
	if userID == 0 {
		return "", errors.New("jwt: user id is required")
	}

	claims := &Claims{
		TokenType: TokenTypeAccess,
		Purpose:   PurposeTwoFactor,
	}
	s.stampRegistered(&claims.RegisteredClaims, userID, "", s.twoFactorTTL)

	return s.sign(claims)
}

// VerifyToken parses and validates a token, enforcing the expected kind.
// Expired tokens surface as ErrTokenExpired; all other failures (bad
// signature, malformed structure, wrong kind) as ErrTokenInvalid.
func (s *JWTService) VerifyToken(tokenString, expectedType string) (*Claims, error) {
	claims, err := s.Decode(tokenString)
	if err != nil {
		return nil, err
	}

	if claims.TokenType != expectedType {
		return nil, apperrors.ErrTokenInvalid
	}

	return claims, nil
}

// Decode parses and signature-checks a token without enforcing a kind. Used
// by logout, which only needs the jti out of whatever the caller presents.
func (s *JWTService) Decode(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, apperrors.ErrTokenInvalid
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	)

	var claims Claims
	_, err := parser.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, apperrors.ErrTokenExpired.WithInternal(err)
		}
		return nil, apperrors.ErrTokenInvalid.WithInternal(err)
	}

	if s.issuer != "" && claims.Issuer != s.issuer {
		return nil, apperrors.ErrTokenInvalid
	}
	if claims.Subject == "" {
		return nil, apperrors.ErrTokenInvalid
	}

	return &claims, nil
}

func (s *JWTService) stampRegistered(reg *jwt.RegisteredClaims, userID uint, jti string, ttl time.Duration) {
	now := s.now()
	reg.Subject = strconv.FormatUint(uint64(userID), 10)
	reg.Issuer = s.issuer
	reg.IssuedAt = jwt.NewNumericDate(now)
	reg.NotBefore = jwt.NewNumericDate(now)
	reg.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	if jti != "" {
		reg.ID = jti
	}
}

func (s *JWTService) sign(claims *Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("jwt: sign token: %w", err)
	}
	return signed, nil
}
