package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
)

// Issuer is stamped into every token and required on validation.
const Issuer = "parking-es"

// TokenUse separates access tokens from refresh tokens; both are signed
// with the same key.
type TokenUse string

const (
	UseAccess  TokenUse = "access"
	UseRefresh TokenUse = "refresh"
)

// Claims identifies the caller of a parking command or query.
type Claims struct {
	UserID string   `json:"user_id"`
	Email  string   `json:"email,omitempty"`
	Role   string   `json:"role,omitempty"`
	Use    TokenUse `json:"use"`
	jwt.RegisteredClaims
}

// JWTService issues and checks HS256 tokens.
type JWTService struct {
	secretKey     []byte
	accessExpiry  time.Duration
	refreshExpiry time.Duration
	now           func() time.Time
}

func NewJWTService(secretKey string, accessExpiry, refreshExpiry time.Duration) *JWTService {
	return &JWTService{
		secretKey:     []byte(secretKey),
		accessExpiry:  accessExpiry,
		refreshExpiry: refreshExpiry,
		now:           time.Now,
	}
}

// GenerateAccessToken returns a signed access token and its expiry.
func (s *JWTService) GenerateAccessToken(userID, email, role string) (string, time.Time, error) {
	return s.sign(Claims{UserID: userID, Email: email, Role: role, Use: UseAccess}, s.accessExpiry)
}

// GenerateRefreshToken returns a signed refresh token. It carries only the
// user id; role and email are re-read from the users read model on refresh.
func (s *JWTService) GenerateRefreshToken(userID string) (string, time.Time, error) {
	return s.sign(Claims{UserID: userID, Use: UseRefresh}, s.refreshExpiry)
}

func (s *JWTService) sign(claims Claims, ttl time.Duration) (string, time.Time, error) {
	issuedAt := s.now()
	expiresAt := issuedAt.Add(ttl)
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Issuer:    Issuer,
		Subject:   claims.UserID,
		IssuedAt:  jwt.NewNumericDate(issuedAt),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secretKey)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// ValidateAccessToken rejects refresh tokens as well as bad signatures.
func (s *JWTService) ValidateAccessToken(tokenString string) (*Claims, error) {
	return s.parse(tokenString, UseAccess)
}

// ValidateRefreshToken returns the user id of a valid refresh token.
func (s *JWTService) ValidateRefreshToken(tokenString string) (string, error) {
	claims, err := s.parse(tokenString, UseRefresh)
	if err != nil {
		return "", err
	}
	return claims.UserID, nil
}

func (s *JWTService) parse(tokenString string, use TokenUse) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return s.secretKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}
	if !token.Valid || claims.Use != use || claims.UserID == "" || claims.Subject != claims.UserID {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (s *JWTService) AccessExpiry() time.Duration  { return s.accessExpiry }
func (s *JWTService) RefreshExpiry() time.Duration { return s.refreshExpiry }
