package security

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"errors"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken is returned when a token is malformed, mis-signed, or carries the wrong claims.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken is returned when a token's signature is valid but its exp has passed.
	ErrExpiredToken = errors.New("token expired")
)

// Token kinds carried in the token_use claim. Every token names its own kind
// so an access token can never be presented as a refresh token or vice versa.
const (
	KindAccess  = "access"
	KindRefresh = "refresh"
)

// Claims holds the JWT claims for both token kinds: the user (subject), the
// token family the login created, the session bound to that family, and the kind.
type Claims struct {
	jwt.RegisteredClaims
	FamilyID  string `json:"family_id"`
	SessionID string `json:"session_id"`
	TokenUse  string `json:"token_use"`
	IsAdmin   bool   `json:"is_admin,omitempty"`
}

// UserID parses the subject claim as the numeric user id.
func (c *Claims) UserID() (int64, error) {
	id, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil || id <= 0 {
		return 0, ErrInvalidToken
	}
	return id, nil
}

// TokenProvider issues and validates JWT access and refresh tokens using RS256 or ES256 (private/public key).
type TokenProvider struct {
	privateKey crypto.Signer
	publicKey  crypto.PublicKey
	issuer     string
	audience   string
	accessTTL  time.Duration
}

// NewTokenProvider returns a TokenProvider that signs with the given private key (RS256 or ES256).
// issuer and audience are set on claims and validated on every parse. accessTTL is the
// access-token lifetime; refresh lifetimes vary per login and are passed to IssueRefresh.
func NewTokenProvider(privateKey crypto.Signer, publicKey crypto.PublicKey, issuer, audience string, accessTTL time.Duration) *TokenProvider {
	return &TokenProvider{
		privateKey: privateKey,
		publicKey:  publicKey,
		issuer:     issuer,
		audience:   audience,
		accessTTL:  accessTTL,
	}
}

// AccessTTL returns the configured access-token lifetime.
func (p *TokenProvider) AccessTTL() time.Duration { return p.accessTTL }

// IssueAccess issues a short-lived access JWT bound to the session and token family.
// Returns the token string, its jti, and expiration time.
func (p *TokenProvider) IssueAccess(userID int64, isAdmin bool, sessionID, familyID string) (token, jti string, expiresAt time.Time, err error) {
	return p.issue(userID, sessionID, familyID, KindAccess, isAdmin, p.accessTTL)
}

// IssueRefresh issues a refresh JWT with the given lifetime (the remember-me
// extension is the caller's choice). Returns the token, its jti, and expiry.
// Callers must store only a hash of the returned token.
func (p *TokenProvider) IssueRefresh(userID int64, sessionID, familyID string, ttl time.Duration) (token, jti string, expiresAt time.Time, err error) {
	return p.issue(userID, sessionID, familyID, KindRefresh, false, ttl)
}

func (p *TokenProvider) issue(userID int64, sessionID, familyID, kind string, isAdmin bool, ttl time.Duration) (string, string, time.Time, error) {
	jti, err := generateJTI()
	if err != nil {
		return "", "", time.Time{}, err
	}
	now := time.Now().UTC()
	expiresAt := now.Add(ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   strconv.FormatInt(userID, 10),
			Issuer:    p.issuer,
			Audience:  jwt.ClaimStrings{p.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		FamilyID:  familyID,
		SessionID: sessionID,
		TokenUse:  kind,
		IsAdmin:   isAdmin,
	}
	token, err := p.sign(claims)
	return token, jti, expiresAt, err
}

func (p *TokenProvider) sign(claims jwt.Claims) (string, error) {
	var method jwt.SigningMethod
	switch p.privateKey.Public().(type) {
	case *rsa.PublicKey:
		method = jwt.SigningMethodRS256
	case *ecdsa.PublicKey:
		method = jwt.SigningMethodES256
	default:
		return "", ErrInvalidToken
	}
	t := jwt.NewWithClaims(method, claims)
	return t.SignedString(p.privateKey)
}

// ValidateAccess parses and validates an access token (signature, exp, iss, aud, kind).
func (p *TokenProvider) ValidateAccess(tokenString string) (*Claims, error) {
	return p.validate(tokenString, KindAccess)
}

// ValidateRefresh parses and validates a refresh token (signature, exp, iss, aud, kind).
func (p *TokenProvider) ValidateRefresh(tokenString string) (*Claims, error) {
	return p.validate(tokenString, KindRefresh)
}

func (p *TokenProvider) validate(tokenString, kind string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); ok {
			return p.publicKey, nil
		}
		if _, ok := token.Method.(*jwt.SigningMethodECDSA); ok {
			return p.publicKey, nil
		}
		return nil, ErrInvalidToken
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Issuer != p.issuer {
		return nil, ErrInvalidToken
	}
	audOk := false
	for _, a := range claims.Audience {
		if a == p.audience {
			audOk = true
			break
		}
	}
	if !audOk {
		return nil, ErrInvalidToken
	}
	if claims.TokenUse != kind {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func generateJTI() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
