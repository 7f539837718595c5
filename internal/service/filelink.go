package service

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/and161185/report-keeper/internal/errs"
)

// DefaultLinkTTL bounds the lifetime of a signed download link.
const DefaultLinkTTL = 15 * time.Minute

// FileLinks signs short-lived download tokens for attachment locators,
// for clients that open files where no Authorization header can be sent.
type FileLinks struct {
	signKey []byte
	ttl     time.Duration
	now     func() time.Time
}

type fileClaims struct {
	jwt.RegisteredClaims
	Path    string `json:"path"`
	KeyHash string `json:"kh"`
}

// LinkGrant is a verified download token.
type LinkGrant struct {
	UserID  int64
	Path    string
	keyHash string
}

// IssuedFor reports whether the grant was signed under apiKey.
// A logout or reset rotates the key and so revokes every link signed before it.
func (g LinkGrant) IssuedFor(apiKey string) bool {
	if apiKey == "" || g.keyHash == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(g.keyHash), []byte(keyFingerprint(apiKey))) == 1
}

func keyFingerprint(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])
}

// NewFileLinks constructs FileLinks. A non-positive ttl selects DefaultLinkTTL.
func NewFileLinks(signKey []byte, ttl time.Duration) *FileLinks {
	if ttl <= 0 {
		ttl = DefaultLinkTTL
	}
	return &FileLinks{signKey: signKey, ttl: ttl, now: time.Now}
}

// Sign creates an HS256 token granting userID read access to locator while apiKey
// stays the user's key.
func (f *FileLinks) Sign(userID int64, apiKey, locator string) (string, time.Time, error) {
	if apiKey == "" {
		return "", time.Time{}, errs.ErrInvalidAPIKey
	}
	now := f.now()
	exp := now.Add(f.ttl)
	claims := fileClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(userID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Path:    locator,
		KeyHash: keyFingerprint(apiKey),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(f.signKey)
	return signed, exp, err
}

// Verify checks the token signature and lifetime. Callers must still match the grant
// against the user's current api key with IssuedFor.
func (f *FileLinks) Verify(token string) (LinkGrant, error) {
	var claims fileClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return f.signKey, nil
	}, jwt.WithTimeFunc(f.now), jwt.WithLeeway(30*time.Second))
	if err != nil || !parsed.Valid {
		return LinkGrant{}, errs.ErrUnauthenticated
	}

	v := jwt.NewValidator(jwt.WithLeeway(30*time.Second), jwt.WithTimeFunc(f.now))
	if err := v.Validate(&claims); err != nil {
		return LinkGrant{}, errs.ErrUnauthenticated
	}

	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || claims.Path == "" || claims.KeyHash == "" {
		return LinkGrant{}, errs.ErrUnauthenticated
	}
	return LinkGrant{UserID: id, Path: claims.Path, keyHash: claims.KeyHash}, nil
}
