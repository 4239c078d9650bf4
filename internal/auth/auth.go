// Package auth verifies the bearer tokens presented when a connection is
// opened and turns them into trusted identities.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/omochice/pairchat/internal/clock"
)

var (
	// ErrUnauthorized covers every reason a token is refused: missing,
	// malformed, bad signature, expired, or lacking a usable subject.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNoSigningKey is returned when a Verifier or Issuer is built
	// without a key.
	ErrNoSigningKey = errors.New("signing key is empty")
)

// userIDPattern never admits the room key separator.
var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9.-]{1,128}$`)

// ValidUserID reports whether id is a syntactically valid user identifier.
func ValidUserID(id string) bool {
	return userIDPattern.MatchString(id)
}

// Identity is an authenticated user.
type Identity struct {
	UserID      string
	DisplayName string
}

// Claims is the claim set carried by relay tokens.
type Claims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Verifier checks HS256 tokens.
type Verifier struct {
	key    []byte
	parser *jwt.Parser
}

// NewVerifier creates a Verifier for tokens signed with secret. Passing a nil
// clock uses the wall clock.
func NewVerifier(secret []byte, clk clock.Clock) (*Verifier, error) {
	if len(secret) == 0 {
		return nil, ErrNoSigningKey
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Verifier{
		key: secret,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
			jwt.WithTimeFunc(clk.Now),
		),
	}, nil
}

// Verify validates token and extracts the identity it carries.
func (v *Verifier) Verify(token string) (Identity, error) {
	if token == "" {
		return Identity{}, fmt.Errorf("%w: token missing", ErrUnauthorized)
	}

	claims := &Claims{}
	_, err := v.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.key, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}

	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: subject missing", ErrUnauthorized)
	}
	if !ValidUserID(claims.Subject) {
		return Identity{}, fmt.Errorf("%w: subject %q is not a valid user id", ErrUnauthorized, claims.Subject)
	}

	name := claims.Name
	if name == "" {
		name = claims.Subject
	}
	return Identity{UserID: claims.Subject, DisplayName: name}, nil
}

// Issuer mints tokens that a Verifier with the same secret accepts.
type Issuer struct {
	key   []byte
	clock clock.Clock
}

// NewIssuer creates an Issuer. Passing a nil clock uses the wall clock.
func NewIssuer(secret []byte, clk clock.Clock) (*Issuer, error) {
	if len(secret) == 0 {
		return nil, ErrNoSigningKey
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Issuer{key: secret, clock: clk}, nil
}

// Issue signs a token for id that expires after ttl.
func (i *Issuer) Issue(id Identity, ttl time.Duration) (string, error) {
	if !ValidUserID(id.UserID) {
		return "", fmt.Errorf("invalid user id %q", id.UserID)
	}

	now := i.clock.Now()
	claims := Claims{
		Name: id.DisplayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// TokenFromRequest extracts the bearer token from the Authorization header,
// falling back to the token query parameter for clients that cannot set
// headers on a WebSocket handshake.
func TokenFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}
