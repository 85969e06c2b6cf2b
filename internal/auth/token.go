// Package auth decodes opaque client credentials into resolved identities.
// Token issuance lives elsewhere; the server only verifies.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dkeye/Gather/internal/domain"
)

var ErrInvalidToken = errors.New("invalid token")

// Identity is the resolved content of a credential.
type Identity struct {
	UserID   domain.UserID   `json:"userId"`
	Username string          `json:"username"`
	Role     domain.UserRole `json:"role"`
}

// Verifier turns an opaque credential into an identity.
type Verifier interface {
	Decode(token string) (Identity, error)
}

// Codec signs and verifies identity tokens with HMAC-SHA256 over the
// shared secret from config. Format: base64url(payload).base64url(mac).
type Codec struct {
	secret []byte
}

func NewCodec(secret string) *Codec {
	return &Codec{secret: []byte(secret)}
}

func (c *Codec) Encode(id Identity) (string, error) {
	payload, err := json.Marshal(id)
	if err != nil {
		return "", err
	}
	mac := c.sign(payload)
	return base64.RawURLEncoding.EncodeToString(payload) + "." + base64.RawURLEncoding.EncodeToString(mac), nil
}

func (c *Codec) Decode(token string) (Identity, error) {
	part, macPart, ok := strings.Cut(token, ".")
	if !ok {
		return Identity{}, fmt.Errorf("%w: missing signature", ErrInvalidToken)
	}
	payload, err := base64.RawURLEncoding.DecodeString(part)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	mac, err := base64.RawURLEncoding.DecodeString(macPart)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !hmac.Equal(mac, c.sign(payload)) {
		return Identity{}, fmt.Errorf("%w: signature mismatch", ErrInvalidToken)
	}

	var id Identity
	if err := json.Unmarshal(payload, &id); err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if id.UserID == "" || id.Username == "" {
		return Identity{}, fmt.Errorf("%w: incomplete identity", ErrInvalidToken)
	}
	if id.Role == "" {
		id.Role = domain.RoleGuest
	}
	return id, nil
}

func (c *Codec) sign(payload []byte) []byte {
	h := hmac.New(sha256.New, c.secret)
	h.Write(payload)
	return h.Sum(nil)
}
