// Package auth issues and verifies HMAC-signed bearer tokens.
//
// A token is three dot-separated base64url (no padding) segments:
//
//	base64url(header) "." base64url(payload) "." base64url(HMAC-SHA256(header "." payload, key))
//
// where header is {"alg":"HS256","typ":"JWT"} and payload is
// {"sub": <uuid>, "typ": <identity type>, "iat": <unix>, "exp": <unix>}.
// Tokens stay valid until exp; there is no revocation and no clock skew allowance.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/luciancaetano/kephasgate"
	"github.com/luciancaetano/kephasgate/internal/validator"
)

// DefaultTTL is the lifetime of issued tokens.
const DefaultTTL = 7 * 24 * time.Hour

const bearerPrefix = "Bearer "

// ErrUnauthorized is wrapped by every verification failure.
var ErrUnauthorized = stderrors.New("unauthorized")

var payloadRules = kephasgate.Rules{
	"*":   validator.RuleIsObject,
	"sub": validator.RuleIsUUID,
	"typ": validator.RuleIsString,
	"iat": validator.RuleIsNumber,
	"exp": validator.RuleIsNumber,
}

var encoding = base64.RawURLEncoding

type header struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
}

type payload struct {
	Sub string `json:"sub"`
	Typ string `json:"typ"`
	Iat int64  `json:"iat"`
	Exp int64  `json:"exp"`
}

// Authenticator signs and verifies tokens with a shared key.
type Authenticator struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithTTL sets the lifetime of issued tokens. Non-positive values are ignored.
func WithTTL(ttl time.Duration) Option {
	return func(a *Authenticator) {
		if ttl > 0 {
			a.ttl = ttl
		}
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Authenticator) {
		if now != nil {
			a.now = now
		}
	}
}

// New creates an Authenticator. The key must not be empty.
func New(key []byte, opts ...Option) (*Authenticator, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("auth: empty signing key")
	}
	a := &Authenticator{
		key: append([]byte(nil), key...),
		ttl: DefaultTTL,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// TTL returns the lifetime of issued tokens.
func (a *Authenticator) TTL() time.Duration {
	return a.ttl
}

// ToBearer issues a token for id with the given identity type.
func (a *Authenticator) ToBearer(id uuid.UUID, typ string) (string, error) {
	now := a.now()

	h, err := json.Marshal(header{Alg: "HS256", Typ: "JWT"})
	if err != nil {
		return "", err
	}
	p, err := json.Marshal(payload{
		Sub: id.String(),
		Typ: typ,
		Iat: now.Unix(),
		Exp: now.Add(a.ttl).Unix(),
	})
	if err != nil {
		return "", err
	}

	signed := encoding.EncodeToString(h) + "." + encoding.EncodeToString(p)
	return signed + "." + a.sign(signed), nil
}

// FromBearer verifies token and returns the identity it carries. A leading
// "Bearer " is accepted.
func (a *Authenticator) FromBearer(token string) (*kephasgate.Identity, error) {
	token = strings.TrimPrefix(strings.TrimSpace(token), bearerPrefix)

	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: malformed token", ErrUnauthorized)
	}

	expected := a.sign(parts[0] + "." + parts[1])
	if !hmac.Equal([]byte(expected), []byte(parts[2])) {
		return nil, fmt.Errorf("%w: signature mismatch", ErrUnauthorized)
	}

	raw, err := encoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: payload encoding: %v", ErrUnauthorized, err)
	}
	decoded, err := validator.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: payload json: %v", ErrUnauthorized, err)
	}
	if res := validator.Validate(payloadRules, decoded); !res.Success {
		return nil, fmt.Errorf("%w: payload schema: %v", ErrUnauthorized, res.Errors)
	}

	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: payload json: %v", ErrUnauthorized, err)
	}
	if p.Exp <= a.now().Unix() {
		return nil, fmt.Errorf("%w: token expired", ErrUnauthorized)
	}

	id, err := uuid.Parse(p.Sub)
	if err != nil {
		return nil, fmt.Errorf("%w: subject: %v", ErrUnauthorized, err)
	}
	return &kephasgate.Identity{ID: id, Type: p.Typ}, nil
}

func (a *Authenticator) sign(data string) string {
	mac := hmac.New(sha256.New, a.key)
	mac.Write([]byte(data))
	return encoding.EncodeToString(mac.Sum(nil))
}
