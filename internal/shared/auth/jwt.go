package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrSignature    = errors.New("invalid signature")
	ErrExpired      = errors.New("token expired")
)

// maxClockSkew is how far in the future an issued-at time may lie
// before the token is refused.
const maxClockSkew = time.Minute

var (
	b64 = base64.RawURLEncoding
	// tokenHeader is the only header this package issues or accepts.
	tokenHeader = b64.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
)

type JWTClaims struct {
	UserID int64  `json:"userId"`
	Email  string `json:"email,omitempty"`
	Exp    int64  `json:"exp"`
	Iat    int64  `json:"iat"`
}

// JWT signs and validates HS256 tokens. Tokens are issued by the identity
// service; this side only needs Generate for operator tooling and tests.
type JWT struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewJWT(secret string) *JWT {
	return &JWT{secret: []byte(secret), ttl: 24 * time.Hour, now: time.Now}
}

// WithTTL returns a copy issuing tokens valid for ttl.
func (j *JWT) WithTTL(ttl time.Duration) *JWT {
	cp := *j
	cp.ttl = ttl
	return &cp
}

// Generate issues a token for userID that is valid from now until now
// plus the TTL, exclusive.
func (j *JWT) Generate(userID int64, email string) (string, error) {
	if userID <= 0 {
		return "", fmt.Errorf("cannot issue a token for user %d", userID)
	}
	if j.ttl < time.Second {
		return "", fmt.Errorf("token lifetime %s is shorter than one second", j.ttl)
	}

	issued := j.now().Truncate(time.Second)
	payload, err := json.Marshal(JWTClaims{
		UserID: userID,
		Email:  email,
		Iat:    issued.Unix(),
		Exp:    issued.Add(j.ttl).Unix(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode claims: %w", err)
	}

	signed := tokenHeader + "." + b64.EncodeToString(payload)
	return signed + "." + b64.EncodeToString(j.mac(signed)), nil
}

// Validate checks the token's header, signature and lifetime and returns
// its claims. Malformed tokens wrap ErrInvalidToken, forged ones
// ErrSignature and lapsed ones ErrExpired.
func (j *JWT) Validate(token string) (*JWTClaims, error) {
	signed, sig, ok := cutLast(token)
	if !ok {
		return nil, fmt.Errorf("%w: expected three segments", ErrInvalidToken)
	}
	header, payload, ok := strings.Cut(signed, ".")
	if !ok || strings.Contains(payload, ".") {
		return nil, fmt.Errorf("%w: expected three segments", ErrInvalidToken)
	}
	if header != tokenHeader {
		if err := checkHeader(header); err != nil {
			return nil, err
		}
	}

	mac, err := b64.DecodeString(sig)
	if err != nil || !hmac.Equal(mac, j.mac(signed)) {
		return nil, ErrSignature
	}

	raw, err := b64.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: claims are not base64url", ErrInvalidToken)
	}
	var claims JWTClaims
	if err := json.Unmarshal(raw, &claims); err != nil {
		return nil, fmt.Errorf("%w: claims are not JSON: %v", ErrInvalidToken, err)
	}
	if err := j.checkClaims(&claims); err != nil {
		return nil, err
	}
	return &claims, nil
}

func (j *JWT) checkClaims(c *JWTClaims) error {
	switch {
	case c.UserID <= 0:
		return fmt.Errorf("%w: missing subject", ErrInvalidToken)
	case c.Exp == 0:
		return fmt.Errorf("%w: missing expiry", ErrInvalidToken)
	case c.Iat != 0 && c.Exp <= c.Iat:
		return fmt.Errorf("%w: expires before it was issued", ErrInvalidToken)
	}

	now := j.now()
	if c.Iat != 0 && time.Unix(c.Iat, 0).After(now.Add(maxClockSkew)) {
		return fmt.Errorf("%w: issued in the future", ErrInvalidToken)
	}
	if !now.Before(time.Unix(c.Exp, 0)) {
		return fmt.Errorf("%w at %s", ErrExpired, time.Unix(c.Exp, 0).UTC().Format(time.RFC3339))
	}
	return nil
}

// checkHeader accepts headers issued elsewhere as long as they name
// HS256. Anything else, "none" included, is refused before the signature
// is looked at.
func checkHeader(segment string) error {
	raw, err := b64.DecodeString(segment)
	if err != nil {
		return fmt.Errorf("%w: header is not base64url", ErrInvalidToken)
	}
	var h struct {
		Alg string `json:"alg"`
		Typ string `json:"typ"`
	}
	if err := json.Unmarshal(raw, &h); err != nil {
		return fmt.Errorf("%w: header is not JSON", ErrInvalidToken)
	}
	if h.Alg != "HS256" {
		return fmt.Errorf("%w: unsupported algorithm %q", ErrInvalidToken, h.Alg)
	}
	if h.Typ != "" && !strings.EqualFold(h.Typ, "JWT") {
		return fmt.Errorf("%w: unsupported type %q", ErrInvalidToken, h.Typ)
	}
	return nil
}

func cutLast(token string) (before, after string, ok bool) {
	i := strings.LastIndexByte(token, '.')
	if i < 0 {
		return "", "", false
	}
	return token[:i], token[i+1:], true
}

func (j *JWT) mac(signed string) []byte {
	h := hmac.New(sha256.New, j.secret)
	h.Write([]byte(signed))
	return h.Sum(nil)
}
