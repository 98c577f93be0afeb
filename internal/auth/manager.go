package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tokligence/tokligence-chat/internal/config"
)

var (
	ErrInvalidToken   = errors.New("auth: invalid token")
	ErrExpiredToken   = errors.New("auth: token expired")
	ErrUnauthorized   = errors.New("auth: unauthorized")
	ErrUnknownUser    = errors.New("auth: user not allowed")
	ErrTokensDisabled = errors.New("auth: token issuance disabled")
)

const bearerPrefix = "Bearer "

// Manager resolves the Authorization header to a user id. Bearer values are
// HMAC-signed tokens. When raw ids are allowed, any other value is taken as
// the user id itself and checked against the allow list.
type Manager struct {
	secret   []byte
	ttl      time.Duration
	allowRaw bool
	allowed  map[string]struct{}
	now      func() time.Time
}

// NewManager builds a Manager from config. An empty secret disables token
// issuance and validation.
func NewManager(cfg config.AuthConfig) *Manager {
	allowed := make(map[string]struct{}, len(cfg.AllowedUsers))
	for _, u := range cfg.AllowedUsers {
		if u = strings.TrimSpace(u); u != "" {
			allowed[u] = struct{}{}
		}
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Manager{
		secret:   []byte(cfg.Secret),
		ttl:      ttl,
		allowRaw: cfg.AllowRawUserID,
		allowed:  allowed,
		now:      time.Now,
	}
}

// TokensEnabled reports whether a signing secret is configured.
func (m *Manager) TokensEnabled() bool { return len(m.secret) > 0 }

// Allowed reports whether userID is on the allow list. An empty list admits
// everyone.
func (m *Manager) Allowed(userID string) bool {
	if userID == "" {
		return false
	}
	if len(m.allowed) == 0 {
		return true
	}
	_, ok := m.allowed[userID]
	return ok
}

// IssueToken signs a token for an allow-listed user.
func (m *Manager) IssueToken(userID string) (string, time.Time, error) {
	if !m.TokensEnabled() {
		return "", time.Time{}, ErrTokensDisabled
	}
	if !m.Allowed(userID) {
		return "", time.Time{}, ErrUnknownUser
	}
	expires := m.now().Add(m.ttl)
	payload := fmt.Sprintf("%s|%d", userID, expires.Unix())
	sig := m.sign([]byte(payload))
	token := base64.RawURLEncoding.EncodeToString([]byte(payload)) + "." + base64.RawURLEncoding.EncodeToString(sig)
	return token, time.Unix(expires.Unix(), 0), nil
}

// ValidateToken checks the signature and expiry and returns the user id.
func (m *Manager) ValidateToken(token string) (string, error) {
	if !m.TokensEnabled() {
		return "", ErrInvalidToken
	}
	payloadPart, sigPart, ok := strings.Cut(token, ".")
	if !ok {
		return "", ErrInvalidToken
	}
	payloadBytes, err := base64.RawURLEncoding.DecodeString(payloadPart)
	if err != nil {
		return "", ErrInvalidToken
	}
	sigBytes, err := base64.RawURLEncoding.DecodeString(sigPart)
	if err != nil {
		return "", ErrInvalidToken
	}
	if !hmac.Equal(sigBytes, m.sign(payloadBytes)) {
		return "", ErrInvalidToken
	}
	payload := string(payloadBytes)
	sep := strings.LastIndex(payload, "|")
	if sep <= 0 {
		return "", ErrInvalidToken
	}
	expiry, err := strconv.ParseInt(payload[sep+1:], 10, 64)
	if err != nil {
		return "", ErrInvalidToken
	}
	if m.now().Unix() > expiry {
		return "", ErrExpiredToken
	}
	return payload[:sep], nil
}

// Authenticate maps an Authorization header value to a user id.
func (m *Manager) Authenticate(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", ErrUnauthorized
	}
	if token, ok := strings.CutPrefix(header, bearerPrefix); ok {
		userID, err := m.ValidateToken(strings.TrimSpace(token))
		if err != nil {
			return "", err
		}
		return userID, nil
	}
	if m.allowRaw && len(m.allowed) > 0 {
		if _, ok := m.allowed[header]; ok {
			return header, nil
		}
	}
	return "", ErrUnauthorized
}

func (m *Manager) sign(payload []byte) []byte {
	h := hmac.New(sha256.New, m.secret)
	h.Write(payload)
	return h.Sum(nil)
}
