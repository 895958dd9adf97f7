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
)

var (
	ErrTokenMalformed = errors.New("token malformed")
	ErrTokenSignature = errors.New("token signature invalid")
	ErrTokenExpired   = errors.New("token expired")
)

// TokenSigner issues and verifies HMAC-SHA256 session tokens of the form
//
//	igt_<base64url(userID:expiryUnix)>.<base64url(hmac)>
type TokenSigner struct {
	secret []byte
}

func NewTokenSigner(secret string) *TokenSigner {
	return &TokenSigner{secret: []byte(secret)}
}

func (s *TokenSigner) Issue(userID string, ttl time.Duration) string {
	expiry := time.Now().Add(ttl).Unix()
	payload := fmt.Sprintf("%s:%d", userID, expiry)
	encoded := base64.RawURLEncoding.EncodeToString([]byte(payload))
	return TokenPrefix + encoded + "." + s.sign(encoded)
}

// Verify checks the signature and expiry and returns the embedded user id.
func (s *TokenSigner) Verify(token string) (string, error) {
	token = strings.TrimPrefix(token, TokenPrefix)

	encoded, sig, ok := strings.Cut(token, ".")
	if !ok {
		return "", ErrTokenMalformed
	}

	if !hmac.Equal([]byte(sig), []byte(s.sign(encoded))) {
		return "", ErrTokenSignature
	}

	payload, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrTokenMalformed
	}

	userID, expiryStr, ok := strings.Cut(string(payload), ":")
	if !ok || userID == "" {
		return "", ErrTokenMalformed
	}

	expiry, err := strconv.ParseInt(expiryStr, 10, 64)
	if err != nil {
		return "", ErrTokenMalformed
	}
	if time.Now().Unix() >= expiry {
		return "", ErrTokenExpired
	}

	return userID, nil
}

func (s *TokenSigner) sign(encoded string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(encoded))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
