package domain

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// LiveTokenTTL is the fixed lifetime of a live token. Tokens are minted once
// by the account system, consumed once at handshake, and never refreshed.
const LiveTokenTTL = 3600000 * time.Millisecond

// ErrInvalidLiveToken means the opaque token string could not be decoded.
var ErrInvalidLiveToken = errors.New("invalid live token")

// LiveToken scopes one socket to one live stream for a limited time.
type LiveToken struct {
	UserID   string
	StreamID string
	IssuedAt time.Time
}

// Encode renders the token as the opaque wire string.
func (t LiveToken) Encode() string {
	raw := fmt.Sprintf("%s:%s:%d", t.UserID, t.StreamID, t.IssuedAt.UnixMilli())
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeLiveToken parses the opaque wire string minted by the account system.
func DecodeLiveToken(s string) (LiveToken, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return LiveToken{}, ErrInvalidLiveToken
	}

	parts := strings.Split(string(raw), ":")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return LiveToken{}, ErrInvalidLiveToken
	}

	issuedMs, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return LiveToken{}, ErrInvalidLiveToken
	}

	return LiveToken{
		UserID:   parts[0],
		StreamID: parts[1],
		IssuedAt: time.UnixMilli(issuedMs),
	}, nil
}

// Expired reports whether the token has outlived its TTL at the given time.
// A token aged exactly LiveTokenTTL is still valid.
func (t LiveToken) Expired(now time.Time) bool {
	return now.Sub(t.IssuedAt) > LiveTokenTTL
}
