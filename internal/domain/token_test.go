package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLiveToken_EncodeDecode(t *testing.T) {
	issued := time.UnixMilli(1700000000000)
	token := LiveToken{UserID: "user1", StreamID: "stream1", IssuedAt: issued}

	decoded, err := DecodeLiveToken(token.Encode())
	require.NoError(t, err)

	assert.Equal(t, "user1", decoded.UserID)
	assert.Equal(t, "stream1", decoded.StreamID)
	assert.Equal(t, issued.UnixMilli(), decoded.IssuedAt.UnixMilli())
}

func TestDecodeLiveToken_Invalid(t *testing.T) {
	cases := []struct {
		name  string
		token string
	}{
		{"not base64", "!!!not-base64!!!"},
		{"too few parts", "dXNlcjE6c3RyZWFtMQ"},      // "user1:stream1"
		{"empty user", "OnN0cmVhbTE6MTIzNA"},         // ":stream1:1234"
		{"bad timestamp", "dXNlcjE6c3RyZWFtMTphYmM"}, // "user1:stream1:abc"
		{"empty string", ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeLiveToken(tc.token)
			assert.ErrorIs(t, err, ErrInvalidLiveToken)
		})
	}
}

func TestLiveToken_Expired(t *testing.T) {
	issued := time.UnixMilli(1700000000000)
	token := LiveToken{UserID: "u", StreamID: "s", IssuedAt: issued}

	// Exactly at the TTL boundary the token is still valid.
	assert.False(t, token.Expired(issued.Add(LiveTokenTTL)))

	// One millisecond past the TTL it is expired.
	assert.True(t, token.Expired(issued.Add(LiveTokenTTL+time.Millisecond)))
}

func TestNewViewerCountUpdate_DuplicatesViewsField(t *testing.T) {
	now := time.Now()
	update := NewViewerCountUpdate(7, now)

	assert.Equal(t, 7, update.Viewers)
	assert.Equal(t, 7, update.Views)
	assert.Equal(t, now, update.UpdatedAt)
}
