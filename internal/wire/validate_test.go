package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRequireString(t *testing.T) {
	params := map[string]any{"tabId": "42", "count": float64(3)}

	s, werr := RequireString(params, "tabId")
	require.Nil(t, werr)
	require.Equal(t, "42", s)

	_, werr = RequireString(params, "missing")
	require.NotNil(t, werr)
	require.Equal(t, CodeMissingParam, werr.Code)

	_, werr = RequireString(params, "count")
	require.NotNil(t, werr)
	require.Equal(t, CodeInvalidParamType, werr.Code)
}

func TestRequireUUID(t *testing.T) {
	params := map[string]any{
		"conversationId": "8f14e45f-ceea-467f-ab6e-1234567890ab",
		"bad":            "not-a-uuid",
	}

	id, werr := RequireUUID(params, "conversationId")
	require.Nil(t, werr)
	require.Equal(t, "8f14e45f-ceea-467f-ab6e-1234567890ab", id)

	_, werr = RequireUUID(params, "bad")
	require.NotNil(t, werr)
	require.Equal(t, CodeInvalidUUID, werr.Code)
}

func TestRequireURL(t *testing.T) {
	params := map[string]any{
		"url":      "https://example.com/chat",
		"relative": "/chat",
		"scheme":   "ftp://example.com",
	}

	u, werr := RequireURL(params, "url")
	require.Nil(t, werr)
	require.Equal(t, "https://example.com/chat", u)

	for _, key := range []string{"relative", "scheme"} {
		_, werr = RequireURL(params, key)
		require.NotNil(t, werr)
		require.Equal(t, CodeInvalidURL, werr.Code)
	}
}

func TestCheckPayloadSize(t *testing.T) {
	require.Nil(t, CheckPayloadSize(1<<20, DefaultMaxPayload))
	werr := CheckPayloadSize(DefaultMaxPayload+1, DefaultMaxPayload)
	require.NotNil(t, werr)
	require.Equal(t, CodeInvalidParamType, werr.Code)
}
