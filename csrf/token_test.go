package csrf

import (
	"encoding/base64"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var urlSafe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

func TestGenerateToken_Uniqueness(t *testing.T) {
	for _, n := range []int{MinTokenBytes, 32, 64} {
		seen := make(map[string]struct{}, 5000)
		for i := 0; i < 5000; i++ {
			tok, err := GenerateToken(n)
			require.NoError(t, err)
			if _, dup := seen[tok]; dup {
				t.Fatalf("duplicate token after %d draws of %d bytes", i, n)
			}
			seen[tok] = struct{}{}
		}
	}
}

func TestGenerateToken_EncodingAndLength(t *testing.T) {
	tok, err := GenerateToken(32)
	require.NoError(t, err)

	assert.Regexp(t, urlSafe, tok, "token must be URL and attribute safe")
	raw, err := base64.RawURLEncoding.DecodeString(tok)
	require.NoError(t, err)
	assert.Len(t, raw, 32)
}

func TestGenerateToken_RejectsShortLength(t *testing.T) {
	for _, n := range []int{-1, 0, 8, MinTokenBytes - 1} {
		_, err := GenerateToken(n)
		assert.ErrorIs(t, err, ErrInvalidConfiguration, "length %d", n)
	}
}

func TestPolicyValidate(t *testing.T) {
	valid := Policy{ByteLength: 16, Mode: ModeOneTime, Transport: TransportHeader}
	assert.NoError(t, valid.Validate())

	cases := map[string]Policy{
		"short":     {ByteLength: 15},
		"negative":  {ByteLength: 32, TTL: -1},
		"mode":      {ByteLength: 32, Mode: Mode(9)},
		"transport": {ByteLength: 32, Transport: Transport(9)},
	}
	for name, p := range cases {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, p.Validate(), ErrInvalidConfiguration)
		})
	}
}

func TestTokensEqual(t *testing.T) {
	assert.True(t, tokensEqual("abc", "abc"))
	assert.False(t, tokensEqual("abc", "abd"))
	assert.False(t, tokensEqual("abc", "abcd"))
	assert.False(t, tokensEqual("", "abc"))
}
