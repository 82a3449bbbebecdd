package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validToken() string {
	return "eyJ" + strings.Repeat("a", 120)
}

func TestParseXSTSResponseCleanBody(t *testing.T) {
	body := []byte(`{"Token":"` + validToken() + `","NotAfter":"2030-01-01T00:00:00Z","DisplayClaims":{"xui":[{"uhs":"h"}]}}`)
	parsed, err := parseXSTSResponse(body)
	require.NoError(t, err)
	require.Nil(t, parsed.XboxError)
	assert.Equal(t, validToken(), parsed.Token)
	assert.Equal(t, "h", parsed.UserHash)
	assert.False(t, parsed.Derived)
}

func TestParseXSTSResponseTruncatedJSON(t *testing.T) {
	// Matches scenario 2 from §8: missing closing braces.
	body := []byte(`{"Token":"` + validToken() + `","DisplayClaims":{"xui":[{"uhs":"h"}]`)
	parsed, err := parseXSTSResponse(body)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(parsed.Token), 100)
	assert.Equal(t, "h", parsed.UserHash)
}

func TestParseXSTSResponseRegexFallbackWhenTruncationStillFails(t *testing.T) {
	// No closing brace at all, so the truncate-at-last-'}' step has nothing
	// to cut at and the body still doesn't parse cleanly (the DisplayClaims
	// block itself is cut off mid-object) — only the regex fallback can
	// recover this.
	body := []byte(`{"Token":"` + validToken() + `","DisplayClaims":{"xui":[{"uhs":"h"`)
	parsed, err := parseXSTSResponse(body)
	require.NoError(t, err)
	assert.Equal(t, validToken(), parsed.Token)
	assert.True(t, parsed.Derived)
}

func TestParseXSTSResponseBOMAndWhitespace(t *testing.T) {
	body := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`  {"Token":"`+validToken()+`","DisplayClaims":{"xui":[{"uhs":"h"}]}}  `)...)
	parsed, err := parseXSTSResponse(body)
	require.NoError(t, err)
	assert.Equal(t, "h", parsed.UserHash)
}

func TestParseXSTSResponseXboxError(t *testing.T) {
	body := []byte(`{"Identity":"0","XErr":2148916233,"Message":"no xbox account"}`)
	parsed, err := parseXSTSResponse(body)
	require.NoError(t, err)
	require.NotNil(t, parsed.XboxError)
	assert.EqualValues(t, 2148916233, parsed.XboxError.XErr)
}

func TestParseXSTSResponseUnrecoverable(t *testing.T) {
	_, err := parseXSTSResponse([]byte(`not json at all`))
	require.Error(t, err)
	var transient *TransientAuthFailure
	require.ErrorAs(t, err, &transient)
}

func TestParseXSTSResponseDefaultsNotAfter(t *testing.T) {
	body := []byte(`{"Token":"` + validToken() + `","DisplayClaims":{"xui":[{"uhs":"h"}]}}`)
	parsed, err := parseXSTSResponse(body)
	require.NoError(t, err)
	assert.True(t, parsed.NotAfter.After(time.Now()))
}
