package fingerprint

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateProducesDistinctIdentities(t *testing.T) {
	a := Generate()
	b := Generate()

	assert.NotEqual(t, a.DeviceID, b.DeviceID)
	assert.NotEqual(t, a.SessionToken, b.SessionToken)
	assert.NotEqual(t, a.QuotaUser, b.QuotaUser)
}

func TestGenerateFieldShapes(t *testing.T) {
	fp := Generate()

	assert.Len(t, fp.SessionToken, 32, "16 random bytes hex encoded")
	assert.True(t, strings.HasPrefix(fp.QuotaUser, "device-"))
	assert.Len(t, strings.TrimPrefix(fp.QuotaUser, "device-"), 16)
	assert.NotZero(t, fp.CreatedAt)
	assert.NotEmpty(t, fp.APIClient)
	assert.Contains(t, []string{"macos", "windows", "linux"}, fp.ClientMetadata.Platform)
	assert.Contains(t, []string{"x64", "arm64"}, fp.ClientMetadata.Arch)
}

func TestUserAgentMatchesPlatform(t *testing.T) {
	for i := 0; i < 50; i++ {
		fp := Generate()
		ua := fp.UserAgent
		require.True(t, strings.HasPrefix(ua, "Mozilla/5.0"), ua)
		require.Contains(t, ua, "Code/")
		switch fp.ClientMetadata.Platform {
		case "macos":
			assert.Contains(t, ua, "Macintosh; Intel Mac OS X "+strings.ReplaceAll(fp.ClientMetadata.OsVersion, ".", "_"))
		case "windows":
			assert.Contains(t, ua, "Windows NT 10.0; Win64; x64")
			assert.NotEmpty(t, fp.ClientMetadata.SqmID)
		case "linux":
			assert.Contains(t, ua, "X11; Linux x86_64")
		}
	}
}

func TestBuildHeaders(t *testing.T) {
	fp := Generate()
	headers := BuildHeaders(fp)

	assert.True(t, strings.HasPrefix(headers["User-Agent"], "Mozilla/5.0"))
	assert.Contains(t, headers["User-Agent"], "Code/")
	assert.Equal(t, fp.APIClient, headers["X-Goog-Api-Client"])
	assert.Equal(t, fp.QuotaUser, headers["X-Goog-QuotaUser"])
	assert.Equal(t, fp.DeviceID, headers["X-Client-Device-Id"])

	var metadata ClientMetadata
	require.NoError(t, json.Unmarshal([]byte(headers["Client-Metadata"]), &metadata))
	assert.Equal(t, fp.ClientMetadata, metadata)
}

func TestBuildHeadersNil(t *testing.T) {
	assert.Equal(t, map[string]string{}, BuildHeaders(nil))
}

func TestUpdateVersionUpgradesLegacyUserAgent(t *testing.T) {
	fp := Generate()
	fp.UserAgent = "antigravity/1.11.5 (darwin; arm64)"

	updated := UpdateVersion(fp)
	require.NotSame(t, fp, updated)

	assert.True(t, strings.HasPrefix(updated.UserAgent, "Mozilla/5.0"))
	assert.Equal(t, fp.DeviceID, updated.DeviceID)
	assert.Equal(t, fp.SessionToken, updated.SessionToken)
	assert.Equal(t, fp.QuotaUser, updated.QuotaUser)
	assert.Equal(t, fp.CreatedAt, updated.CreatedAt)
}

func TestUpdateVersionKeepsModernFingerprint(t *testing.T) {
	fp := Generate()
	assert.Same(t, fp, UpdateVersion(fp))
	assert.Nil(t, UpdateVersion(nil))
}
