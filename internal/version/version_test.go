package version

import (
	"encoding/json"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withBuild(t *testing.T, v, commit, date string) {
	t.Helper()
	ov, oc, od := Version, Commit, Date
	t.Cleanup(func() { Version, Commit, Date = ov, oc, od })
	Version, Commit, Date = v, commit, date
}

func TestGetInfo(t *testing.T) {
	withBuild(t, "1.4.0", "0123456789abcdef", "2026-01-02T03:04:05Z")

	info := GetInfo()
	assert.Equal(t, "1.4.0", info.Version)
	assert.Equal(t, "0123456789abcdef", info.Commit)
	assert.Equal(t, "2026-01-02T03:04:05Z", info.Date)
	assert.Equal(t, runtime.GOOS+"/"+runtime.GOARCH, info.Platform)
	assert.NotEmpty(t, info.GoVersion)
}

func TestInfo_JSON(t *testing.T) {
	withBuild(t, "1.4.0", "0123456789abcdef", "2026-01-02T03:04:05Z")

	data, err := json.Marshal(GetInfo())
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "1.4.0", decoded["version"])
	assert.Contains(t, decoded, "go_version")
	assert.Contains(t, decoded, "platform")
}

func TestShortAndString(t *testing.T) {
	t.Run("with ldflags commit", func(t *testing.T) {
		withBuild(t, "1.4.0", "0123456789abcdef", "2026-01-02T03:04:05Z")
		assert.Equal(t, "1.4.0 (01234567)", Short())
		assert.Contains(t, String(), "vidrelay version 1.4.0 (commit: 01234567")
	})

	t.Run("short commit ignored", func(t *testing.T) {
		withBuild(t, "1.4.0", "abc", "unknown")
		assert.Equal(t, "1.4.0", Short())
		assert.NotContains(t, String(), "commit:")
	})
}

func TestUserAgent(t *testing.T) {
	withBuild(t, "2.0.0", "unknown", "unknown")
	assert.Equal(t, "vidrelay/2.0.0 (+"+runtime.GOOS+")", UserAgent())
}

func TestIsDevelopment(t *testing.T) {
	withBuild(t, "dev", "unknown", "unknown")
	assert.True(t, IsDevelopment())

	Version = "1.0.0"
	assert.False(t, IsDevelopment())
}
