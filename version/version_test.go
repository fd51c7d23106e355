package version

import (
	"runtime/debug"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGet_Defaults(t *testing.T) {
	info := Get()
	assert.NotEmpty(t, info.Version)
	assert.NotEmpty(t, info.CommitHash)
	assert.NotEmpty(t, info.BuildTime)
	assert.True(t, strings.HasPrefix(info.GoVersion, "go"))
	assert.Contains(t, info.Platform, "/")
}

func TestFillFromBuildInfo(t *testing.T) {
	bi := &debug.BuildInfo{
		Main: debug.Module{Version: "v1.4.0"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "0123456789abcdef"},
			{Key: "vcs.time", Value: "2026-05-04T09:00:00Z"},
			{Key: "vcs.modified", Value: "true"},
		},
	}

	var info Info
	fillFromBuildInfo(&info, bi)
	assert.Equal(t, "v1.4.0", info.Version)
	assert.Equal(t, "0123456789abcdef", info.CommitHash)
	assert.Equal(t, "2026-05-04T09:00:00Z", info.BuildTime)
	assert.True(t, info.Modified)
	assert.Equal(t, "0123456", info.Short())
	assert.Equal(t, "slotpulse v1.4.0 (commit 0123456, built 2026-05-04T09:00:00Z) +modified", info.String())

	// Linker flags win over the VCS stamp
	info = Info{Version: "v2.0.0", CommitHash: "feedface"}
	fillFromBuildInfo(&info, bi)
	assert.Equal(t, "v2.0.0", info.Version)
	assert.Equal(t, "feedface", info.CommitHash)

	// Development builds report (devel)
	info = Info{}
	fillFromBuildInfo(&info, &debug.BuildInfo{Main: debug.Module{Version: "(devel)"}})
	assert.Empty(t, info.Version)
}

func TestShort(t *testing.T) {
	assert.Equal(t, "unknown", Info{CommitHash: unknown}.Short())
	assert.Equal(t, "abc", Info{CommitHash: "abc"}.Short())
}
