package version

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGet(t *testing.T) {
	info := Get()
	assert.Equal(t, Version, info.Version)
	assert.Equal(t, runtime.Version(), info.GoVersion)
	assert.Contains(t, info.String(), "batchpub dev")
}

func TestShort(t *testing.T) {
	assert.Equal(t, "abcdef1", Info{CommitHash: "abcdef1234"}.Short())
	assert.Equal(t, "dev", Info{CommitHash: "dev"}.Short())
}

func TestUserAgent(t *testing.T) {
	assert.Equal(t, "batchpub/dev", UserAgent())
}
