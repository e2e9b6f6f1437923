package storagehttp

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeOrigin(t *testing.T) {
	assert.Equal(t, "https://c.example/", normalizeOrigin("https://c.example"))
	assert.Equal(t, "https://c.example/", normalizeOrigin("https://c.example/"))
	assert.Equal(t, "https://c.example/", normalizeOrigin("https://c.example//"))
	assert.Equal(t, "https://c.example/x/", normalizeOrigin("https://c.example/x"))
}

func TestBuildURLSubdirs(t *testing.T) {
	origin := "https://c.example/"
	assert.Equal(t, "https://c.example/ab/cdef", buildURL(origin, LayoutSubdirs, "abcdef"))
	assert.Equal(t, "https://c.example/ab/", buildURL(origin, LayoutSubdirs, "ab"))
	assert.Equal(t, "https://c.example/a", buildURL(origin, LayoutSubdirs, "a"))
	assert.Equal(t, "https://c.example/", buildURL(origin, LayoutSubdirs, ""))
}

func TestBuildURLFlat(t *testing.T) {
	assert.Equal(t, "https://c.example/abcdef", buildURL("https://c.example/", LayoutFlat, "abcdef"))
}

func TestBuildURLBazel(t *testing.T) {
	origin := "https://c.example/"

	long := strings.Repeat("0123456789abcdef", 4) // exactly 64
	assert.Equal(t, origin+"ac/"+long, buildURL(origin, LayoutBazel, long))
	assert.Equal(t, origin+"ac/"+long, buildURL(origin, LayoutBazel, long+"ffff"))

	// Short keys are padded to 64 hex digits by repeating the key prefix.
	got := buildURL(origin, LayoutBazel, "0123456789")
	want := origin + "ac/" + strings.Repeat("0123456789", 6) + "0123"
	assert.Equal(t, want, got)
	assert.Len(t, got, len(origin)+3+sha256HexSize)

	got = buildURL(origin, LayoutBazel, "ab")
	assert.Equal(t, origin+"ac/"+strings.Repeat("ab", 32), got)
}

func TestParseLayout(t *testing.T) {
	assert.Equal(t, LayoutBazel, parseLayout("bazel"))
	assert.Equal(t, LayoutFlat, parseLayout("flat"))
	assert.Equal(t, LayoutSubdirs, parseLayout("subdirs"))
	assert.Equal(t, LayoutSubdirs, parseLayout("anything else"))
}
