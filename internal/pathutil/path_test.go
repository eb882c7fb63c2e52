package pathutil

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"/a/b", "/a/b", false},
		{"/a//b///c", "/a/b/c", false},
		{"/a/b/", "/a/b", false},
		{"/", "/", false},
		{"", "", true},
		{"a/b", "", true},
		{"/a/./b", "", true},
		{"/a/../b", "", true},
		{"/" + strings.Repeat("a", 600), "", true},
	}
	for _, c := range cases {
		got, err := Normalize(c.in)
		if c.wantErr {
			assert.Error(t, err, "input %q", c.in)
			continue
		}
		require.NoError(t, err, "input %q", c.in)
		assert.Equal(t, c.want, got)
	}
}

func TestNormalizeSegmentCap(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 65; i++ {
		b.WriteString("/x")
	}
	_, err := Normalize(b.String())
	assert.Error(t, err)
}

func TestIsReserved(t *testing.T) {
	assert.True(t, IsReserved("/sys"))
	assert.True(t, IsReserved("/sys/config"))
	assert.False(t, IsReserved("/system"))
	assert.False(t, IsReserved("/other"))
}

func TestPrefixLikePattern(t *testing.T) {
	assert.Equal(t, `/weird\%prefix/%`, PrefixLikePattern("/weird%prefix"))
	assert.Equal(t, `/a/%`, PrefixLikePattern("/a/"))
}
