package pathutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompileGlob(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"/glob/**", `/glob/%`},
		{"/glob/*", `/glob/%`},
		{"/glob/?oo", `/glob/_oo`},
		{"/weird%prefix", `/weird\%prefix`},
		{"/a_b", `/a\_b`},
		{`/a\b`, `/a\\b`},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, CompileGlob(c.in), "input %q", c.in)
	}
}

func TestValidateGlobPattern(t *testing.T) {
	assert.NoError(t, ValidateGlobPattern("/glob/**"))
	assert.Error(t, ValidateGlobPattern(""))
	assert.Error(t, ValidateGlobPattern("glob/**"))
	assert.Error(t, ValidateGlobPattern("/a/./b"))
	assert.Error(t, ValidateGlobPattern("/a//b"))
}
