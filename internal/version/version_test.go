package version

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestString(t *testing.T) {
	old := GitSHA
	t.Cleanup(func() { GitSHA = old })
	GitSHA = "abc123"

	s := String("biostate")
	assert.True(t, strings.HasPrefix(s, "biostate dev (abc123, built "), s)
}

func TestShortSHA(t *testing.T) {
	assert.Equal(t, "0123456789ab", shortSHA("0123456789abcdef0123"))
	assert.Equal(t, "abc", shortSHA("abc"))
}
