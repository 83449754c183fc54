package pathutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	t.Setenv("CAPTION_TEST_DIR", "/srv/caption")

	tests := map[string]string{
		"~":                       home,
		"~/.caption":              filepath.Join(home, ".caption"),
		"$CAPTION_TEST_DIR/cache": "/srv/caption/cache",
		"/abs/path":               "/abs/path",
		"~user/x":                 "~user/x",
	}
	for in, want := range tests {
		got, err := ExpandPath(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestResolvePath(t *testing.T) {
	got, err := ResolvePath("")
	require.NoError(t, err)
	assert.Empty(t, got)

	wd, err := os.Getwd()
	require.NoError(t, err)
	got, err = ResolvePath("public")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(wd, "public"), got)
}
