package pathutil

import (
	"os"
	"path/filepath"
	"strings"
)

// ExpandPath replaces a leading "~" with the user's home directory and
// expands $VAR references.
func ExpandPath(path string) (string, error) {
	path = os.ExpandEnv(path)
	if path == "~" || strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}

		path = filepath.Join(homeDir, path[1:])
	}

	return path, nil
}

// ResolvePath expands path and makes it absolute against the working
// directory. An empty path stays empty.
func ResolvePath(path string) (string, error) {
	if path == "" {
		return "", nil
	}

	path, err := ExpandPath(path)
	if err != nil {
		return "", err
	}

	return filepath.Abs(path)
}
