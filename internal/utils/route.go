package utils

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// NormalizeRoute cleans a page route into its canonical form: a leading
// slash, no trailing slash, no dot segments
func NormalizeRoute(route string) (string, error) {
	if !strings.HasPrefix(route, "/") {
		return "", fmt.Errorf("route must start with /: %q", route)
	}

	for _, seg := range strings.Split(route, "/") {
		if seg == ".." {
			return "", fmt.Errorf("route must not contain ..: %q", route)
		}
	}

	return path.Clean(route), nil
}

// RouteFile returns the index.html path that serves route under outDir
func RouteFile(outDir, route string) (string, error) {
	clean, err := NormalizeRoute(route)
	if err != nil {
		return "", err
	}

	rel := strings.TrimPrefix(clean, "/")
	return filepath.Join(outDir, filepath.FromSlash(rel), "index.html"), nil
}
