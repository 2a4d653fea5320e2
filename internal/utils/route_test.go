package utils

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeRoute(t *testing.T) {
	tests := []struct {
		input    string
		expected string
		wantErr  bool
	}{
		{"/", "/", false},
		{"/about", "/about", false},
		{"/about/", "/about", false},
		{"//docs//intro", "/docs/intro", false},
		{"/a/./b", "/a/b", false},
		{"about", "", true},
		{"", "", true},
		{"/a/../../etc", "", true},
	}

	for _, test := range tests {
		result, err := NormalizeRoute(test.input)
		if test.wantErr {
			assert.Error(t, err, "NormalizeRoute(%q)", test.input)
			continue
		}

		require.NoError(t, err, "NormalizeRoute(%q)", test.input)
		assert.Equal(t, test.expected, result, "NormalizeRoute(%q)", test.input)
	}
}

func TestRouteFile(t *testing.T) {
	out := filepath.Join("site", "dist")

	tests := []struct {
		route    string
		expected string
	}{
		{"/", filepath.Join(out, "index.html")},
		{"/about", filepath.Join(out, "about", "index.html")},
		{"/docs/intro/", filepath.Join(out, "docs", "intro", "index.html")},
	}

	for _, test := range tests {
		result, err := RouteFile(out, test.route)
		require.NoError(t, err)
		assert.Equal(t, test.expected, result, "RouteFile(%q)", test.route)
	}

	_, err := RouteFile(out, "/../escape")
	assert.Error(t, err)
}
