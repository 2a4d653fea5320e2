package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFindLocalConfig(t *testing.T) {
	// Create a temporary directory structure
	tempDir := t.TempDir()
	subDir := filepath.Join(tempDir, "subdir")
	err := os.Mkdir(subDir, 0o755)
	assert.NoError(t, err)

	// Create config files
	configYML := filepath.Join(subDir, ".blockbridge.yml")
	err = os.WriteFile(configYML, []byte("out_dir: public"), 0o644)
	assert.NoError(t, err)

	// Test finding in subdir
	result := FindLocalConfig(subDir)
	assert.Equal(t, configYML, result)

	// Test finding in parent
	result = FindLocalConfig(filepath.Join(subDir, "deep"))
	assert.Equal(t, configYML, result)

	// Test not found
	result = FindLocalConfig(tempDir)
	assert.Equal(t, "", result)
}

func TestFindLocalConfig_ExtensionOrder(t *testing.T) {
	dir := t.TempDir()

	for _, name := range []string{".blockbridge.toml", ".blockbridge.yaml"} {
		assert.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(""), 0o644))
	}

	assert.Equal(t, filepath.Join(dir, ".blockbridge.yaml"), FindLocalConfig(dir))
}
