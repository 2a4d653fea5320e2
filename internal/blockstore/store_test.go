package blockstore

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Norgate-AV/blockbridge/internal/executor"
)

func staticFingerprint(fp string) FingerprintFunc {
	return func(string, string) (string, error) { return fp, nil }
}

func openStore(t *testing.T, dir string, ttl time.Duration, fp FingerprintFunc) *Store {
	t.Helper()

	s, err := Open(Options{Dir: dir, TTL: ttl, Fingerprint: fp})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s
}

func TestStoreGetPut(t *testing.T) {
	s := openStore(t, t.TempDir(), 0, staticFingerprint("v1"))
	inv := executor.Invocation{ModulePath: "foo.block.js", Args: `["a"]`}

	_, ok, err := s.Get(inv)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Put(inv, json.RawMessage(`"hello world a"`)))

	got, ok, err := s.Get(inv)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, `"hello world a"`, string(got))

	_, ok, err = s.Get(executor.Invocation{ModulePath: "foo.block.js", Args: `["b"]`})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStorePersistsAcrossOpen(t *testing.T) {
	dir := t.TempDir()
	inv := executor.Invocation{ModulePath: "foo.block.js", Args: `[1]`}

	s, err := Open(Options{Dir: dir, Fingerprint: staticFingerprint("v1")})
	require.NoError(t, err)
	require.NoError(t, s.Put(inv, json.RawMessage(`1`)))
	require.NoError(t, s.Close())

	reopened := openStore(t, dir, 0, staticFingerprint("v1"))
	_, ok, err := reopened.Get(inv)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStoreFingerprintChangeMisses(t *testing.T) {
	dir := t.TempDir()
	inv := executor.Invocation{ModulePath: "foo.block.js", Args: `[1]`}

	s, err := Open(Options{Dir: dir, Fingerprint: staticFingerprint("v1")})
	require.NoError(t, err)
	require.NoError(t, s.Put(inv, json.RawMessage(`1`)))
	require.NoError(t, s.Close())

	changed := openStore(t, dir, 0, staticFingerprint("v2"))
	_, ok, err := changed.Get(inv)
	require.NoError(t, err)
	assert.False(t, ok, "edited module code must not reuse old results")
}

func TestStoreTTL(t *testing.T) {
	s := openStore(t, t.TempDir(), time.Hour, staticFingerprint("v1"))

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	fresh := executor.Invocation{ModulePath: "a.block.js", Args: `[]`}
	stale := executor.Invocation{ModulePath: "b.block.js", Args: `[]`}

	require.NoError(t, s.Put(stale, json.RawMessage(`1`)))
	now = now.Add(50 * time.Minute)
	require.NoError(t, s.Put(fresh, json.RawMessage(`2`)))
	now = now.Add(20 * time.Minute)

	_, ok, err := s.Get(stale)
	require.NoError(t, err)
	assert.False(t, ok, "record older than ttl is a miss")

	_, ok, err = s.Get(fresh)
	require.NoError(t, err)
	assert.True(t, ok)

	removed, err := s.Prune()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	count, _, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestStoreClearAndStats(t *testing.T) {
	s := openStore(t, t.TempDir(), 0, staticFingerprint("v1"))

	for _, args := range []string{`[1]`, `[2]`, `[3]`} {
		require.NoError(t, s.Put(executor.Invocation{ModulePath: "foo.block.js", Args: args}, json.RawMessage(args)))
	}

	count, size, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	assert.Positive(t, size)

	require.NoError(t, s.Clear())

	count, size, err = s.Stats()
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Zero(t, size)
}

func TestStoreFingerprintError(t *testing.T) {
	s := openStore(t, t.TempDir(), 0, func(string, string) (string, error) {
		return "", errors.New("module not found")
	})

	inv := executor.Invocation{ModulePath: "missing.block.js", Args: `[]`}

	_, _, err := s.Get(inv)
	assert.ErrorContains(t, err, "failed to fingerprint missing.block.js")
	assert.Error(t, s.Put(inv, json.RawMessage(`1`)))
}

func TestOpenRequiresFingerprint(t *testing.T) {
	_, err := Open(Options{Dir: t.TempDir()})
	assert.Error(t, err)
}

func TestKey(t *testing.T) {
	a := executor.Invocation{BasePath: "/x", ModulePath: "foo.block.js", Args: `["a"]`}
	b := executor.Invocation{BasePath: "/y", ModulePath: "foo.block.js", Args: `["a"]`}
	c := executor.Invocation{ModulePath: "foo.block.js", Args: `["b"]`}

	assert.Equal(t, Key("fp", a), Key("fp", b), "base path is not part of the key")
	assert.NotEqual(t, Key("fp", a), Key("fp", c))
	assert.NotEqual(t, Key("fp", a), Key("other", a))
	assert.Len(t, Key("fp", a), 64)
}

func TestRecordExpired(t *testing.T) {
	now := time.Now()
	rec := &Record{StoredAt: now.Add(-2 * time.Hour)}

	assert.False(t, rec.Expired(now, 0))
	assert.True(t, rec.Expired(now, time.Hour))
	assert.False(t, rec.Expired(now, 3*time.Hour))
}
