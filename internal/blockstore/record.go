package blockstore

import "time"

// Record is a persisted block result
type Record struct {
	// Key is the blake3 digest of the module bundle, module path and arguments
	Key string `msgpack:"key"`

	// ModulePath is the module as the page referenced it
	ModulePath string `msgpack:"module_path"`

	// Args is the serialized argument array
	Args string `msgpack:"args"`

	// Value is the JSON result
	Value []byte `msgpack:"value"`

	// StoredAt is when the result was written
	StoredAt time.Time `msgpack:"stored_at"`
}

// Expired reports whether the record is older than ttl at now. A ttl of
// zero never expires.
func (r *Record) Expired(now time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}

	return now.Sub(r.StoredAt) > ttl
}
