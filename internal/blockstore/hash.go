package blockstore

import (
	"encoding/hex"

	"github.com/zeebo/blake3"

	"github.com/Norgate-AV/blockbridge/internal/executor"
)

// Key derives the store key for an invocation. fingerprint identifies the
// module's code, so editing the module or anything it imports changes the key.
func Key(fingerprint string, inv executor.Invocation) string {
	h := blake3.New()
	h.Write([]byte(fingerprint))
	h.Write([]byte{0})
	h.Write([]byte(inv.ModulePath))
	h.Write([]byte{0})
	h.Write([]byte(inv.Args))

	return hex.EncodeToString(h.Sum(nil))
}
