package plugin

import (
	"crypto/sha256"
	"encoding/hex"
)

// VerifyChecksum reports whether wasmModule's SHA-256 hex digest matches
// want. It is shared by the catalog manifest loader and any caller that
// wants to confirm a module on disk matches what a manifest declares
// before handing it to Load.
func VerifyChecksum(wasmModule []byte, want string) (bool, error) {
	sum := sha256.Sum256(wasmModule)
	got := hex.EncodeToString(sum[:])
	return got == want, nil
}
