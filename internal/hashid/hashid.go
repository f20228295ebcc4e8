// Package hashid derives the tavern session identifier that the knowledge-graph
// backend computes independently for the same character name.
//
// The derivation must stay byte-for-byte identical to the backend's:
// md5 over the raw UTF-8 name, first 8 hex characters, no salt and no case folding.
package hashid

import (
	"crypto/md5"
	"encoding/hex"
)

const (
	// Prefix is prepended to every derived session identifier.
	Prefix = "tavern_"

	// ShortHashLen is the number of hex characters kept from the digest.
	ShortHashLen = 8
)

// ShortHash returns the first ShortHashLen hex characters of md5(name).
func ShortHash(name string) string {
	sum := md5.Sum([]byte(name))
	return hex.EncodeToString(sum[:])[:ShortHashLen]
}

// DeriveSessionID returns "tavern_" + name + "_" + ShortHash(name).
func DeriveSessionID(name string) string {
	return Prefix + name + "_" + ShortHash(name)
}
