// Package clientid generates this process's 20-byte BitTorrent peer ID.
package clientid

import (
	"github.com/google/uuid"
)

// clientTag identifies this implementation on the wire, Azureus-style:
// '-', a two-letter client code, a four-digit version, '-'.
const clientTag = "-LG0100-"

const alnum = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// Generate returns a fresh 20-byte peer ID: the client tag followed by 12
// random alphanumeric characters derived from a UUIDv4's random bits
// (spec.md §3 "PeerId").
func Generate() [20]byte {
	var id [20]byte
	copy(id[:], clientTag)
	u := uuid.New()
	raw := u[:]
	for i := 0; i < 12; i++ {
		id[8+i] = alnum[int(raw[i])%len(alnum)]
	}
	return id
}
