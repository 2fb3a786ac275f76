// Package requestid generates correlation identifiers for in-flight
// requests. Every frame of an exchange carries the identifier so responses
// can be routed back to the caller that issued the request.
package requestid

import (
	"math/rand"

	"github.com/google/uuid"
)

// New returns a fresh correlation identifier in UUIDv4 layout.
//
// Identifiers only need to be unique within the lifetime of a connection;
// cryptographic strength is not required. New never panics: if the system
// randomness source fails, it falls back to math/rand, which is still
// collision-resistant enough for routing.
func New() string {
	id, err := uuid.NewRandom()
	if err != nil {
		return fallbackID()
	}
	return id.String()
}

// fallbackID builds a version-4 UUID from non-crypto randomness.
func fallbackID() string {
	var b [16]byte
	for i := range b {
		b[i] = byte(rand.Intn(256))
	}
	b[6] = (b[6] & 0x0f) | 0x40 // version 4
	b[8] = (b[8] & 0x3f) | 0x80 // variant 10
	id, err := uuid.FromBytes(b[:])
	if err != nil {
		// FromBytes only fails on length mismatch, which cannot happen here.
		return uuid.Nil.String()
	}
	return id.String()
}
