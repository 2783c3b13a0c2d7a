package profile

import (
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"webcinema/internal/probe"
)

// Fingerprint is a stable cache key derived from a source identity and a
// delivery profile. Two requests with the same fingerprint are served the
// same artifact.
type Fingerprint string

// PassthroughFingerprint is the sentinel for requests that bypass the cache
// and build pipeline entirely, serving the source file directly.
const PassthroughFingerprint Fingerprint = "passthrough"

// IsPassthrough reports whether this fingerprint bypasses the cache.
func (f Fingerprint) IsPassthrough() bool {
	return f == PassthroughFingerprint
}

func (f Fingerprint) String() string { return string(f) }

// FingerprintFor derives the cache key for (source identity, profile).
// The derivation is deterministic and collision-resistant (BLAKE2b-256).
func FingerprintFor(desc *probe.SourceDescriptor, prof DeliveryProfile) Fingerprint {
	if prof.Passthrough {
		return PassthroughFingerprint
	}

	h, _ := blake2b.New256(nil)
	fmt.Fprintf(h, "%s\n", desc.Identity())
	fmt.Fprintf(h, "%s|%s|%s|%dx%d|%d|%s\n",
		prof.Container, prof.VideoCodec, prof.AudioCodec,
		prof.Width, prof.Height, prof.BitrateCeiling, prof.Acceleration)

	return Fingerprint(hex.EncodeToString(h.Sum(nil)[:16]))
}
