// Package gc implements the enroll protocol's on-device garbage
// collection pass: when a device reports it is full, the oldest print
// that the host no longer needs is removed to make room for a retry.
package gc

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"io"
	"sort"
	"time"

	"golang.org/x/crypto/hkdf"
)

// processSeed makes the tie-break order unpredictable across daemon
// restarts without needing a persisted or caller-supplied seed: a
// fixed random seed feeding a keyed hkdf derivation rather than a
// plain PRNG.
var processSeed = func() []byte {
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		panic("gc: failed to read random seed: " + err.Error())
	}
	return seed
}()

// Entry is one print stored on a device, as the garbage collector
// needs to see it.
type Entry struct {
	Template []byte
	Enrolled time.Time // zero value means "no reliable enroll date"
}

// tieBreakTag derives a stable, unpredictable per-print ordering key.
// Because it is a pure function of the process seed and the print's
// own bytes, two comparisons of the same print always agree — the tag
// is effectively assigned once, on first use, without needing a cache.
func tieBreakTag(template []byte) uint64 {
	kdf := hkdf.New(sha256.New, processSeed, nil, template)
	var buf [8]byte
	if _, err := io.ReadFull(kdf, buf[:]); err != nil {
		panic("gc: hkdf read failed: " + err.Error())
	}
	return binary.BigEndian.Uint64(buf[:])
}

// SelectForDeletion picks the single device print to remove so a
// subsequent enroll retry has room. hostGallery is every print the
// host store still wants to keep, across all users; any device print
// that also appears there is never a deletion candidate. Remaining
// candidates are ordered oldest-enrolled-first, ties (including
// unknown enroll dates) broken by the stable per-print tag above. It
// reports false if there was nothing left to delete.
func SelectForDeletion(devicePrints []Entry, hostGallery [][]byte) ([]byte, bool) {
	candidates := make([]Entry, 0, len(devicePrints))
	for _, e := range devicePrints {
		if !containsTemplate(hostGallery, e.Template) {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) == 0 {
		return nil, false
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if !a.Enrolled.Equal(b.Enrolled) && !a.Enrolled.IsZero() && !b.Enrolled.IsZero() {
			return a.Enrolled.Before(b.Enrolled)
		}
		return tieBreakTag(a.Template) < tieBreakTag(b.Template)
	})

	return candidates[0].Template, true
}

func containsTemplate(gallery [][]byte, template []byte) bool {
	for _, g := range gallery {
		if bytes.Equal(g, template) {
			return true
		}
	}
	return false
}
