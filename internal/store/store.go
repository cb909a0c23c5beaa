// Package store persists enrolled prints on disk and enumerates the
// users and fingers known to it. The storage backend is pluggable:
// a Store implementation registers itself under a name, and the
// configured name ("file" by default) selects which one the daemon
// opens at startup.
package store

import (
	"fmt"

	"github.com/freedesktop-fprint/fprintd-go/internal/finger"
	"github.com/freedesktop-fprint/fprintd-go/internal/model"
)

// Store is the Print Store's contract. Implementations must be safe
// for concurrent use by multiple device sessions.
type Store interface {
	// Save persists p, overwriting any existing print for the same
	// (username, driver, device id, finger).
	Save(p model.Print) error

	// Load returns the print for (username, driver, deviceID, f).
	// Returns os.ErrNotExist (wrapped) if there is none.
	Load(username, driver, deviceID string, f finger.ID) (model.Print, error)

	// Delete removes the print for (username, driver, deviceID, f).
	// Deleting a print that does not exist is not an error.
	Delete(username, driver, deviceID string, f finger.ID) error

	// DiscoverPrints lists the fingers enrolled for (username, driver,
	// deviceID).
	DiscoverPrints(username, driver, deviceID string) ([]finger.ID, error)

	// DiscoverUsers lists every username with at least one print saved
	// anywhere in the store.
	DiscoverUsers() ([]string, error)

	// HasAnyPrints reports whether the store currently holds any print
	// for any user, on any device. Used by the enroll protocol's
	// empty-host-store check.
	HasAnyPrints() (bool, error)
}

// Factory builds a Store instance given no arguments beyond its own
// configuration, which implementations read from the environment or
// from fixed defaults the way the file store does.
type Factory func() (Store, error)

var registry = map[string]Factory{}

// Register makes a storage backend available under name. Called from
// init() by each backend implementation.
func Register(name string, f Factory) {
	registry[name] = f
}

// Open instantiates the storage backend registered under name.
func Open(name string) (Store, error) {
	f, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("no storage backend registered under %q", name)
	}
	return f()
}
