package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/freedesktop-fprint/fprintd-go/internal/finger"
	"github.com/freedesktop-fprint/fprintd-go/internal/model"
	"github.com/freedesktop-fprint/fprintd-go/internal/validate"
)

func init() {
	Register("file", func() (Store, error) { return NewFileStore(fileStoreRoot()) })
}

const dirPerms = 0700

// defaultRoot is used when STATE_DIRECTORY is unset.
const defaultRoot = "/var/lib/fprint"

// fileStoreRoot resolves the storage root the way the daemon's service
// unit expects: STATE_DIRECTORY may list several colon-separated
// directories (systemd's StateDirectory= can be given more than one
// name); only the first is used.
func fileStoreRoot() string {
	if v := os.Getenv("STATE_DIRECTORY"); v != "" {
		if first, _, _ := strings.Cut(v, ":"); first != "" {
			return first
		}
	}
	return defaultRoot
}

// FileStore persists one print per file under
// <root>/<username>/<driver>/<device-id>/<finger-hex-digit>.
type FileStore struct {
	root string
}

// NewFileStore opens a file-backed store rooted at root, creating it
// if necessary.
func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, dirPerms); err != nil {
		return nil, fmt.Errorf("cannot create storage root %s: %w", root, err)
	}
	return &FileStore{root: root}, nil
}

func (s *FileStore) deviceDir(username, driver, deviceID string) (string, error) {
	if err := validate.Username(username); err != nil {
		return "", err
	}
	if err := validate.DriverName(driver); err != nil {
		return "", err
	}
	if err := validate.DeviceID(deviceID); err != nil {
		return "", err
	}
	return filepath.Join(s.root, username, driver, deviceID), nil
}

func (s *FileStore) printPath(username, driver, deviceID string, f finger.ID) (string, error) {
	dir, err := s.deviceDir(username, driver, deviceID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, string(f.StorageDigit())), nil
}

// printRecord is the on-disk envelope around a template: the metadata
// a Print carries besides its raw bytes, so a Load can detect a file
// that ended up at the wrong path (or was tampered with) instead of
// silently trusting whatever the caller asked for. Mirrors the
// finger/username/compatibility fields file_storage_print_data_load
// checks in the original after deserializing its FpPrint blob.
type printRecord struct {
	Username string    `json:"username"`
	Driver   string    `json:"driver"`
	DeviceID string    `json:"device_id"`
	Finger   string    `json:"finger"`
	Enrolled time.Time `json:"enrolled"`
	Data     []byte    `json:"data"`
}

// Save writes p atomically: to a temp file in the target directory,
// fsynced, then renamed over the final path so a crash mid-write never
// leaves a truncated print behind.
func (s *FileStore) Save(p model.Print) error {
	dir, err := s.deviceDir(p.Username, p.Driver, p.DeviceID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, dirPerms); err != nil {
		return fmt.Errorf("cannot create device dir: %w", err)
	}

	path, err := s.printPath(p.Username, p.Driver, p.DeviceID, p.Finger)
	if err != nil {
		return err
	}

	enrolled := p.Enrolled
	if enrolled.IsZero() {
		enrolled = time.Now()
	}
	record := printRecord{
		Username: p.Username,
		Driver:   p.Driver,
		DeviceID: p.DeviceID,
		Finger:   p.Finger.String(),
		Enrolled: enrolled,
		Data:     p.Data,
	}
	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("cannot encode print record: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".print-*.tmp")
	if err != nil {
		return fmt.Errorf("cannot create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(encoded); err != nil {
		tmp.Close()
		return fmt.Errorf("cannot write print data: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("cannot sync print data: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("cannot close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0600); err != nil {
		return fmt.Errorf("cannot set print file mode: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("cannot install print file: %w", err)
	}
	return nil
}

// Load rejects a record whose embedded metadata does not match what
// the caller asked for, rather than trusting the path alone: a file
// that ended up under the wrong finger digit, or was copied in from
// another user's or device's directory, is reported as unreadable
// instead of being handed back as if it belonged to the request.
func (s *FileStore) Load(username, driver, deviceID string, f finger.ID) (model.Print, error) {
	path, err := s.printPath(username, driver, deviceID, f)
	if err != nil {
		return model.Print{}, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return model.Print{}, err
	}
	var record printRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return model.Print{}, fmt.Errorf("cannot decode print record at %s: %w", path, err)
	}
	if record.Username != username || record.Driver != driver || record.DeviceID != deviceID || record.Finger != f.String() {
		return model.Print{}, fmt.Errorf("print record at %s does not match %s/%s/%s/%s", path, username, driver, deviceID, f)
	}
	return model.Print{
		Username: record.Username,
		Driver:   record.Driver,
		DeviceID: record.DeviceID,
		Finger:   f,
		Data:     record.Data,
		Enrolled: record.Enrolled,
	}, nil
}

// Delete removes the print file and prunes now-empty parent directories
// upward (device dir, then driver dir, then user dir), stopping at the
// store root or at the first directory
// that is non-empty or that is not inside the store root.
func (s *FileStore) Delete(username, driver, deviceID string, f finger.ID) error {
	path, err := s.printPath(username, driver, deviceID, f)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}

	dir := filepath.Dir(path)
	for dir != s.root && strings.HasPrefix(dir, s.root) {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			break
		}
		if err := os.Remove(dir); err != nil {
			break
		}
		dir = filepath.Dir(dir)
	}
	return nil
}

// DiscoverPrints lists the fingers enrolled for a device. Filenames
// other than a single lowercase hex digit are skipped, forward
// compatible with drivers that leave sidecar files alongside a print.
func (s *FileStore) DiscoverPrints(username, driver, deviceID string) ([]finger.ID, error) {
	dir, err := s.deviceDir(username, driver, deviceID)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []finger.ID
	for _, e := range entries {
		if e.IsDir() || len(e.Name()) != 1 {
			continue
		}
		for _, id := range finger.All() {
			if id.StorageDigit() == e.Name()[0] {
				out = append(out, id)
				break
			}
		}
	}
	return out, nil
}

// HasAnyPrints walks the store root looking for a single-hex-digit
// print file at the <root>/user/driver/device-id/ nesting depth.
func (s *FileStore) HasAnyPrints() (bool, error) {
	found := false
	err := filepath.WalkDir(s.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if found {
			return filepath.SkipAll
		}
		if !d.IsDir() && len(d.Name()) == 1 {
			rel, relErr := filepath.Rel(s.root, path)
			if relErr == nil && strings.Count(rel, string(filepath.Separator)) == 3 {
				found = true
				return filepath.SkipAll
			}
		}
		return nil
	})
	if os.IsNotExist(err) {
		return false, nil
	}
	return found, err
}

// DiscoverUsers lists every directory entry directly under the store
// root, with no validation beyond "is a directory".
func (s *FileStore) DiscoverUsers() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var users []string
	for _, e := range entries {
		if e.IsDir() {
			users = append(users, e.Name())
		}
	}
	return users, nil
}
