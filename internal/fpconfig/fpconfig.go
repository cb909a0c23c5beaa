// Package fpconfig loads the daemon's configuration file: a small
// key/value format with bracketed sections, modeled on the GKeyFile
// format the daemon has always shipped its configuration in.
//
//	[storage]
//	type=file
package fpconfig

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/freedesktop-fprint/fprintd-go/internal/fplog"
)

const DefaultPath = "/etc/fprintd.conf"

// Configuration holds the daemon's on-disk settings.
type Configuration struct {
	// StorageType selects the registered store implementation ("file"
	// is the only one built in). Empty means "use the built-in default".
	StorageType string

	LogLevel  int
	NoTimeout bool
}

var (
	mu     sync.RWMutex
	config Configuration
	loaded bool
)

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() Configuration {
	return Configuration{
		StorageType: "file",
		LogLevel:    fplog.LevelInfo,
	}
}

// LoadConfig loads configuration from path. path == "" uses DefaultPath.
// A missing file is not an error: the defaults from DefaultConfig apply.
func LoadConfig(path string) error {
	mu.Lock()
	defer mu.Unlock()

	config = DefaultConfig()
	if path == "" {
		path = DefaultPath
	}

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		fplog.Debug("no configuration file at %s, using defaults", path)
		loaded = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("cannot open config: %w", err)
	}
	defer f.Close()

	if err := parseInto(&config, f); err != nil {
		return fmt.Errorf("cannot parse config %s: %w", path, err)
	}

	fplog.SetLevel(config.LogLevel)
	loaded = true
	return nil
}

func parseInto(c *Configuration, f *os.File) error {
	scanner := bufio.NewScanner(f)
	section := ""
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = strings.TrimSpace(line[1 : len(line)-1])
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			return fmt.Errorf("malformed line %q", line)
		}
		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)
		if section == "storage" && key == "type" {
			c.StorageType = val
		}
	}
	return scanner.Err()
}

// Get returns the loaded configuration, auto-loading the default path
// on first use.
func Get() Configuration {
	mu.RLock()
	if loaded {
		defer mu.RUnlock()
		return config
	}
	mu.RUnlock()

	if err := LoadConfig(""); err != nil {
		fplog.Error("failed to load config: %v", err)
	}

	mu.RLock()
	defer mu.RUnlock()
	return config
}
