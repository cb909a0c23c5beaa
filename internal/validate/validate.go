// Package validate holds the small input validators shared by the print
// store and the D-Bus method handlers.
package validate

import (
	"fmt"
	"regexp"
)

var (
	safeUsernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_.\-][a-zA-Z0-9_.\-\\]{0,31}\$?$`)
	safeDriverPattern   = regexp.MustCompile(`^[a-zA-Z0-9_\-]+$`)
	safeDeviceIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_\-:.]+$`)
)

// Username validates a POSIX-ish account name before it is used as a
// print store directory component.
func Username(name string) error {
	if name == "" {
		return fmt.Errorf("empty username")
	}
	if len(name) > 32 {
		return fmt.Errorf("username too long")
	}
	if !safeUsernamePattern.MatchString(name) {
		return fmt.Errorf("username contains invalid characters")
	}
	return nil
}

// DriverName validates a device driver name before it is used as a print
// store directory component.
func DriverName(name string) error {
	if name == "" {
		return fmt.Errorf("empty driver name")
	}
	if !safeDriverPattern.MatchString(name) {
		return fmt.Errorf("driver name contains invalid characters")
	}
	return nil
}

// DeviceID validates a device id before it is used as a print store
// directory component.
func DeviceID(id string) error {
	if id == "" {
		return fmt.Errorf("empty device id")
	}
	if !safeDeviceIDPattern.MatchString(id) {
		return fmt.Errorf("device id contains invalid characters")
	}
	return nil
}
