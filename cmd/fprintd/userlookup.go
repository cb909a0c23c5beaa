package main

import (
	"fmt"
	"os"
	"os/user"
	"strings"
)

func lookupUsername(uid uint32) (string, error) {
	u, err := user.LookupId(fmt.Sprintf("%d", uid))
	if err != nil {
		return "", fmt.Errorf("resolving uid %d: %w", uid, err)
	}
	return u.Username, nil
}

// processComm reads the command name of pid from /proc, the same
// source the original reads to log the offending client of a
// deprecated call.
func processComm(pid uint32) (string, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
