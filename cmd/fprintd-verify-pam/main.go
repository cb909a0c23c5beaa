// Command fprintd-verify-pam is the out-of-process, PAM-style client
// that drives a fingerprint Verify for login, talking to fprintd
// purely through its published D-Bus operations.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/freedesktop-fprint/fprintd-go/internal/authhelper"
	"github.com/freedesktop-fprint/fprintd-go/internal/fplog"
)

func main() {
	debug := flag.Bool("debug", false, "enable verbose debug logging")
	maxTries := flag.Int("max-tries", 3, "number of verify attempts before giving up (minimum 1)")
	timeoutSecs := flag.Int("timeout", 30, "per-attempt verify timeout in seconds (minimum 10)")
	username := flag.String("user", "", "username to authenticate (defaults to the process's own)")
	remoteHost := flag.String("rhost", "", "remote host of the login session, if any")
	flag.Parse()

	if *debug {
		fplog.SetLevel(fplog.LevelDebug)
	}

	if authhelper.IsRemoteSession(*remoteHost, false) {
		fplog.Warn("refusing fingerprint authentication for remote session (rhost=%q)", *remoteHost)
		exit(authhelper.OutcomeAuthInfoUnavail)
	}

	opts := authhelper.Options{
		Debug:    *debug,
		MaxTries: *maxTries,
		Timeout:  time.Duration(*timeoutSecs) * time.Second,
	}.Normalize()

	user := *username
	if user == "" {
		user = currentUsername()
	}

	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		fplog.Error("connecting to the system bus: %v", err)
		exit(authhelper.OutcomeAuthInfoUnavail)
	}
	defer conn.Close()

	path, err := authhelper.SelectDevice(conn, user)
	if err != nil {
		fplog.Error("selecting a fingerprint device: %v", err)
		exit(authhelper.OutcomeAuthInfoUnavail)
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout*time.Duration(opts.MaxTries))
	defer cancel()

	outcome := authhelper.Run(ctx, conn, path, user, opts)
	fmt.Fprintln(os.Stdout, outcome)
	exit(outcome)
}

func exit(o authhelper.Outcome) {
	switch o {
	case authhelper.OutcomeSuccess:
		os.Exit(0)
	case authhelper.OutcomeMaxTries:
		os.Exit(3)
	case authhelper.OutcomeAuthInfoUnavail:
		os.Exit(2)
	default:
		os.Exit(1)
	}
}

func currentUsername() string {
	if u := os.Getenv("PAM_USER"); u != "" {
		return u
	}
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return strconv.Itoa(os.Getuid())
}
