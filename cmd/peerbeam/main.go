package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"

	"github.com/peerbeam/peerbeam/internal/config"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

const (
	cmdServe   = "serve"
	cmdSend    = "send"
	cmdReceive = "receive"
)

const usageText = `peerbeam beams one file directly between two machines.

Usage:

  peerbeam receive [flags]
        Print a session id, then wait for a sender and write the received
        file into --out.

  peerbeam send [flags] <session-id> <file>
        Connect to a receiver's session id and stream the file to it.

  peerbeam serve [flags]
        Run the rendezvous server the two sides use to find each other.

Run "peerbeam <command> -h" for flags.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usageText)
		os.Exit(2)
	}

	cmd := os.Args[1]
	switch cmd {
	case cmdServe, cmdSend, cmdReceive:
	case "help", "-h", "--help":
		fmt.Fprint(os.Stderr, usageText)
		return
	default:
		fmt.Fprintf(os.Stderr, "peerbeam: unknown command %q\n\n%s", cmd, usageText)
		os.Exit(2)
	}

	cfg, err := config.Load(os.Args[2:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	switch cmd {
	case cmdServe:
		os.Exit(runServe(cfg, logger))
	case cmdSend:
		os.Exit(runSend(cfg, logger))
	case cmdReceive:
		os.Exit(runReceive(cfg, logger))
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
