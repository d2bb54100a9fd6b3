package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/argus-run/argus-vault/cmd/flags"
	"github.com/argus-run/argus-vault/common"
	"github.com/argus-run/argus-vault/interfaces"
	"github.com/urfave/cli/v2"
)

// Process exit codes.
const (
	exitOK           = 0
	exitFailure      = 1
	exitAccessDenied = 2
	exitChainBroken  = 3
)

func newApp() *cli.App {
	return &cli.App{
		Name:            "argus-vault",
		Usage:           "Local secrets vault with a signed, hash-chained attestation log",
		Version:         common.Version,
		Flags:           flags.CommonFlags,
		HideHelpCommand: true,
		Commands: []*cli.Command{
			initCommand(),
			vaultCommand(),
			logCommand(),
			keysCommand(),
			serveCommand(),
		},
	}
}

// exitCode maps an error returned by a command to the process exit code.
// A refused write on a halted vault counts as a broken chain: the halt is
// only ever caused by one.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, interfaces.ErrAccessDenied):
		return exitAccessDenied
	case errors.Is(err, interfaces.ErrChainBroken), errors.Is(err, interfaces.ErrVaultHalted):
		return exitChainBroken
	default:
		return exitFailure
	}
}

func main() {
	app := newApp()
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "argus-vault:", err)
		os.Exit(exitCode(err))
	}
}
