package cmd

import (
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/charmbracelet/log"
)

// Environment passed to extensions, it carries the global flags.
const (
	EnvLedger   = "HODL_LEDGER"
	EnvCurrency = "HODL_CURRENCY"
	EnvLogLevel = "LOG_LEVEL"
	EnvDotEnv   = "HODL_ENV_FILE"
)

// extensionEnv returns the environment of an extension.
func extensionEnv() []string {
	env := os.Environ()
	if *ledgerPath != "" {
		env = append(env, EnvLedger+"="+*ledgerPath)
	}
	if *currency != "" {
		env = append(env, EnvCurrency+"="+*currency)
	}
	if *envFile != "" {
		env = append(env, EnvDotEnv+"="+*envFile)
	}
	if *Verbose {
		env = append(env, EnvLogLevel+"=debug")
	}
	return env
}

// RunExtension attempts to find and execute an external btl-<subcommand> binary.
// It returns (true, exitCode) if an extension was found and executed,
// and (false, 0) if no extension was found.
func RunExtension(subcommand string, args []string) (bool, int) {
	name := "btl-" + subcommand

	lp, err := exec.LookPath(name)
	if err != nil {
		log.Debug("no extension", "command", name, "err", err)
		return false, 0
	}

	cmd := exec.Command(lp, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = extensionEnv()

	if err := cmd.Run(); err != nil {
		var exitError *exec.ExitError
		if errors.As(err, &exitError) {
			return true, exitError.ExitCode()
		}
		fmt.Fprintf(os.Stderr, "Error executing external command %q: %v\n", name, err)
		return true, 1
	}
	return true, 0
}
