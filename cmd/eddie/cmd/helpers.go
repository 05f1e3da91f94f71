package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/kifi/eddie/internal/config"
	"github.com/kifi/eddie/pkg/eddie"
)

// newClient loads the layered configuration. An explicitly passed --config
// must exist.
func newClient() (*eddie.Client, error) {
	return eddie.New(eddie.Options{
		ConfigPath:     configPath,
		ConfigRequired: rootCmd.PersistentFlags().Changed("config"),
		NoInherit:      config.EnvNoInherit(),
		Logger:         logger,
		Out:            os.Stdout,
		LogEvents:      verbose,
	})
}

// confirm asks a yes/no question on in. Anything but y or yes is a no.
func confirm(in io.Reader, out io.Writer, question string) bool {
	fmt.Fprintf(out, "%s [Y/N] ", question)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

// info prints a line unless quiet mode is active.
func info(format string, args ...any) {
	if !quiet {
		fmt.Printf(format+"\n", args...)
	}
}

// detail prints a line only in verbose mode.
func detail(format string, args ...any) {
	if verbose {
		fmt.Printf("  "+format+"\n", args...)
	}
}

// errorf prints an error message to stderr.
func errorf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
}
