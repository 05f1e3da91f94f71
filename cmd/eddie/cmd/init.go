package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kifi/eddie/internal/config"
)

var initForce bool

// initHeader precedes the generated defaults.
const initHeader = `# eddie configuration
#
# Layers: /etc/eddie/eddie.yaml, then ~/.config/eddie/eddie.yaml, then the
# file given with --config. Later layers override earlier ones field by
# field. Set EDDIE_NO_INHERIT=1 to read only --config.
#
# store.type "dir" reads builds from a directory instead of S3:
#   store: {type: dir, path: /mnt/builds}
#
# registry.type "static" lists hosts here instead of reading EC2 tags:
#   registry:
#     type: static
#     hosts:
#       - {name: b01, service: shoebox, address: 10.0.0.1}
#
# notify.slack.webhook_url enables deploy notifications in Slack.

`

// initTemplate renders the default configuration.
func initTemplate() ([]byte, error) {
	body, err := yaml.Marshal(config.Default())
	if err != nil {
		return nil, err
	}
	return append([]byte(initHeader), body...), nil
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create an eddie.yaml with the default settings",
	Long: `Writes the built-in defaults to the file named by --config (eddie.yaml in
the current directory unless given), as a starting point for a system or user
configuration.

Use --force to overwrite an existing configuration file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		outPath := configPath
		if !filepath.IsAbs(outPath) {
			abs, err := filepath.Abs(outPath)
			if err != nil {
				return fmt.Errorf("resolving path: %w", err)
			}
			outPath = abs
		}

		if !initForce {
			if _, err := os.Stat(outPath); err == nil {
				return fmt.Errorf("%s already exists (use --force to overwrite)", outPath)
			}
		}

		data, err := initTemplate()
		if err != nil {
			return fmt.Errorf("rendering config: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}
		if err := os.WriteFile(outPath, data, 0644); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		info("Created %s", outPath)
		info("")
		info("Next steps:")
		info("  1. Point store at your build bucket and registry at your fleet")
		info("  2. Run 'eddie versions' to check the store is reachable")
		info("  3. Run 'eddie deploy <service>' to roll out the latest build")
		return nil
	},
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite existing config file")
	rootCmd.AddCommand(initCmd)
}
