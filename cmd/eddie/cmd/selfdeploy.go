package cmd

import (
	"github.com/spf13/cobra"

	"github.com/kifi/eddie/pkg/eddie"
)

var (
	selfForce   bool
	selfService string
)

var selfDeployCmd = &cobra.Command{
	Use:   "self-deploy [version]",
	Short: "Deploy a build of this host's service",
	Long: `Fetches the build into the local cache if needed, stops the service, points
its activation link at the build, prunes old builds, starts the service and
waits for it to report healthy.

The version is "latest" (the default), a commit hash, or a relative version
such as -1 for the build before the newest one in the local cache. Pass
relative versions after "--" so they are not read as flags.

Without --service the host's Service tag is read from EC2, and its Version
tag is used when no version is given.

Only one deploy of a service runs at a time; --force skips that check.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}

		opts := eddie.SelfDeployOptions{
			Kind:     selfService,
			Force:    selfForce,
			Operator: operator,
		}
		if len(args) == 1 {
			opts.Version = args[0]
		}

		result, err := client.SelfDeploy(cmd.Context(), opts)
		if err != nil {
			return err
		}

		info("%s is running %s.", result.Kind, result.Artifact.Name())
		if result.Pruned != nil {
			for _, name := range result.Pruned.Retired {
				detail("retired %s", name)
			}
			for _, name := range result.Pruned.Deleted {
				detail("deleted %s", name)
			}
		}
		return nil
	},
}

func init() {
	selfDeployCmd.Flags().BoolVar(&selfForce, "force", false, "deploy even if another deploy of the service is running")
	selfDeployCmd.Flags().StringVar(&selfService, "service", "", "service to deploy (default: this instance's Service tag)")
	rootCmd.AddCommand(selfDeployCmd)
}
