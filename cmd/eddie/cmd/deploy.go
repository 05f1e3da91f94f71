package cmd

import (
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kifi/eddie/pkg/eddie"
)

var (
	deployHost     string
	deployMode     string
	deployVersion  string
	deployNoLock   bool
	deployRollback bool
	deployYes      bool
)

var deployCmd = &cobra.Command{
	Use:   "deploy <service>",
	Short: "Roll a build of a service out to its hosts",
	Long: `Runs self-deploy on every non-canary host of the service, or on the host
named by --host.

In safe mode (the default) hosts are deployed one at a time and the rollout
stops at the first host that does not come back healthy; with --rollback that
host is returned to its previous build. In force mode every host is deployed
at once, without the deploy lock, and failures are reported but do not stop
the others. Force mode asks for confirmation unless --yes is given.

--version takes "latest" (the default), a commit hash, or a relative
version such as -1. Latest is pinned to a concrete build before any host is
contacted, so every host installs the same one.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}

		result, err := client.Deploy(cmd.Context(), eddie.DeployOptions{
			Kind:     args[0],
			Host:     deployHost,
			Mode:     deployMode,
			Version:  deployVersion,
			Rollback: deployRollback,
			NoLock:   deployNoLock,
			Operator: operator,
			Confirm:  confirmPlan,
		})
		if result != nil {
			for _, h := range result.RolledBack {
				info("Rolled %s back to its previous build.", h)
			}
		}
		if err != nil {
			return err
		}

		switch {
		case result.LockHeld:
			info("Another deploy of %s is running. Nothing to do.", args[0])
			return nil
		case result.Cancelled:
			info("Deploy cancelled.")
			return nil
		}

		info("Deployed %s to %d host(s): %s", result.Plan.Display, len(result.Completed), strings.Join(result.Completed, ", "))
		for _, h := range result.Failed {
			errorf("%s did not come up", h)
		}
		return nil
	},
}

// confirmPlan shows the plan and, in force mode, asks the operator to
// approve it.
func confirmPlan(p eddie.Plan) bool {
	info("Deploying %s %s in %s mode to:", p.Kind, p.Display, p.Mode)
	for _, t := range p.Targets {
		info("  %s", t)
	}
	if string(p.Mode) != eddie.ModeForce || deployYes {
		return true
	}
	return confirm(os.Stdin, os.Stdout, "Force deploy to all hosts at once?")
}

func init() {
	deployCmd.Flags().StringVar(&deployHost, "host", "", "deploy to this host only")
	deployCmd.Flags().StringVar(&deployMode, "mode", eddie.ModeSafe, "rollout mode: safe or force")
	deployCmd.Flags().StringVar(&deployVersion, "version", "latest", "build to deploy: latest, a commit hash, or a relative version such as -1")
	deployCmd.Flags().BoolVar(&deployNoLock, "nolock", false, "do not take the fleet deploy lock")
	deployCmd.Flags().BoolVar(&deployRollback, "rollback", false, "in safe mode, roll a failed host back one version")
	deployCmd.Flags().BoolVar(&deployYes, "yes", false, "do not ask for confirmation")
	rootCmd.AddCommand(deployCmd)
}
