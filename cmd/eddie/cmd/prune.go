package cmd

import (
	"github.com/spf13/cobra"
)

var pruneCmd = &cobra.Command{
	Use:   "prune <service>",
	Short: "Retire old builds of a service from the local cache",
	Long: `Keeps the newest retention.active builds of the service and moves the rest
to the holding area, which is then trimmed to retention.holding entries. The
build the service is currently running is never moved.

Takes the service's deploy lock, so it does not run alongside self-deploy.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind := args[0]

		client, err := newClient()
		if err != nil {
			return err
		}

		result, err := client.Prune(cmd.Context(), kind)
		if result != nil {
			for _, name := range result.Retired {
				info("  retired  %s", name)
			}
			for _, name := range result.Deleted {
				info("  deleted  %s", name)
			}
		}
		if err != nil {
			return err
		}
		if len(result.Retired) == 0 && len(result.Deleted) == 0 {
			info("Nothing to prune.")
			return nil
		}
		info("\nRetired %d and deleted %d build(s) of %s.", len(result.Retired), len(result.Deleted), kind)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pruneCmd)
}
