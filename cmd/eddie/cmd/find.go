package cmd

import (
	"github.com/spf13/cobra"
)

var findCmd = &cobra.Command{
	Use:   "find [query]",
	Short: "List instances matching a name, service or address",
	Long: `Lists instances whose name, service, mode, instance type, address or
instance id contains the query. Without a query every instance is listed.
Results are grouped by service.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := ""
		if len(args) == 1 {
			query = args[0]
		}

		client, err := newClient()
		if err != nil {
			return err
		}
		found, err := client.Find(cmd.Context(), query)
		if err != nil {
			return err
		}
		if len(found) == 0 {
			info("No instances match %q.", query)
			return nil
		}
		for _, inst := range found {
			info("%s", inst)
			detail("id=%s state=%s version=%s", inst.ID, inst.State, inst.Version)
		}
		return nil
	},
}

var publishCmd = &cobra.Command{
	Use:   "publish <file>...",
	Short: "Upload build archives to the artifact store",
	Long: `Uploads each file to the artifact store in parallel parts. File names must
follow the build naming convention, for example
shoebox-20240102-0900-master-bbb222.zip, or they would be invisible to
deploys. All names are checked before anything is uploaded.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		if err := client.Publish(cmd.Context(), args...); err != nil {
			return err
		}
		info("Published %d file(s).", len(args))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(findCmd)
	rootCmd.AddCommand(publishCmd)
}
