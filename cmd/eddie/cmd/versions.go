package cmd

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/kifi/eddie/pkg/eddie"
)

var versionsLocal bool

var versionsCmd = &cobra.Command{
	Use:   "versions [service]",
	Short: "List the builds available for deploy",
	Long: `Lists the builds of a service, or of every service, newest first. Builds in
the local cache are marked and labelled with the relative version that
selects them ("0", "-1", ...). The newest build is labelled "latest".

With --local only the local cache is read.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		client, err := newClient()
		if err != nil {
			return err
		}

		kinds := args
		if len(kinds) == 0 {
			if kinds, err = client.Kinds(ctx, versionsLocal); err != nil {
				return err
			}
		}
		if len(kinds) == 0 {
			info("No builds found.")
			return nil
		}

		for i, kind := range kinds {
			versions, err := client.Versions(ctx, kind, versionsLocal)
			if err != nil {
				return err
			}
			if i > 0 {
				info("")
			}
			info("%s:", kind)
			if len(versions) == 0 {
				info("  (none)")
				continue
			}
			for _, v := range versions {
				info("  %s", formatVersion(v))
			}
		}
		return nil
	},
}

// formatVersion renders one listing line: reference label, local marker,
// name, size and age.
func formatVersion(v eddie.Version) string {
	marker := " "
	if v.Local {
		marker = "*"
	}
	size := "-"
	if v.Artifact.Size > 0 {
		size = humanize.Bytes(uint64(v.Artifact.Size))
	}
	return fmt.Sprintf("%-7s %s %-48s %8s  %s", v.Ref, marker, v.Artifact.Name(), size, humanize.Time(v.Artifact.Built))
}

var getVersionCmd = &cobra.Command{
	Use:   "get-version <service> <version> [dir]",
	Short: "Download a build archive without deploying it",
	Long: `Downloads the archive of a build from the artifact store into dir (default:
the current directory). The version is "latest" or a commit hash; relative
versions only have meaning against a host's cache and are rejected here.`,
	Args: cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := "."
		if len(args) == 3 {
			dir = args[2]
		}

		client, err := newClient()
		if err != nil {
			return err
		}
		path, a, err := client.Download(cmd.Context(), args[0], args[1], dir)
		if err != nil {
			return err
		}
		info("Downloaded %s (%s)", path, humanize.Bytes(uint64(a.Size)))
		return nil
	},
}

func init() {
	versionsCmd.Flags().BoolVar(&versionsLocal, "local", false, "list only the builds in the local cache")
	rootCmd.AddCommand(versionsCmd)
	rootCmd.AddCommand(getVersionCmd)
}
