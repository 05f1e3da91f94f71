package cmd

import (
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show the effective configuration and the local cache",
	Long: `Displays the eddie version, which configuration layers were loaded, where
builds come from, the local cache directories and size, and the build each
service on this host is running.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		fmt.Printf("eddie %s\n", version)
		client, err := newClient()
		if err != nil {
			return err
		}
		cfg := client.Config()

		fmt.Println("  config chain:")
		for _, l := range client.Layers() {
			status := "not found"
			if l.Loaded {
				status = "loaded"
			}
			fmt.Printf("    %-10s %s (%s)\n", string(l.Level)+":", l.Path, status)
		}

		switch cfg.Store.Type {
		case "dir":
			fmt.Printf("  store:         %s\n", cfg.Store.Path)
		default:
			fmt.Printf("  store:         s3://%s/%s (%s)\n", cfg.Store.Bucket, cfg.Store.Prefix, cfg.Store.Region)
		}
		fmt.Printf("  registry:      %s\n", cfg.Registry.Type)
		fmt.Printf("  run dir:       %s\n", cfg.Paths.Run)
		fmt.Printf("  holding dir:   %s\n", cfg.Paths.Holding)
		fmt.Printf("  cache size:    %s\n", humanize.Bytes(uint64(dirSize(cfg.Paths.Run))))

		kinds, err := client.Kinds(ctx, true)
		if err != nil || len(kinds) == 0 {
			return err
		}

		fmt.Println("\nServices:")
		for _, k := range kinds {
			builds, err := client.Versions(ctx, k, true)
			if err != nil {
				return err
			}
			active, err := client.Active(k)
			if err != nil {
				active = err.Error()
			}
			if active == "" {
				active = "(not active)"
			}
			fmt.Printf("  %-15s %d build(s), running %s\n", k, len(builds), active)
		}
		return nil
	},
}

// dirSize sums regular file sizes under dir, without following links.
func dirSize(dir string) int64 {
	var total int64
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type().IsRegular() {
			if fi, err := d.Info(); err == nil {
				total += fi.Size()
			}
		}
		return nil
	})
	return total
}

func init() {
	rootCmd.AddCommand(infoCmd)
}
