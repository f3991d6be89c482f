package cmd

import (
	"github.com/apex/log"
	"github.com/spf13/cobra"

	"Netlab/pkg"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove leftovers",
	Long:  `Delete namespaces, containers and ovs bridges left behind by a run that did not exit cleanly.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := configFromFlags(cmd)
		if err != nil {
			return err
		}
		pkg.Cleanup(cmd.Context(), cfg, log.Log)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
}
