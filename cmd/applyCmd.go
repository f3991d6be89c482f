package cmd

import (
	"github.com/spf13/cobra"

	"Netlab/pkg/topo"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply Topology",
	Long:  `Start the topology described by a YAML file (nodes and links) and open a shell on it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		filepath, _ := cmd.Flags().GetString("from")
		g, err := topo.Load(filepath)
		if err != nil {
			return err
		}
		return run(cmd, g)
	},
}

func init() {
	rootCmd.AddCommand(applyCmd)
	applyCmd.Flags().StringP("from", "f", "", "Path to the topology configuration file")
	_ = applyCmd.MarkFlagRequired("from")
}
