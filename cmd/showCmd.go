package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"Netlab/pkg/topo"
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Show Topology",
	Long:  `Print the nodes, interfaces and links of a topology without creating anything.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			g   *topo.Graph
			err error
		)
		if filepath, _ := cmd.Flags().GetString("from"); filepath != "" {
			g, err = topo.Load(filepath)
		} else {
			g, err = topo.LinuxRouter()
		}
		if err != nil {
			return err
		}
		class, _ := cmd.Flags().GetString("class")
		switch class {
		case "nodes":
			showNodes(cmd.OutOrStdout(), g)
		case "links":
			showLinks(cmd.OutOrStdout(), g)
		default:
			return fmt.Errorf("invalid class %q", class)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(showCmd)
	showCmd.Flags().String("class", "nodes", "Class of the element to show: nodes or links")
	showCmd.Flags().StringP("from", "f", "", "Path to the topology configuration file (default: demo)")
}

func showNodes(w io.Writer, g *topo.Graph) {
	for _, n := range g.Nodes() {
		fmt.Fprintf(w, "Node: %s, Kind: %s", n.Name, n.Kind)
		if n.Hook != nil {
			fmt.Fprintf(w, ", Role: %s", n.Hook.Name())
		}
		for _, i := range n.Interfaces {
			fmt.Fprintf(w, ", %s", i.Name)
			if i.IP != "" {
				fmt.Fprintf(w, " %s", i.IP)
			}
		}
		if n.DefaultRoute != "" {
			fmt.Fprintf(w, ", default %s", n.DefaultRoute)
		}
		fmt.Fprintln(w)
	}
}

func showLinks(w io.Writer, g *topo.Graph) {
	for _, e := range g.Edges() {
		fmt.Fprintf(w, "Link: %s <-> %s\n", e.A, e.B)
	}
}
