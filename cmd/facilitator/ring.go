package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"facilitator-gateway/internal/hashring"
)

func newRingCmd() *cobra.Command {
	var (
		nodes  []string
		keys   []string
		vnodes int
	)
	cmd := &cobra.Command{
		Use:   "ring",
		Short: "Show hash ring ownership for a membership list",
		Example: `  facilitator ring --nodes node-a,node-b,node-c
  facilitator ring --nodes node-a,node-b --key 0xabc --key 0xdef`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if len(nodes) == 0 {
				return errors.New("--nodes is required")
			}
			if vnodes <= 0 {
				return errors.New("--vnodes must be > 0")
			}

			ring := hashring.New(hashring.Config{VirtualNodes: vnodes})
			for _, n := range nodes {
				ring.AddNode(n)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NODE\tPOSITIONS\tSHARE")
			dist := ring.GetDistribution()
			total := 0
			for _, c := range dist {
				total += c
			}
			for _, id := range ring.Nodes() {
				fmt.Fprintf(w, "%s\t%d\t%.1f%%\n", id, dist[id], 100*float64(dist[id])/float64(total))
			}

			if len(keys) > 0 {
				fmt.Fprintln(w)
				fmt.Fprintln(w, "KEY\tOWNER\tREPLICAS")
				for _, k := range keys {
					fmt.Fprintf(w, "%s\t%s\t%v\n", k, ring.GetNode(k), ring.GetNodes(k, 2))
				}
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringSliceVar(&nodes, "nodes", nil, "comma-separated node IDs")
	cmd.Flags().StringArrayVar(&keys, "key", nil, "key to resolve (repeatable)")
	cmd.Flags().IntVar(&vnodes, "vnodes", hashring.DefaultVirtualNodes, "virtual nodes per node")
	return cmd
}
