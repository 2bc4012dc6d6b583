package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"

	"github.com/podscale/runpod-node-provider/pkg/provider"
)

// output formats accepted by -o
const (
	outputTable = "table"
	outputJSON  = "json"
	outputYAML  = "yaml"
)

func (a *app) nodesCommand() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:     "nodes",
		Aliases: []string{"node"},
		Short:   "Inspect and manage the nodes of the cluster",
	}
	cmd.PersistentFlags().StringVarP(&output, "output", "o", outputTable, "Output format (table, json, yaml)")

	cmd.AddCommand(
		a.nodesListCommand(&output),
		a.nodesGetCommand(&output),
		a.nodesCreateCommand(&output),
		a.nodesTagCommand(&output),
		a.nodesTerminateCommand(),
	)
	return cmd
}

func (a *app) nodesListCommand(output *string) *cobra.Command {
	var selector map[string]string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "Refresh and list the active nodes of the cluster",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.newProvider(cmd.Context())
			if err != nil {
				return err
			}
			nodes, err := p.Refresh(cmd.Context(), provider.TagFilter(selector))
			if err != nil {
				return err
			}
			return printNodes(cmd.OutOrStdout(), *output, sortedNodes(nodes))
		},
	}
	cmd.Flags().StringToStringVarP(&selector, "selector", "l", nil, "Only list nodes with these tags (key=value,...)")
	return cmd
}

func (a *app) nodesGetCommand(output *string) *cobra.Command {
	return &cobra.Command{
		Use:   "get ID",
		Short: "Show one node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.newProvider(cmd.Context())
			if err != nil {
				return err
			}
			n, err := p.Node(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printNodes(cmd.OutOrStdout(), *output, []provider.Node{n})
		},
	}
}

func (a *app) nodesCreateCommand(output *string) *cobra.Command {
	var (
		config provider.NodeConfig
		tags   map[string]string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create one node and tag it as a member of the cluster",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateOutput(*output); err != nil {
				return err
			}
			p, err := a.newProvider(cmd.Context())
			if err != nil {
				return err
			}
			id, err := p.CreateNode(cmd.Context(), config, tags, 1)
			if err != nil {
				return err
			}
			if *output == outputTable {
				fmt.Fprintf(cmd.OutOrStdout(), "node/%s created\n", id)
				return nil
			}
			return printValue(cmd.OutOrStdout(), *output, map[string]string{"id": id})
		},
	}
	cmd.Flags().StringVar(&config.InstanceType, "instance-type", "", "RunPod GPU type id of the node, e.g. \"NVIDIA RTX A4000\"")
	cmd.Flags().StringVar(&config.ImageName, "image", "", "Container image (default "+provider.DefaultImageName+")")
	cmd.Flags().StringToStringVar(&tags, "tag", nil, "Tags to set on the node (key=value,...)")
	_ = cmd.MarkFlagRequired("instance-type")
	return cmd
}

func (a *app) nodesTagCommand(output *string) *cobra.Command {
	var tags map[string]string

	cmd := &cobra.Command{
		Use:   "tag ID",
		Short: "Merge tags into a node's tags",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(tags) == 0 {
				return fmt.Errorf("at least one --tag is required")
			}
			if err := validateOutput(*output); err != nil {
				return err
			}
			p, err := a.newProvider(cmd.Context())
			if err != nil {
				return err
			}
			if err := p.SetNodeTags(cmd.Context(), args[0], tags); err != nil {
				return err
			}
			n, err := p.Node(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printNodes(cmd.OutOrStdout(), *output, []provider.Node{n})
		},
	}
	cmd.Flags().StringToStringVar(&tags, "tag", nil, "Tags to merge (key=value,...)")
	return cmd
}

func (a *app) nodesTerminateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "terminate ID...",
		Short: "Terminate nodes",
		Long: `Terminate asks RunPod to remove the given nodes. Nodes keep showing up as
running until RunPod stops listing them.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.newProvider(cmd.Context())
			if err != nil {
				return err
			}
			var failed []string
			for _, id := range args {
				if err := p.TerminateNode(cmd.Context(), id); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "node/%s: %v\n", id, err)
					failed = append(failed, id)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "node/%s terminated\n", id)
			}
			if len(failed) > 0 {
				return fmt.Errorf("failed to terminate %d of %d nodes", len(failed), len(args))
			}
			return nil
		},
	}
}

// validateOutput rejects unknown formats before anything is changed
func validateOutput(format string) error {
	switch format {
	case outputTable, outputJSON, outputYAML:
		return nil
	default:
		return fmt.Errorf("unsupported output format %q, must be one of: table, json, yaml", format)
	}
}

func sortedNodes(nodes map[string]provider.Node) []provider.Node {
	out := make([]provider.Node, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// printNodes writes nodes in the requested format
func printNodes(w io.Writer, format string, nodes []provider.Node) error {
	if format != outputTable {
		return printValue(w, format, nodes)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tADDRESS\tINSTANCE TYPE\tTAGS")
	for _, n := range nodes {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			n.ID, n.Name, n.Status, orNone(n.Address), n.InstanceType, formatTags(n.Tags))
	}
	return tw.Flush()
}

func printValue(w io.Writer, format string, v interface{}) error {
	switch format {
	case outputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case outputYAML:
		out, err := yaml.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to encode yaml: %w", err)
		}
		_, err = w.Write(out)
		return err
	default:
		return validateOutput(format)
	}
}

func formatTags(tags map[string]string) string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+tags[k])
	}
	return orNone(strings.Join(pairs, ","))
}

func orNone(s string) string {
	if s == "" {
		return "<none>"
	}
	return s
}
