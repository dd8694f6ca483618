package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/orneryd/graphstore/pkg/graph"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// patchFromArgs builds an update patch: key=value pairs set properties and
// every --unset name removes one.
func patchFromArgs(args, unset []string) (graph.Properties, error) {
	patch, err := parseAssignments(args)
	if err != nil {
		return nil, err
	}
	for _, name := range unset {
		patch[name] = nil
	}
	if len(patch) == 0 {
		return nil, fmt.Errorf("nothing to update: pass key=value pairs or --unset")
	}
	return patch, nil
}

// ============================================================================
// Nodes
// ============================================================================

func (a *app) newNodeCmd() *cobra.Command {
	nodeCmd := &cobra.Command{
		Use:   "node",
		Short: "Create, read, update and delete nodes",
	}

	createCmd := &cobra.Command{
		Use:   "create [key=value ...]",
		Short: "Create a node and print its id",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("id")
			labels, _ := cmd.Flags().GetStringSlice("label")
			props, err := parseAssignments(args)
			if err != nil {
				return err
			}
			created, err := a.engine.CreateNode(graph.NodeID(id), labels, props)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), created)
			return nil
		},
	}
	createCmd.Flags().String("id", "", "Node id (default: generated UUID)")
	createCmd.Flags().StringSliceP("label", "l", nil, "Node label (repeatable)")

	getCmd := &cobra.Command{
		Use:   "get ID",
		Short: "Print a node as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := a.engine.GetNode(graph.NodeID(args[0]))
			if err != nil {
				return err
			}
			if n == nil {
				return fmt.Errorf("node %s: %w", args[0], graph.ErrNotFound)
			}
			return printJSON(cmd.OutOrStdout(), viewNode(n))
		},
	}

	updateCmd := &cobra.Command{
		Use:   "update ID [key=value ...]",
		Short: "Merge properties into a node",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			unset, _ := cmd.Flags().GetStringSlice("unset")
			patch, err := patchFromArgs(args[1:], unset)
			if err != nil {
				return err
			}
			n, err := a.engine.UpdateNode(graph.NodeID(args[0]), patch)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), viewNode(n))
		},
	}
	updateCmd.Flags().StringSlice("unset", nil, "Property to remove (repeatable)")

	deleteCmd := &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a node and every edge touching it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.engine.DeleteNode(graph.NodeID(args[0]))
		},
	}

	nodeCmd.AddCommand(createCmd, getCmd, updateCmd, deleteCmd)
	return nodeCmd
}

// ============================================================================
// Edges
// ============================================================================

func (a *app) newEdgeCmd() *cobra.Command {
	edgeCmd := &cobra.Command{
		Use:   "edge",
		Short: "Create, read, update and delete edges",
	}

	createCmd := &cobra.Command{
		Use:   "create FROM TO LABEL [key=value ...]",
		Short: "Create an edge and print its id",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("id")
			props, err := parseAssignments(args[3:])
			if err != nil {
				return err
			}
			created, err := a.engine.CreateEdge(graph.EdgeID(id), graph.NodeID(args[0]), graph.NodeID(args[1]), args[2], props)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), created)
			return nil
		},
	}
	createCmd.Flags().String("id", "", "Edge id (default: generated UUID)")

	getCmd := &cobra.Command{
		Use:   "get ID",
		Short: "Print an edge as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.engine.GetEdge(graph.EdgeID(args[0]))
			if err != nil {
				return err
			}
			if e == nil {
				return fmt.Errorf("edge %s: %w", args[0], graph.ErrNotFound)
			}
			return printJSON(cmd.OutOrStdout(), viewEdge(e))
		},
	}

	updateCmd := &cobra.Command{
		Use:   "update ID [key=value ...]",
		Short: "Merge properties into an edge",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			unset, _ := cmd.Flags().GetStringSlice("unset")
			patch, err := patchFromArgs(args[1:], unset)
			if err != nil {
				return err
			}
			e, err := a.engine.UpdateEdge(graph.EdgeID(args[0]), patch)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), viewEdge(e))
		},
	}
	updateCmd.Flags().StringSlice("unset", nil, "Property to remove (repeatable)")

	deleteCmd := &cobra.Command{
		Use:   "delete ID",
		Short: "Delete an edge",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.engine.DeleteEdge(graph.EdgeID(args[0]))
		},
	}

	edgeCmd.AddCommand(createCmd, getCmd, updateCmd, deleteCmd,
		a.newAdjacencyCmd("from", "List edges leaving a node", graph.Outgoing),
		a.newAdjacencyCmd("to", "List edges arriving at a node", graph.Incoming),
	)
	return edgeCmd
}

func (a *app) newAdjacencyCmd(use, short string, dir graph.Direction) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " NODE",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			label, _ := cmd.Flags().GetString("label")
			list := a.engine.EdgesFrom
			if dir == graph.Incoming {
				list = a.engine.EdgesTo
			}
			edges, err := list(graph.NodeID(args[0]), label)
			if err != nil {
				return err
			}
			views := make([]edgeView, 0, len(edges))
			for _, e := range edges {
				views = append(views, viewEdge(e))
			}
			return printJSON(cmd.OutOrStdout(), views)
		},
	}
	cmd.Flags().StringP("label", "l", "", "Only edges with this label")
	return cmd
}

// ============================================================================
// Queries
// ============================================================================

func (a *app) newQueryCmd() *cobra.Command {
	queryCmd := &cobra.Command{
		Use:   "query",
		Short: "Find nodes by label and property conditions",
		Long: `Find nodes matching a single node pattern.

Conditions are key=value or key!=value and are combined with AND.
Values are parsed like property literals, so age=30 matches an integer
and age="30" matches a string.`,
		Example: `  graphstore query -l Person --where city=Tokyo --limit 10`,
		RunE: func(cmd *cobra.Command, args []string) error {
			labels, _ := cmd.Flags().GetStringSlice("label")
			where, _ := cmd.Flags().GetStringArray("where")
			variable, _ := cmd.Flags().GetString("var")
			skip, _ := cmd.Flags().GetInt("skip")
			limit, _ := cmd.Flags().GetInt("limit")
			full, _ := cmd.Flags().GetBool("full")

			pattern := graph.NodePattern{Variable: variable, Labels: labels}
			for _, expr := range where {
				key, cond, err := parseCondition(expr)
				if err != nil {
					return err
				}
				if pattern.Properties == nil {
					pattern.Properties = make(map[string]graph.Condition)
				}
				pattern.Properties[key] = cond
			}

			ctx := cmd.Context()
			if timeout := a.cfg.Engine.QueryTimeout; timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			res, err := a.engine.Query(ctx, graph.Query{
				NodePatterns: []graph.NodePattern{pattern},
				Skip:         skip,
				Limit:        limit,
			})
			if err != nil {
				return err
			}
			a.logger.Debug("query finished",
				zap.Int("rows", res.Stats.RowsReturned),
				zap.Int("scanned", res.Stats.EntitiesScanned),
				zap.Duration("elapsed", res.Stats.Elapsed),
			)

			out := cmd.OutOrStdout()
			column := res.Columns[0]
			if !full {
				return printJSON(out, res.IDs(column))
			}
			nodes := make([]nodeView, 0, len(res.Rows))
			for _, id := range res.IDs(column) {
				n, err := a.engine.GetNode(graph.NodeID(id))
				if err != nil {
					return err
				}
				if n != nil {
					nodes = append(nodes, viewNode(n))
				}
			}
			return printJSON(out, nodes)
		},
	}
	flags := queryCmd.Flags()
	flags.StringSliceP("label", "l", nil, "Required label (repeatable)")
	flags.StringArrayP("where", "w", nil, "Condition key=value or key!=value (repeatable)")
	flags.String("var", "n", "Pattern variable name")
	flags.Int("skip", 0, "Rows to skip")
	flags.Int("limit", 0, "Maximum rows (0 = no limit)")
	flags.Bool("full", false, "Print whole nodes instead of ids")
	return queryCmd
}

// ============================================================================
// Introspection and maintenance
// ============================================================================

func (a *app) newStatsCmd() *cobra.Command {
	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Print entity counts and cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			if prom, _ := cmd.Flags().GetBool("prometheus"); prom {
				a.engine.WriteMetrics(cmd.OutOrStdout())
				return nil
			}
			return printJSON(cmd.OutOrStdout(), a.engine.Statistics())
		},
	}
	statsCmd.Flags().Bool("prometheus", false, "Print metrics in Prometheus text format")
	return statsCmd
}

func (a *app) newSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the inferred schema as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printJSON(cmd.OutOrStdout(), a.engine.Schema().Snapshot())
		},
	}
}

func (a *app) newBackupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backup FILE",
		Short: "Write a full backup to FILE",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Create(args[0])
			if err != nil {
				return fmt.Errorf("creating backup file: %w", err)
			}
			w := bufio.NewWriter(f)
			if err := a.engine.Backup(w); err != nil {
				f.Close()
				return err
			}
			if err := w.Flush(); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			a.logger.Info("backup written", zap.String("path", args[0]))
			return nil
		},
	}
}

func (a *app) newRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore FILE",
		Short: "Load a backup written by the backup command",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("opening backup file: %w", err)
			}
			defer f.Close()
			return a.engine.Restore(bufio.NewReader(f))
		},
	}
}

// loadRecord is one line of a load file. Exactly one of Node and Edge is set.
type loadRecord struct {
	Node *struct {
		ID         string         `json:"id"`
		Labels     []string       `json:"labels"`
		Properties map[string]any `json:"properties"`
	} `json:"node"`
	Edge *struct {
		ID         string         `json:"id"`
		From       string         `json:"from"`
		To         string         `json:"to"`
		Label      string         `json:"label"`
		Properties map[string]any `json:"properties"`
	} `json:"edge"`
}

func propsFromJSON(raw map[string]any) (graph.Properties, error) {
	props := make(graph.Properties, len(raw))
	for k, v := range raw {
		gv, err := fromJSON(v)
		if err != nil {
			return nil, fmt.Errorf("property %s: %w", k, err)
		}
		props[k] = gv
	}
	return props, nil
}

// loadInto stages every record read from r in tx. Edges may refer to nodes
// created earlier in the same stream.
func loadInto(tx *graph.Transaction, r io.Reader) (int, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	count := 0
	for {
		var rec loadRecord
		err := dec.Decode(&rec)
		if err == io.EOF {
			return count, nil
		}
		if err != nil {
			return count, fmt.Errorf("record %d: %w", count+1, err)
		}
		count++

		switch {
		case rec.Node != nil && rec.Edge == nil:
			props, err := propsFromJSON(rec.Node.Properties)
			if err != nil {
				return count, fmt.Errorf("record %d: %w", count, err)
			}
			if _, err := tx.CreateNode(graph.NodeID(rec.Node.ID), rec.Node.Labels, props); err != nil {
				return count, fmt.Errorf("record %d: %w", count, err)
			}
		case rec.Edge != nil && rec.Node == nil:
			props, err := propsFromJSON(rec.Edge.Properties)
			if err != nil {
				return count, fmt.Errorf("record %d: %w", count, err)
			}
			_, err = tx.CreateEdge(graph.EdgeID(rec.Edge.ID), graph.NodeID(rec.Edge.From), graph.NodeID(rec.Edge.To), rec.Edge.Label, props)
			if err != nil {
				return count, fmt.Errorf("record %d: %w", count, err)
			}
		default:
			return count, fmt.Errorf("record %d: exactly one of node or edge must be set", count)
		}
	}
}

func (a *app) newLoadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "load FILE",
		Short: "Create nodes and edges from a JSON stream in one transaction",
		Long: `Load reads a stream of JSON objects, each either
{"node": {"id": ..., "labels": [...], "properties": {...}}} or
{"edge": {"id": ..., "from": ..., "to": ..., "label": ..., "properties": {...}}},
and commits them atomically. Use - to read standard input.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("opening load file: %w", err)
				}
				defer f.Close()
				r = f
			}

			tx, err := a.engine.Begin()
			if err != nil {
				return err
			}
			count, err := loadInto(tx, bufio.NewReader(r))
			if err != nil {
				if tx.IsActive() {
					_ = tx.Rollback()
				}
				return err
			}
			if err := tx.Commit(); err != nil {
				return err
			}
			a.logger.Info("load committed",
				zap.String("transaction", tx.ID),
				zap.Int("records", count),
			)
			fmt.Fprintf(cmd.OutOrStdout(), "loaded %d records\n", count)
			return nil
		},
	}
}
