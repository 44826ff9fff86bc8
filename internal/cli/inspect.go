package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/hupe1980/repatch/internal/logging"
	"github.com/hupe1980/repatch/internal/manifest"
	"github.com/hupe1980/repatch/pkg/repatch"
)

type inspectOptions struct {
	showMembers bool
	format      string
}

func newInspectCommand() *cobra.Command {
	opts := &inspectOptions{}

	cmd := &cobra.Command{
		Use:   "inspect <manifest-dir>",
		Short: "Load class manifests and print the resulting registry",
		Long: `Inspect evaluates every class manifest under the given directory once
and prints the resulting class table: identities, parents, watched
sources, and optionally the member table of each class. Nothing is
watched and nothing is reloaded.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(cmd.Context(), cmd, args[0], opts)
		},
	}

	f := cmd.Flags()
	f.BoolVar(&opts.showMembers, "show-members", false, "include each class's member table")
	f.StringVar(&opts.format, "format", "table", "output format: table, json, yaml")

	return cmd
}

// inspectResult is the structured output of the inspect command.
type inspectResult struct {
	Classes []classInfo `json:"classes" yaml:"classes"`
	Sources []string    `json:"sources" yaml:"sources"`
}

type classInfo struct {
	Module  string         `json:"module" yaml:"module"`
	Name    string         `json:"name" yaml:"name"`
	Parent  string         `json:"parent,omitempty" yaml:"parent,omitempty"`
	Members map[string]any `json:"members,omitempty" yaml:"members,omitempty"`
}

func runInspect(ctx context.Context, cmd *cobra.Command, dir string, opts *inspectOptions) error {
	logger := logging.FromContext(ctx)

	logger.Info("loading manifests", slog.String("dir", dir))

	regOpts := repatch.DefaultOptions()
	regOpts.Logger = logger
	regOpts.Notifier = nopNotifier{}

	reg := repatch.New(regOpts)
	defer reg.Close()

	eval := manifest.New(reg)
	reg.SetEvaluator(eval)

	if err := eval.LoadDir(ctx, dir); err != nil {
		return &ExitError{Code: 1, Err: fmt.Errorf("loading manifests: %w", err)}
	}

	result := buildInspectResult(reg, opts.showMembers)

	w := cmd.OutOrStdout()

	switch opts.format {
	case "json":
		return renderJSON(w, result)
	case "yaml":
		return renderYAML(w, result)
	case "table":
		return renderTable(w, result, opts.showMembers)
	default:
		return &ExitError{Code: 2, Err: fmt.Errorf("unknown format %q: expected table, json, yaml", opts.format)}
	}
}

func buildInspectResult(reg *repatch.Registry, withMembers bool) inspectResult {
	result := inspectResult{Sources: reg.Sources()}

	for _, id := range reg.Identities() {
		cls, ok := reg.Lookup(id)
		if !ok {
			continue
		}

		info := classInfo{Module: id.Module, Name: id.Name}

		if p := cls.Parent(); p != nil && p != reg.Base() {
			info.Parent = p.Identity().String()
		}

		if withMembers {
			info.Members = cls.Members()
		}

		result.Classes = append(result.Classes, info)
	}

	return result
}

func renderJSON(w io.Writer, result inspectResult) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(result)
}

func renderYAML(w io.Writer, result inspectResult) error {
	data, err := yaml.Marshal(result)
	if err != nil {
		return err
	}

	_, err = w.Write(data)

	return err
}

func renderTable(w io.Writer, result inspectResult, withMembers bool) error {
	_, _ = fmt.Fprintf(w, "\n--- Classes (%d) ---\n", len(result.Classes))

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "MODULE\tNAME\tPARENT\tMEMBERS")

	for _, c := range result.Classes {
		parent := c.Parent
		if parent == "" {
			parent = "(base)"
		}

		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", c.Module, c.Name, parent, len(c.Members))
	}

	_ = tw.Flush()

	if withMembers {
		printMemberTables(w, result)
	}

	if len(result.Sources) > 0 {
		_, _ = fmt.Fprintf(w, "\n--- Sources (%d) ---\n", len(result.Sources))

		for _, s := range result.Sources {
			_, _ = fmt.Fprintf(w, "  %s\n", s)
		}
	}

	return nil
}

func printMemberTables(w io.Writer, result inspectResult) {
	for _, c := range result.Classes {
		if len(c.Members) == 0 {
			continue
		}

		_, _ = fmt.Fprintf(w, "\n--- %s.%s ---\n", c.Module, c.Name)

		names := make([]string, 0, len(c.Members))
		for name := range c.Members {
			names = append(names, name)
		}

		sort.Strings(names)

		for _, name := range names {
			_, _ = fmt.Fprintf(w, "  %s: %v\n", name, c.Members[name])
		}
	}
}

// nopNotifier satisfies the registry without watching anything; inspect
// is a one-shot load.
type nopNotifier struct{}

func (nopNotifier) Watch(string) error { return nil }
func (nopNotifier) Close() error       { return nil }
