package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/srg/hrmon/internal/bledb"
)

var attrsCmd = &cobra.Command{
	Use:   "attrs [uuid...]",
	Short: "List known GATT attributes",
	Long: `List the GATT services, characteristics and descriptors hrmon knows by name.

With arguments, resolve each UUID (16-bit, 32-bit or 128-bit form) instead.
Unknown UUIDs are reported, not treated as errors.`,
	RunE: runAttrs,
}

var attrsFormat string

func init() {
	initAttrsFlags()
}

func initAttrsFlags() {
	attrsCmd.Flags().StringVarP(&attrsFormat, "format", "f", "table", "Output format (table, json)")
}

func runAttrs(cmd *cobra.Command, args []string) error {
	if attrsFormat != "table" && attrsFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", attrsFormat)
	}

	entries := bledb.Entries()
	if len(args) > 0 {
		var err error
		if entries, err = resolveAttrs(args); err != nil {
			return err
		}
	}

	cmd.SilenceUsage = true
	out := cmd.OutOrStdout()
	if attrsFormat == "json" {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(entries)
	}
	return displayAttrsTable(out, entries)
}

// resolveAttrs looks up every argument. Ids missing from the registry come back
// with an empty name and kind.
func resolveAttrs(args []string) ([]bledb.Entry, error) {
	out := make([]bledb.Entry, 0, len(args))
	for _, arg := range args {
		id, err := bledb.ParseAttributeID(arg)
		if err != nil {
			return nil, fmt.Errorf("invalid UUID %q: %w", arg, err)
		}
		e, ok := bledb.Lookup(id)
		if !ok {
			e = bledb.Entry{ID: id}
		}
		out = append(out, e)
	}
	return out, nil
}

func displayAttrsTable(out io.Writer, entries []bledb.Entry) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "UUID\tKIND\tNAME\tROLE")
	fmt.Fprintln(w, "----\t----\t----\t----")

	for _, e := range entries {
		kind, name, role := string(e.Kind), e.Name, ""
		if name == "" {
			kind, name = "-", "(unknown)"
		}
		if r, ok := bledb.Resolve(e.ID); ok {
			role = r.String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.ID.Short(), kind, name, role)
	}
	return w.Flush()
}
