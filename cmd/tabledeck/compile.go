package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/arkilian/tabledeck/internal/dataset"
	"github.com/arkilian/tabledeck/internal/engine"
	"github.com/arkilian/tabledeck/internal/planner"
	"github.com/arkilian/tabledeck/pkg/types"
)

type compileFlags struct {
	data   string
	schema string
	plan   string
	rows   string
	format string
	out    string
}

func newCompileCmd() *cobra.Command {
	var f compileFlags
	cmd := &cobra.Command{
		Use:   "compile",
		Short: "Compile slide tables from a dataset without a server",
		Long: `Compile slide tables from a CSV dataset.

Rows come from --rows (a YAML or JSON list of row specs forming one slide),
from --plan (a plan file with several slides) or, when neither is given, from
the built-in overview planner.`,
		Example: `  tabledeck compile --data claims.csv --schema claims.yaml --rows rows.yaml
  tabledeck compile --data claims.csv --plan plan.yaml --format json --out tables.json`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCompile(cmd.Context(), cmd.OutOrStdout(), f)
		},
	}
	cmd.Flags().StringVar(&f.data, "data", "", "CSV dataset (required)")
	cmd.Flags().StringVar(&f.schema, "schema", "", "Schema file; inferred from the data when empty")
	cmd.Flags().StringVar(&f.plan, "plan", "", "Plan file with one or more slides")
	cmd.Flags().StringVar(&f.rows, "rows", "", "Row spec list compiled as a single slide")
	cmd.Flags().StringVar(&f.format, "format", "table", "Output format: table or json")
	cmd.Flags().StringVar(&f.out, "out", "", "Write output to this file instead of stdout")
	_ = cmd.MarkFlagRequired("data")
	cmd.MarkFlagsMutuallyExclusive("plan", "rows")
	return cmd
}

func runCompile(ctx context.Context, stdout io.Writer, f compileFlags) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if f.format != "table" && f.format != "json" {
		return fmt.Errorf("unsupported format %q (must be table or json)", f.format)
	}

	ds, err := dataset.Load(f.data, f.schema)
	if err != nil {
		return err
	}

	slides, err := compileSlides(ctx, ds, f)
	if err != nil {
		return err
	}

	tables := make([]types.SlideTable, 0, len(slides))
	for _, s := range slides {
		table, err := engine.Compile(ds, s.Rows)
		if err != nil {
			return fmt.Errorf("slide %d (%s): %w", s.Number, s.Title, err)
		}
		tables = append(tables, types.SlideTable{SlideNumber: s.Number, Title: s.Title, Table: table})
	}

	w := stdout
	if f.out != "" {
		file, err := os.Create(f.out)
		if err != nil {
			return fmt.Errorf("create output: %w", err)
		}
		defer file.Close()
		w = file
	}

	if f.format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(tables)
	}
	return writeTables(w, tables)
}

// compileSlides selects the slides to compile from the flags.
func compileSlides(ctx context.Context, ds *types.Dataset, f compileFlags) ([]types.SlideSpec, error) {
	switch {
	case f.rows != "":
		data, err := os.ReadFile(f.rows)
		if err != nil {
			return nil, fmt.Errorf("read rows: %w", err)
		}
		var rows []types.RowSpec
		if err := yaml.Unmarshal(data, &rows); err != nil {
			return nil, fmt.Errorf("parse rows: %w", err)
		}
		if len(rows) == 0 {
			return nil, fmt.Errorf("rows file %s has no rows", f.rows)
		}
		title := strings.TrimSuffix(filepath.Base(f.rows), filepath.Ext(f.rows))
		return []types.SlideSpec{{Number: 1, Title: title, Rows: rows}}, nil
	case f.plan != "":
		return planner.File{Path: f.plan}.Plan(ctx, ds)
	default:
		return planner.Overview{}.Plan(ctx, ds)
	}
}

// writeTables prints each table as aligned text columns.
func writeTables(w io.Writer, tables []types.SlideTable) error {
	for i, st := range tables {
		if i > 0 {
			fmt.Fprintln(w)
		}
		fmt.Fprintf(w, "Slide %d: %s\n", st.SlideNumber, st.Title)

		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
		header := []string{""}
		for _, c := range st.Table.Columns {
			header = append(header, c.Label)
		}
		fmt.Fprintln(tw, strings.Join(header, "\t")+"\t")

		for _, row := range st.Table.Rows {
			if row.IsGroupHeader && row.SpansAllColumns {
				fmt.Fprintf(tw, "%s\t\n", row.Header)
				continue
			}
			cells := []string{row.Label}
			for _, c := range st.Table.Columns {
				cells = append(cells, row.Cell(c.Key).Display)
			}
			fmt.Fprintln(tw, strings.Join(cells, "\t")+"\t")
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}
	return nil
}
