package main

import (
	"context"
	"fmt"
	"io"
	"os"

	gojson "github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/sdvram/pkg/paged"
)

type tensorRow struct {
	Name   string  `json:"name"`
	Rows   int     `json:"rows"`
	Cols   int     `json:"cols"`
	Pages  int     `json:"pages"`
	Scale  float32 `json:"scale"`
	Kept   int     `json:"kept_blocks,omitempty"`
	Blocks int     `json:"blocks,omitempty"`
}

type fileRow struct {
	Name  string `json:"name"`
	Width int    `json:"width"`
}

type inspection struct {
	Root    string      `json:"root"`
	Entries int         `json:"entries"`
	Tensors []tensorRow `json:"tensors"`
	Files   []fileRow   `json:"files"`
}

func inspectCmd() *cli.Command {
	var asJSON bool

	return &cli.Command{
		Name:  "inspect",
		Usage: "Summarise a finished export",
		Flags: append(storageFlags(),
			&cli.BoolFlag{Name: "json", Usage: "print JSON instead of a table", Destination: &asJSON},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			st, err := resolveStorage(cmd)
			if err != nil {
				return err
			}
			tgt, err := openTarget(ctx, st, false)
			if err != nil {
				return err
			}
			exp, err := paged.OpenExport(ctx, tgt.store)
			if err != nil {
				return err
			}
			ins, err := inspectExport(ctx, exp)
			if err != nil {
				return err
			}
			ins.Root = tgt.root

			if asJSON {
				return printJSON(os.Stdout, ins)
			}
			printInspection(ins)
			return nil
		},
	}
}

// printJSON writes v as indented JSON followed by a newline.
func printJSON(w io.Writer, v any) error {
	out, err := gojson.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}

func inspectExport(ctx context.Context, exp *paged.Export) (*inspection, error) {
	ins := &inspection{Entries: exp.Manifest().Len()}
	for _, name := range exp.Tensors() {
		qt, err := exp.Tensor(ctx, name)
		if err != nil {
			return nil, err
		}
		pages, err := exp.Pages(name)
		if err != nil {
			return nil, err
		}
		row := tensorRow{Name: name, Rows: qt.Rows, Cols: qt.Cols, Pages: len(pages), Scale: qt.Scale}
		if exp.HasMask(name) {
			mask, err := exp.Mask(ctx, name)
			if err != nil {
				return nil, err
			}
			row.Kept, row.Blocks = mask.Kept(), mask.Blocks()
		}
		ins.Tensors = append(ins.Tensors, row)
	}
	for _, name := range exp.Files() {
		w, _, err := exp.LayerNorm(ctx, name, 0)
		if err != nil {
			return nil, err
		}
		ins.Files = append(ins.Files, fileRow{Name: name, Width: len(w)})
	}
	return ins, nil
}

func printInspection(ins *inspection) {
	fmt.Printf("Export: %s\n", ins.Root)
	fmt.Printf("Manifest entries: %d\n\n", ins.Entries)
	fmt.Printf("%-22s %-11s %6s %12s %s\n", "TENSOR", "SHAPE", "PAGES", "SCALE", "MASK")
	for _, t := range ins.Tensors {
		mask := "-"
		if t.Blocks > 0 {
			mask = fmt.Sprintf("%d/%d blocks", t.Kept, t.Blocks)
		}
		fmt.Printf("%-22s %-11s %6d %12.6g %s\n", t.Name, fmt.Sprintf("%dx%d", t.Rows, t.Cols), t.Pages, t.Scale, mask)
	}
	if len(ins.Files) > 0 {
		fmt.Println()
		for _, f := range ins.Files {
			fmt.Printf("%-22s layer norm, width %d\n", f.Name, f.Width)
		}
	}
}
