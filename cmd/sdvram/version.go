package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/sdvram/internal/version"
)

func versionCmd() *cli.Command {
	var asJSON bool

	return &cli.Command{
		Name:  "version",
		Usage: "Print build metadata of this exporter",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "json", Usage: "print JSON instead of text", Destination: &asJSON},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			info := version.Resolve()
			if asJSON {
				return printJSON(os.Stdout, info)
			}
			return writeVersion(os.Stdout, info)
		},
	}
}

func writeVersion(w io.Writer, info version.Info) error {
	rows := [][2]string{
		{"version", info.Version},
		{"commit", info.Commit},
		{"built", info.BuildTime},
		{"go", info.GoVersion},
		{"agent", version.Name + "/" + info.Version},
	}
	for _, r := range rows {
		if r[1] == "" {
			continue
		}
		if _, err := fmt.Fprintf(w, "%-8s %s\n", r[0]+":", r[1]); err != nil {
			return err
		}
	}
	return nil
}
