package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/sdvram/internal/logger"
	"github.com/samcharles93/sdvram/pkg/paged"
)

func verifyCmd() *cli.Command {
	var pageSize int

	return &cli.Command{
		Name:  "verify",
		Usage: "Re-read every artifact of an export and check its integrity",
		Flags: append(storageFlags(),
			&cli.IntFlag{Name: "page", Usage: "expected page size (0 = infer from the first page)", Destination: &pageSize},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
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
			report, err := exp.Verify(ctx, pageSize)
			if err != nil {
				return err
			}
			for _, p := range report.Problems {
				log.Error("verification problem", "key", p.Key, "error", p.Err)
			}
			fmt.Printf("%d tensors, %d masks, %d files, %d pages checked\n",
				report.Tensors, report.Masks, report.Files, report.Pages)
			if !report.OK() {
				return fmt.Errorf("verify %s: %d problems", tgt.root, len(report.Problems))
			}
			fmt.Println("ok")
			return nil
		},
	}
}
