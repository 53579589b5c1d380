package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/sdvram/internal/bundle"
	"github.com/samcharles93/sdvram/internal/logger"
)

func bundleCmd() *cli.Command {
	return &cli.Command{
		Name:  "bundle",
		Usage: "Pack an export into one compressed archive, or unpack one",
		Commands: []*cli.Command{
			bundlePackCmd(),
			bundleUnpackCmd(),
		},
	}
}

func bundlePackCmd() *cli.Command {
	var (
		file  string
		codec string
		level int
	)
	return &cli.Command{
		Name:  "pack",
		Usage: "Write a finished export as a tar stream",
		Flags: append(storageFlags(),
			&cli.StringFlag{Name: "file", Aliases: []string{"f"}, Usage: "archive path (default: export<ext> next to --out)", Destination: &file},
			&cli.StringFlag{Name: "codec", Usage: "compression (zstd, lz4, none)", Value: bundle.CodecZstd, Destination: &codec},
			&cli.IntFlag{Name: "level", Usage: "codec level (0 = default)", Destination: &level},
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
			if file == "" {
				file = filepath.Clean(st.Dir) + bundle.Extension(codec)
			}

			tmp, err := os.CreateTemp(filepath.Dir(file), ".bundle-*")
			if err != nil {
				return err
			}
			defer os.Remove(tmp.Name())
			sum, err := bundle.Pack(ctx, tgt.store, tmp, bundle.Options{Codec: codec, Level: level})
			if err != nil {
				_ = tmp.Close()
				return err
			}
			if err := tmp.Close(); err != nil {
				return err
			}
			if err := os.Rename(tmp.Name(), file); err != nil {
				return err
			}
			logger.FromContext(ctx).Info("bundle written", "file", file, "codec", codec, "files", sum.Files)
			fmt.Printf("packed %d files (%s) into %s\n", sum.Files, formatBytes(sum.Bytes), file)
			return nil
		},
	}
}

func bundleUnpackCmd() *cli.Command {
	var (
		file  string
		codec string
	)
	return &cli.Command{
		Name:  "unpack",
		Usage: "Restore an export from a bundle",
		Flags: append(storageFlags(),
			&cli.StringFlag{Name: "file", Aliases: []string{"f"}, Usage: "archive path", Required: true, Destination: &file},
			&cli.StringFlag{Name: "codec", Usage: "compression (zstd, lz4, none; empty = detect)", Destination: &codec},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			st, err := resolveStorage(cmd)
			if err != nil {
				return err
			}
			tgt, err := openTarget(ctx, st, true)
			if err != nil {
				return err
			}
			f, err := os.Open(file)
			if err != nil {
				return err
			}
			defer f.Close()
			sum, err := bundle.Unpack(ctx, f, tgt.store, codec)
			if err != nil {
				return fmt.Errorf("unpack %s: %w", file, err)
			}
			fmt.Printf("unpacked %d files (%s) into %s\n", sum.Files, formatBytes(sum.Bytes), tgt.root)
			return nil
		},
	}
}
