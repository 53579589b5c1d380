package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/sdvram/internal/model"
	"github.com/samcharles93/sdvram/internal/safetensors"
)

func synthCmd() *cli.Command {
	var (
		dims dimsFlags
		file string
	)

	return &cli.Command{
		Name:  "synth",
		Usage: "Write the deterministic synthetic model as a safetensors file",
		Flags: append(modelFlags(&dims),
			&cli.StringFlag{Name: "file", Aliases: []string{"f"}, Usage: "output .safetensors path", Value: "model.safetensors", Destination: &file},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			d := model.Dims{Vocab: dims.vocab, DModel: dims.dModel, DFF: dims.dFF, Layers: dims.layers}
			var opts []model.SyntheticOption
			if dims.untied {
				opts = append(opts, model.WithUntiedHead())
			}
			src, err := model.NewSynthetic(d, dims.seed, opts...)
			if err != nil {
				return err
			}
			tensors, err := model.Tensors(src)
			if err != nil {
				return err
			}

			tmp, err := os.CreateTemp(filepath.Dir(file), ".synth-*")
			if err != nil {
				return err
			}
			defer os.Remove(tmp.Name())
			if err := safetensors.Write(tmp, tensors); err != nil {
				_ = tmp.Close()
				return err
			}
			if err := tmp.Close(); err != nil {
				return err
			}
			if err := os.Rename(tmp.Name(), file); err != nil {
				return err
			}
			fmt.Printf("wrote %d tensors to %s\n", len(tensors), file)
			return nil
		},
	}
}
