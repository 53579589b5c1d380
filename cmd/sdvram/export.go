package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/sdvram/internal/config"
	"github.com/samcharles93/sdvram/internal/export"
	"github.com/samcharles93/sdvram/internal/logger"
	"github.com/samcharles93/sdvram/internal/model"
	"github.com/samcharles93/sdvram/internal/wordvec"
)

// wordvecStream separates the fallback-vector RNG stream from the weights.
const wordvecStream = 0x9e3779b97f4a7c15

func exportCmd() *cli.Command {
	var (
		dims      dimsFlags
		pageSize  int
		keepFrac  float64
		workers   int
		gloveFile string
		vocabFile string
		weights   string
	)
	def := config.Default()

	return &cli.Command{
		Name:  "export",
		Usage: "Quantize, page and mask a model into an export",
		Flags: append(append(modelFlags(&dims), storageFlags()...),
			&cli.IntFlag{Name: "page", Usage: "page size in bytes", Value: def.PageSize, Destination: &pageSize},
			&cli.Float64Flag{Name: "keep-frac", Usage: "fraction of 4x4 blocks kept by each mask", Value: def.KeepFrac, Destination: &keepFrac},
			&cli.IntFlag{Name: "workers", Aliases: []string{"j"}, Usage: "concurrent tensor jobs", Value: def.Workers, Destination: &workers},
			&cli.StringFlag{Name: "glove", Usage: "GloVe text file used to initialise the embedding", Destination: &gloveFile},
			&cli.StringFlag{Name: "vocab-file", Usage: "one token per line, matched against --glove", Destination: &vocabFile},
			&cli.StringFlag{Name: "weights", Usage: "safetensors file with trained weights", Destination: &weights},
			&cli.Int64Flag{Name: "upload-rate", Usage: "upload limit in bytes/s (0 = unlimited)", Destination: &storageOpts.UploadRate},
			&cli.StringFlag{Name: "commit-table", Usage: "DynamoDB table recording finished s3 exports", Destination: &storageOpts.CommitTable},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)

			cfg := config.Export{
				Dims:     model.Dims{Vocab: dims.vocab, DModel: dims.dModel, DFF: dims.dFF, Layers: dims.layers},
				PageSize: pageSize,
				KeepFrac: keepFrac,
				Workers:  workers,
				Seed:     dims.seed,
			}
			fileCfg.ApplyExport(&cfg, cmd.IsSet)
			if err := cfg.Validate(); err != nil {
				return err
			}
			st, err := resolveStorage(cmd)
			if err != nil {
				return err
			}

			src, closeSrc, err := loadSource(ctx, cfg, weights, dims.untied)
			if err != nil {
				return err
			}
			defer closeSrc()
			if gloveFile != "" {
				if src, err = applyWordVectors(ctx, src, cfg, gloveFile, vocabFile); err != nil {
					return err
				}
			}

			tgt, err := openTarget(ctx, st, true)
			if err != nil {
				return err
			}
			p, err := export.New(tgt.store, export.Options{
				PageSize:  cfg.PageSize,
				KeepFrac:  cfg.KeepFrac,
				Workers:   cfg.Workers,
				Committer: tgt.committer,
				Root:      tgt.root,
			})
			if err != nil {
				return err
			}
			res, err := p.Run(ctx, src)
			if err != nil {
				return err
			}

			fmt.Printf("exported %d manifest entries, %d artifacts (%s) to %s in %s\n",
				res.Entries, res.Artifacts, formatBytes(res.Bytes), tgt.root, res.Elapsed.Round(time.Millisecond))
			if res.Commit != nil {
				fmt.Printf("commit: version %d run %s\n", res.Commit.Version, res.Commit.RunID)
			}
			log.Debug("export summary", "run_id", res.RunID, "tensors", len(res.Tensors))
			return nil
		},
	}
}

func loadSource(ctx context.Context, cfg config.Export, weights string, untied bool) (model.Source, func(), error) {
	log := logger.FromContext(ctx)
	if weights != "" {
		src, err := model.OpenSafetensors(weights, cfg.Dims)
		if err != nil {
			return nil, nil, err
		}
		log.Info("loaded weights", "path", weights)
		return src, func() { _ = src.Close() }, nil
	}
	var opts []model.SyntheticOption
	if untied {
		opts = append(opts, model.WithUntiedHead())
	}
	src, err := model.NewSynthetic(cfg.Dims, cfg.Seed, opts...)
	if err != nil {
		return nil, nil, err
	}
	log.Info("using synthetic weights", "seed", cfg.Seed)
	return src, func() {}, nil
}

// applyWordVectors replaces the embedding with word vectors projected to
// d_model.
func applyWordVectors(ctx context.Context, src model.Source, cfg config.Export, gloveFile, vocabFile string) (model.Source, error) {
	vocab := wordvec.DefaultVocab(cfg.Dims.Vocab)
	if vocabFile != "" {
		f, err := os.Open(vocabFile)
		if err != nil {
			return nil, err
		}
		vocab, err = wordvec.ReadVocab(f, cfg.Dims.Vocab)
		_ = f.Close()
		if err != nil {
			return nil, err
		}
	}

	f, err := os.Open(gloveFile)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	rng := rand.New(rand.NewPCG(cfg.Seed, wordvecStream))
	vecs, _, err := wordvec.Load(ctx, f, vocab, 0, rng)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", gloveFile, err)
	}
	if vecs.Cols() != cfg.Dims.DModel {
		logger.FromContext(ctx).Info("projecting word vectors", "from", vecs.Cols(), "to", cfg.Dims.DModel)
	}
	emb, err := wordvec.Project(vecs, cfg.Dims.DModel, rng)
	if err != nil {
		return nil, err
	}
	return model.WithEmbedding(src, emb)
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
