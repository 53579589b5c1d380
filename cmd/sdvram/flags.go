package main

import (
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/sdvram/internal/config"
)

var (
	configPath string
	fileCfg    config.File

	logLevel  string
	logFormat string
	debug     bool

	storageOpts = config.DefaultStorage()
	accessKey   string
	secretKey   string
)

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

// storageFlags select the artifact location shared by every command.
func storageFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "storage",
			Usage:       "artifact storage (local, s3, minio)",
			Value:       config.StorageLocal,
			Destination: &storageOpts.Kind,
		},
		&cli.StringFlag{
			Name:        "out",
			Aliases:     []string{"o", "dir"},
			Usage:       "export directory for local storage",
			Value:       storageOpts.Dir,
			Destination: &storageOpts.Dir,
		},
		&cli.StringFlag{
			Name:        "bucket",
			Usage:       "bucket for s3/minio storage",
			Destination: &storageOpts.Bucket,
		},
		&cli.StringFlag{
			Name:        "prefix",
			Usage:       "key prefix inside the bucket",
			Destination: &storageOpts.Prefix,
		},
		&cli.StringFlag{
			Name:        "endpoint",
			Usage:       "custom S3 endpoint or MinIO host:port",
			Destination: &storageOpts.Endpoint,
		},
		&cli.StringFlag{
			Name:        "region",
			Usage:       "bucket region",
			Destination: &storageOpts.Region,
		},
		&cli.BoolFlag{
			Name:        "insecure",
			Usage:       "use plain HTTP for minio",
			Destination: &storageOpts.Insecure,
		},
		&cli.StringFlag{
			Name:        "access-key",
			Usage:       "minio access key",
			Sources:     cli.EnvVars("SDVRAM_ACCESS_KEY"),
			Destination: &accessKey,
		},
		&cli.StringFlag{
			Name:        "secret-key",
			Usage:       "minio secret key",
			Sources:     cli.EnvVars("SDVRAM_SECRET_KEY"),
			Destination: &secretKey,
		},
	}
}

// modelFlags describe the transformer dimensions.
func modelFlags(dims *dimsFlags) []cli.Flag {
	def := config.Default()
	return []cli.Flag{
		&cli.IntFlag{Name: "vocab", Usage: "vocabulary size", Value: def.Dims.Vocab, Destination: &dims.vocab},
		&cli.IntFlag{Name: "d-model", Usage: "model width", Value: def.Dims.DModel, Destination: &dims.dModel},
		&cli.IntFlag{Name: "d-ff", Usage: "feed-forward width", Value: def.Dims.DFF, Destination: &dims.dFF},
		&cli.IntFlag{Name: "layers", Usage: "decoder layers", Value: def.Dims.Layers, Destination: &dims.layers},
		&cli.Uint64Flag{Name: "seed", Usage: "seed for synthetic weights and fallback vectors", Value: def.Seed, Destination: &dims.seed},
		&cli.BoolFlag{Name: "untied-head", Usage: "give the synthetic model its own output head", Destination: &dims.untied},
	}
}

type dimsFlags struct {
	vocab, dModel, dFF, layers int
	seed                       uint64
	untied                     bool
}
