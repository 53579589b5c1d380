package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/sdvram/internal/blobstore"
	miniostore "github.com/samcharles93/sdvram/internal/blobstore/minio"
	s3store "github.com/samcharles93/sdvram/internal/blobstore/s3"
	"github.com/samcharles93/sdvram/internal/config"
	"github.com/samcharles93/sdvram/internal/logger"
	"github.com/samcharles93/sdvram/internal/version"
)

// target is an opened artifact location.
type target struct {
	store     blobstore.Store
	committer blobstore.Committer
	root      string
}

// resolveStorage merges the config file into the storage flags and validates
// the result.
func resolveStorage(cmd *cli.Command) (config.Storage, error) {
	st := storageOpts
	fileCfg.ApplyStorage(&st, cmd.IsSet)
	if err := st.Validate(); err != nil {
		return st, err
	}
	return st, nil
}

func openTarget(ctx context.Context, st config.Storage, writing bool) (*target, error) {
	log := logger.FromContext(ctx)
	var t target
	switch st.Kind {
	case config.StorageLocal:
		root, err := filepath.Abs(st.Dir)
		if err != nil {
			return nil, err
		}
		store, err := blobstore.NewLocalStore(root)
		if err != nil {
			return nil, err
		}
		t.store, t.root = store, root

	case config.StorageS3:
		opts := []func(*awsconfig.LoadOptions) error{}
		if st.Region != "" {
			opts = append(opts, awsconfig.WithRegion(st.Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		client := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
			if st.Endpoint != "" {
				o.BaseEndpoint = aws.String(st.Endpoint)
				o.UsePathStyle = true
			}
		})
		store := s3store.NewStore(client, st.Bucket, st.Prefix, s3store.DefaultUploadConfig())
		t.store, t.root = store, store.URI()
		if writing && st.CommitTable != "" {
			t.committer = s3store.NewCommitLog(dynamodb.NewFromConfig(awsCfg), st.CommitTable, t.root)
		}

	case config.StorageMinIO:
		client, err := miniostore.New(miniostore.Options{
			Endpoint:  st.Endpoint,
			AccessKey: accessKey,
			SecretKey: secretKey,
			Region:    st.Region,
			Secure:    !st.Insecure,
			AppName:   version.Name,
			Version:   version.Resolve().Version,
		})
		if err != nil {
			return nil, err
		}
		store := miniostore.NewStore(client, st.Bucket, st.Prefix)
		if writing {
			if err := store.EnsureBucket(ctx, st.Region); err != nil {
				return nil, err
			}
		}
		t.store, t.root = store, fmt.Sprintf("minio://%s/%s/%s", st.Endpoint, st.Bucket, st.Prefix)

	default:
		return nil, fmt.Errorf("%w: unknown storage %q", config.ErrInvalidConfig, st.Kind)
	}

	if writing && st.UploadRate > 0 {
		t.store = blobstore.NewThrottle(t.store, int(st.UploadRate))
	}
	log.Debug("storage opened", "kind", st.Kind, "root", t.root)
	return &t, nil
}
