package source

import (
	"context"
	"fmt"
	"path"

	"go.uber.org/zap"
	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	"github.com/geoyee/tilevault/internal/util"
)

// BucketSource reads tiles from an object store, e.g. a pyramid exported to
// s3://, gs://, azblob:// or file:// buckets.
type BucketSource struct {
	bucket      *blob.Bucket
	keyTemplate string
	logger      *zap.Logger
}

// OpenBucket opens bucketURL with the drivers registered by the binary. keyTemplate
// uses the same placeholders as URL templates.
func OpenBucket(ctx context.Context, bucketURL, prefix, keyTemplate string, logger *zap.Logger) (*BucketSource, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket: %w", err)
	}
	if prefix != "" && prefix != "/" && prefix != "." {
		bucket = blob.PrefixedBucket(bucket, path.Clean(prefix)+"/")
	}
	return NewBucketSource(bucket, keyTemplate, logger), nil
}

func NewBucketSource(bucket *blob.Bucket, keyTemplate string, logger *zap.Logger) *BucketSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BucketSource{bucket: bucket, keyTemplate: keyTemplate, logger: logger.Named("bucket-source")}
}

// Fetch reads the tile object. A missing object means the tile is absent.
func (s *BucketSource) Fetch(ctx context.Context, row, col, zoom int) ([]byte, error) {
	key := util.GetTileURL(s.keyTemplate, col, row, zoom)
	data, err := s.bucket.ReadAll(ctx, key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

func (s *BucketSource) Close() error {
	return s.bucket.Close()
}
