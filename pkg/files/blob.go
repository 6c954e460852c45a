package files

import (
	"bytes"
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	appconfig "github.com/duskpoint/reverie/pkg/config"
	"github.com/duskpoint/reverie/pkg/errs"
)

// BlobStore is the content-addressed byte tier. Keys are sha256-derived and
// never reused for different content.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
}

// LocalBlobStore lays blobs out under <root>/files/storage/<aa>/<sha256>,
// prefix-sharded to keep directories small.
type LocalBlobStore struct {
	root string
}

func NewLocalBlobStore(dataDir string) *LocalBlobStore {
	return &LocalBlobStore{root: filepath.Join(dataDir, "files", "storage")}
}

func (l *LocalBlobStore) path(key string) string {
	return filepath.Join(l.root, filepath.FromSlash(key))
}

func (l *LocalBlobStore) Put(ctx context.Context, key string, data []byte) error {
	path := l.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errs.Storage("blob", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return errs.Storage("blob", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errs.Storage("blob", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errs.Storage("blob", err)
	}
	if err := tmp.Close(); err != nil {
		return errs.Storage("blob", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return errs.Storage("blob", err)
	}
	return nil
}

func (l *LocalBlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(l.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.NotFound("blob", key)
		}
		return nil, errs.Storage("blob", err)
	}
	return data, nil
}

func (l *LocalBlobStore) Delete(ctx context.Context, key string) error {
	if err := os.Remove(l.path(key)); err != nil && !os.IsNotExist(err) {
		return errs.Storage("blob", err)
	}
	return nil
}

func (l *LocalBlobStore) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(l.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(l.root, path)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, errs.Storage("blob", err)
	}
	return keys, nil
}

// S3BlobStore keeps blobs in one bucket under a storage/ prefix.
type S3BlobStore struct {
	client *s3.Client
	bucket string
}

const s3Prefix = "storage/"

// NewS3BlobStore builds the S3 tier from the ambient AWS credential chain.
// A nonempty endpoint switches to path-style addressing for MinIO-style
// deployments.
func NewS3BlobStore(ctx context.Context, cfg appconfig.S3Config) (*S3BlobStore, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, errs.Storage("s3 config", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3BlobStore{client: client, bucket: cfg.Bucket}, nil
}

func (s *S3BlobStore) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s3Prefix + key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return errs.Storage("s3 put", err)
	}
	return nil
}

func (s *S3BlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s3Prefix + key),
	})
	if err != nil {
		return nil, errs.NotFound("blob", key)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, errs.Storage("s3 get", err)
	}
	return data, nil
}

func (s *S3BlobStore) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s3Prefix + key),
	})
	if err != nil {
		return errs.Storage("s3 delete", err)
	}
	return nil
}

func (s *S3BlobStore) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s3Prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, errs.Storage("s3 list", err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, strings.TrimPrefix(aws.ToString(obj.Key), s3Prefix))
		}
	}
	return keys, nil
}
