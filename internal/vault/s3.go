package vault

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"cardshelf/internal/config"
	"cardshelf/internal/shelf"
)

// versionMetaKey is the user metadata key holding the snapshot version.
const versionMetaKey = "version"

// S3Vault stores snapshots in an S3 bucket under <prefix>/<name>/<object>.
// The version travels as object metadata.
type S3Vault struct {
	client *s3.Client
	bucket string
	prefix string
	name   string
}

// NewS3Vault builds an S3 client from cfg. Static credentials are used when
// both keys are set; otherwise the default AWS credential chain applies.
func NewS3Vault(ctx context.Context, cfg config.SnapshotConfig) (*S3Vault, error) {
	if cfg.S3Bucket == "" {
		return nil, fmt.Errorf("s3 vault requires s3_bucket to be set")
	}
	if cfg.Name == "" {
		return nil, fmt.Errorf("vault name is required")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.S3Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.S3Region))
	}
	if cfg.S3AccessKeyID != "" && cfg.S3SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKeyID, cfg.S3SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Vault{
		client: client,
		bucket: cfg.S3Bucket,
		prefix: cfg.S3Prefix,
		name:   cfg.Name,
	}, nil
}

func (v *S3Vault) key(name string) string {
	return path.Join(v.prefix, v.name, name)
}

// countingReader counts the bytes handed to the uploader.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func (v *S3Vault) Put(ctx context.Context, name string, r io.Reader, size int64, version int64) error {
	body := &countingReader{r: r}
	uploader := manager.NewUploader(v.client)
	_, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:   aws.String(v.bucket),
		Key:      aws.String(v.key(name)),
		Body:     body,
		Metadata: map[string]string{versionMetaKey: strconv.FormatInt(version, 10)},
	})
	if err != nil {
		return fmt.Errorf("uploading %s: %w", v.key(name), err)
	}
	if body.n != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, body.n)
	}
	return nil
}

func (v *S3Vault) Get(ctx context.Context, name string, w io.Writer) error {
	buf := manager.NewWriteAtBuffer(nil)
	downloader := manager.NewDownloader(v.client)
	_, err := downloader.Download(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(v.key(name)),
	})
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("object not found: %s", v.key(name))
		}
		return fmt.Errorf("downloading %s: %w", v.key(name), err)
	}

	if _, err := io.Copy(w, bytes.NewReader(buf.Bytes())); err != nil {
		return fmt.Errorf("failed to write object: %w", err)
	}
	return nil
}

// Version reads the version metadata of name. Returns 0 if the object is missing.
func (v *S3Vault) Version(ctx context.Context, name string) (int64, error) {
	out, err := v.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(v.key(name)),
	})
	if err != nil {
		if isNotFound(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading %s: %w", v.key(name), err)
	}
	raw, ok := out.Metadata[versionMetaKey]
	if !ok {
		return 0, nil
	}
	version, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing version of %s: %w", v.key(name), err)
	}
	return version, nil
}

// ValidateSetup checks the bucket is reachable with the configured credentials.
func (v *S3Vault) ValidateSetup(ctx context.Context) error {
	_, err := v.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(v.bucket)})
	if err != nil {
		return fmt.Errorf("bucket %s not accessible: %w", v.bucket, err)
	}
	return nil
}

func isNotFound(err error) bool {
	var nf *types.NotFound
	var nsk *types.NoSuchKey
	return errors.As(err, &nf) || errors.As(err, &nsk)
}

var _ shelf.SnapshotStore = (*S3Vault)(nil)
