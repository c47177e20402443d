package repository

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"sitesnap/internal/config"
	"sitesnap/internal/model"
	"sitesnap/internal/snap"
)

// s3API is the part of *s3.Client the repository uses.
type s3API interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// blockUploader is satisfied by *manager.Uploader.
type blockUploader interface {
	Upload(ctx context.Context, in *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Repository stores blocks and records as objects under an optional key prefix.
type S3Repository struct {
	name     string
	bucket   string
	prefix   string
	client   s3API
	uploader blockUploader
}

// NewS3Repository builds a client from the default AWS configuration chain.
// Static credentials and a custom endpoint are applied when configured; a
// custom endpoint switches to path-style addressing for S3-compatible stores.
func NewS3Repository(ctx context.Context, cfg config.RepositoryConfig) (*S3Repository, error) {
	if cfg.S3Bucket == "" {
		return nil, fmt.Errorf("s3 repository %s requires s3_bucket to be set", cfg.Name)
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.S3Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.S3Region))
	}
	if cfg.S3AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKeyID, cfg.S3SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	})
	return newS3Repository(cfg.Name, cfg.S3Bucket, cfg.S3Prefix, client, manager.NewUploader(client)), nil
}

func newS3Repository(name, bucket, prefix string, client s3API, uploader blockUploader) *S3Repository {
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &S3Repository{name: name, bucket: bucket, prefix: prefix, client: client, uploader: uploader}
}

func (r *S3Repository) Name() string { return r.name }

func (r *S3Repository) key(rel string) *string {
	return aws.String(r.prefix + rel)
}

// Exists reports whether id is registered.
func (r *S3Repository) Exists(ctx context.Context, id string) (bool, error) {
	if err := checkID(id); err != nil {
		return false, err
	}
	return r.headObject(ctx, recordKey(id))
}

// HasBlock reports whether a block is stored.
func (r *S3Repository) HasBlock(ctx context.Context, hash string) (bool, error) {
	if err := checkHash(hash); err != nil {
		return false, err
	}
	return r.headObject(ctx, blockKey(hash))
}

func (r *S3Repository) headObject(ctx context.Context, rel string) (bool, error) {
	_, err := r.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(r.bucket), Key: r.key(rel)})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("checking %s: %w", rel, err)
}

// PutBlock uploads a block, using multipart uploads for large payloads.
func (r *S3Repository) PutBlock(ctx context.Context, hash string, body io.Reader, size int64) error {
	if err := checkHash(hash); err != nil {
		return err
	}
	// The length is enforced while streaming, so a wrong-sized body fails the
	// upload instead of landing under the content address.
	_, err := r.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    r.key(blockKey(hash)),
		Body:   &sizedReader{r: body, want: size},
	})
	if err != nil {
		return fmt.Errorf("uploading block %s: %w", hash, err)
	}
	return nil
}

// FetchBlock writes the block to w.
func (r *S3Repository) FetchBlock(ctx context.Context, hash string, w io.Writer) error {
	if err := checkHash(hash); err != nil {
		return err
	}
	body, err := r.getObject(ctx, blockKey(hash))
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%w: %s", snap.ErrBlockNotFound, hash)
		}
		return fmt.Errorf("fetching block %s: %w", hash, err)
	}
	defer body.Close()
	if _, err := io.Copy(w, body); err != nil {
		return fmt.Errorf("reading block %s: %w", hash, err)
	}
	return nil
}

// Register writes the record with If-None-Match: *, so only the first writer
// of an id succeeds.
func (r *S3Repository) Register(ctx context.Context, record *model.Record) error {
	data, err := encodeRecord(record)
	if err != nil {
		return err
	}
	id := record.Snapshot.ID
	if err := checkID(id); err != nil {
		return err
	}

	_, err = r.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(r.bucket),
		Key:           r.key(recordKey(id)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/json"),
		IfNoneMatch:   aws.String("*"),
	})
	if err == nil {
		return nil
	}
	if apiErrorCode(err) != "PreconditionFailed" {
		return fmt.Errorf("registering %s: %w", id, err)
	}
	existing, err := r.FetchMetadata(ctx, id)
	if err != nil {
		return err
	}
	return sameRegistration(existing, record)
}

// FetchMetadata returns the record registered under id.
func (r *S3Repository) FetchMetadata(ctx context.Context, id string) (*model.Record, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	body, err := r.getObject(ctx, recordKey(id))
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", snap.ErrSnapshotNotFoundRemote, id)
		}
		return nil, fmt.Errorf("fetching record %s: %w", id, err)
	}
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("reading record %s: %w", id, err)
	}
	return decodeRecord(id, data)
}

func (r *S3Repository) getObject(ctx context.Context, rel string) (io.ReadCloser, error) {
	out, err := r.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(r.bucket), Key: r.key(rel)})
	if err != nil {
		return nil, err
	}
	return out.Body, nil
}

// ValidateSetup checks that the bucket exists and is accessible.
func (r *S3Repository) ValidateSetup(ctx context.Context) error {
	if _, err := r.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(r.bucket)}); err != nil {
		return fmt.Errorf("bucket %s not accessible: %w", r.bucket, err)
	}
	return nil
}

func apiErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

// isNotFound matches both GetObject's NoSuchKey and HeadObject's bodiless 404.
func isNotFound(err error) bool {
	switch apiErrorCode(err) {
	case "NoSuchKey", "NotFound":
		return true
	}
	return false
}

// sizedReader fails the read when r yields more or fewer than want bytes.
type sizedReader struct {
	r    io.Reader
	want int64
	n    int64
}

func (s *sizedReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	s.n += int64(n)
	if s.n > s.want {
		return n, fmt.Errorf("size mismatch: expected %d bytes, got more", s.want)
	}
	if err == io.EOF && s.n != s.want {
		return n, fmt.Errorf("size mismatch: expected %d bytes, got %d", s.want, s.n)
	}
	return n, err
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

var _ snap.Repository = (*S3Repository)(nil)
