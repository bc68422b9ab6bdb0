package backend

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	glob "github.com/ryanuber/go-glob"

	"github.com/kenchrcum/bararchive/internal/barerr"
	"github.com/kenchrcum/bararchive/internal/config"
)

// S3Backend implements StorageBackend against an S3-compatible object
// store, generalized from the teacher's internal/s3.Client (which spoke
// PutObject/GetObject directly) to the core's create/open/exists/
// delete/rename/list contract.
//
// S3 has no random-access write stream, so Create stages bytes in a
// session-unique temp file (spec §5 "Shared resources": 0600, removed on
// close) and uploads the whole object from it when the stream is closed —
// the same "buffer first" strategy chunkio.Writer uses for non-seekable
// sinks, pushed one layer further out.
type S3Backend struct {
	client  *s3.Client
	bucket  string
	staging string
}

// NewS3Backend dials an S3-compatible endpoint per cfg.
func NewS3Backend(ctx context.Context, cfg *config.BackendConfig, stagingDir string) (*S3Backend, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey, cfg.SecretKey, "",
		)),
	)
	if err != nil {
		return nil, barerr.Wrap(barerr.KindBackendFail, err, "loading aws config")
	}

	var opts []func(*s3.Options)
	if cfg.Endpoint != "" && cfg.Provider != "aws" {
		opts = append(opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = RequiresPathStyleAddressing(cfg.Provider)
		})
	}

	return &S3Backend{
		client:  s3.NewFromConfig(awsCfg, opts...),
		bucket:  cfg.Bucket,
		staging: stagingDir,
	}, nil
}

type s3WriteStream struct {
	ctx    context.Context
	client *s3.Client
	bucket string
	key    string
	staged *os.File
}

func (s *s3WriteStream) Write(p []byte) (int, error) { return s.staged.Write(p) }

func (s *s3WriteStream) Tell() int64 {
	off, err := s.staged.Seek(0, io.SeekCurrent)
	if err != nil {
		return -1
	}
	return off
}

func (s *s3WriteStream) Close() error {
	defer os.Remove(s.staged.Name())
	if _, err := s.staged.Seek(0, io.SeekStart); err != nil {
		s.staged.Close()
		return barerr.Wrap(barerr.KindBackendFail, err, "rewinding staged object %q", s.key)
	}
	_, err := s.client.PutObject(s.ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
		Body:   s.staged,
	})
	closeErr := s.staged.Close()
	if err != nil {
		return barerr.Wrap(barerr.KindBackendTransient, err, "uploading %q", s.key)
	}
	if closeErr != nil {
		return barerr.Wrap(barerr.KindBackendFail, closeErr, "closing staged file for %q", s.key)
	}
	return nil
}

func (b *S3Backend) Create(ctx context.Context, name string) (WriteStream, error) {
	f, err := os.CreateTemp(b.staging, "bararchive-s3-*.staging")
	if err != nil {
		return nil, barerr.Wrap(barerr.KindBackendFail, err, "staging %q", name)
	}
	if err := f.Chmod(0o600); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, barerr.Wrap(barerr.KindBackendFail, err, "setting staging permissions for %q", name)
	}
	return &s3WriteStream{ctx: ctx, client: b.client, bucket: b.bucket, key: name, staged: f}, nil
}

type s3ReadStream struct {
	ctx    context.Context
	client *s3.Client
	bucket string
	key    string
	body   io.ReadCloser
	offset int64
}

func (s *s3ReadStream) Read(p []byte) (int, error) {
	n, err := s.body.Read(p)
	s.offset += int64(n)
	return n, err
}

func (s *s3ReadStream) Close() error { return s.body.Close() }
func (s *s3ReadStream) Tell() int64  { return s.offset }

// Seek re-opens the object at a byte offset via an S3 Range GET; S3 has no
// seekable stream handle, so every Seek costs a new request.
func (s *s3ReadStream) Seek(offset int64) error {
	result, err := s.client.GetObject(s.ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-", offset)),
	})
	if err != nil {
		return barerr.Wrap(barerr.KindBackendTransient, err, "seeking %q to offset %d", s.key, offset)
	}
	s.body.Close()
	s.body = result.Body
	s.offset = offset
	return nil
}

func (b *S3Backend) Open(ctx context.Context, name string) (ReadStream, error) {
	result, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(name),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, barerr.Wrap(barerr.KindNotFound, err, "opening %q", name)
		}
		return nil, barerr.Wrap(barerr.KindBackendTransient, err, "opening %q", name)
	}
	return &s3ReadStream{ctx: ctx, client: b.client, bucket: b.bucket, key: name, body: result.Body}, nil
}

func (b *S3Backend) Exists(ctx context.Context, name string) (bool, error) {
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(name),
	})
	if err == nil {
		return true, nil
	}
	if isNoSuchKey(err) {
		return false, nil
	}
	return false, barerr.Wrap(barerr.KindBackendTransient, err, "checking existence of %q", name)
}

func (b *S3Backend) Delete(ctx context.Context, name string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(name),
	})
	if err != nil {
		return barerr.Wrap(barerr.KindBackendTransient, err, "deleting %q", name)
	}
	return nil
}

// Rename copies to the new key then deletes the old one; S3 has no atomic
// rename.
func (b *S3Backend) Rename(ctx context.Context, from, to string) error {
	_, err := b.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(b.bucket),
		CopySource: aws.String(b.bucket + "/" + from),
		Key:        aws.String(to),
	})
	if err != nil {
		return barerr.Wrap(barerr.KindBackendTransient, err, "copying %q to %q", from, to)
	}
	return b.Delete(ctx, from)
}

// List narrows the ListObjectsV2 request to pattern's literal prefix (S3 has
// no server-side glob support), then applies the real glob match client-side
// so callers can pass the same patterns as LocalBackend.List.
func (b *S3Backend) List(ctx context.Context, pattern string) ([]Entry, error) {
	prefix := literalPrefix(pattern)
	var entries []Entry
	var continuationToken *string
	for {
		result, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(b.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: continuationToken,
		})
		if err != nil {
			return nil, barerr.Wrap(barerr.KindBackendTransient, err, "listing %q", pattern)
		}
		for _, obj := range result.Contents {
			key := aws.ToString(obj.Key)
			if glob.Glob(pattern, key) {
				entries = append(entries, Entry{Name: key, Size: aws.ToInt64(obj.Size)})
			}
		}
		if !aws.ToBool(result.IsTruncated) {
			break
		}
		continuationToken = result.NextContinuationToken
	}
	return entries, nil
}

// literalPrefix returns the portion of pattern before its first glob
// metacharacter, so List can narrow the S3-side request before the
// client-side glob match runs.
func literalPrefix(pattern string) string {
	if i := strings.IndexAny(pattern, "*?"); i >= 0 {
		return pattern[:i]
	}
	return pattern
}

func isNoSuchKey(err error) bool {
	return strings.Contains(err.Error(), "NoSuchKey") || strings.Contains(err.Error(), "NotFound")
}
