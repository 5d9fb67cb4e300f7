package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/3leaps/labmeta/pkg/filestore"
)

// API is the subset of the S3 client the store uses. *s3.Client satisfies it.
type API interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	CopyObject(ctx context.Context, in *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Store implements filestore.Store on an S3 bucket.
//
// Directories are key prefixes. MakeDirs writes a zero-byte "<dir>/" marker
// so empty directories survive, which is how other S3 filesystem layers
// behave as well.
type Store struct {
	client API
	bucket string
	prefix string
}

var _ filestore.Store = (*Store)(nil)

// New creates a store using AWS SDK v2's default credential chain unless
// explicit credentials are provided in the config.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, &filestore.StoreError{Op: "New", Backend: filestore.BackendS3, Path: cfg.Bucket, Err: err}
	}

	s3Opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}
		},
	}
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	return NewWithClient(s3.NewFromConfig(awsCfg, s3Opts...), cfg)
}

// NewWithClient wraps an existing client.
func NewWithClient(client API, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if client == nil {
		return nil, fmt.Errorf("s3 client is nil")
	}
	prefix, err := filestore.CleanKey(cfg.Prefix)
	if err != nil {
		return nil, &ConfigError{Field: "Prefix", Message: err.Error()}
	}
	return &Store{client: client, bucket: cfg.Bucket, prefix: prefix}, nil
}

func loadAWSConfig(ctx context.Context, cfg Config) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error

	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}
	awsCfg.Region = resolveRegion(cfg.Endpoint, awsCfg.Region)
	return awsCfg, nil
}

// resolveRegion applies the us-east-1 fallback for AWS S3 only. S3-compatible
// endpoints get no default.
func resolveRegion(endpoint, sdkRegion string) string {
	if sdkRegion != "" {
		return sdkRegion
	}
	if endpoint == "" {
		return DefaultAWSRegion
	}
	return ""
}

func (s *Store) Close() error { return nil }

func (s *Store) Location(p string) string {
	key, err := s.objectKey(p)
	if err != nil {
		key = p
	}
	if key == "" {
		return "s3://" + s.bucket
	}
	return "s3://" + s.bucket + "/" + key
}

func (s *Store) Exists(ctx context.Context, p string) (bool, error) {
	key, err := s.objectKey(p)
	if err != nil {
		return false, s.wrapError("Exists", p, err)
	}
	if key == s.prefix {
		return true, nil
	}
	if _, err := s.head(ctx, key); err == nil {
		return true, nil
	} else if !filestore.IsNotFound(err) {
		return false, s.wrapError("Exists", p, err)
	}
	return s.hasChildren(ctx, "Exists", p, key)
}

func (s *Store) IsDir(ctx context.Context, p string) (bool, error) {
	key, err := s.objectKey(p)
	if err != nil {
		return false, s.wrapError("IsDir", p, err)
	}
	if key == s.prefix {
		return true, nil
	}
	return s.hasChildren(ctx, "IsDir", p, key)
}

func (s *Store) MakeDirs(ctx context.Context, p string) error {
	key, err := s.objectKey(p)
	if err != nil {
		return s.wrapError("MakeDirs", p, err)
	}
	if key == s.prefix {
		return nil
	}
	return s.put(ctx, "MakeDirs", p, key+"/", nil)
}

func (s *Store) List(ctx context.Context, p string) ([]filestore.Entry, error) {
	key, err := s.objectKey(p)
	if err != nil {
		return nil, s.wrapError("List", p, err)
	}
	dirPrefix := dirKey(key)

	seen := map[string]filestore.Entry{}
	found := key == s.prefix
	var token *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(dirPrefix),
			Delimiter:         aws.String("/"),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, s.wrapError("List", p, err)
		}
		for _, cp := range out.CommonPrefixes {
			found = true
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), dirPrefix), "/")
			if name != "" {
				seen[name] = filestore.Entry{Name: name, IsDir: true}
			}
		}
		for _, obj := range out.Contents {
			found = true
			name := strings.TrimPrefix(aws.ToString(obj.Key), dirPrefix)
			if name == "" {
				continue
			}
			if _, ok := seen[name]; !ok {
				seen[name] = filestore.Entry{Name: name}
			}
		}
		if !aws.ToBool(out.IsTruncated) || out.NextContinuationToken == nil {
			break
		}
		token = out.NextContinuationToken
	}
	if !found {
		return nil, &filestore.StoreError{Op: "List", Backend: filestore.BackendS3, Path: p, Err: filestore.ErrNotFound}
	}

	entries := make([]filestore.Entry, 0, len(seen))
	for _, e := range seen {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func (s *Store) Read(ctx context.Context, p string) ([]byte, error) {
	key, err := s.objectKey(p)
	if err != nil {
		return nil, s.wrapError("Read", p, err)
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		return nil, s.wrapError("Read", p, err)
	}
	defer func() { _ = out.Body.Close() }()
	b, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, s.wrapError("Read", p, err)
	}
	return b, nil
}

func (s *Store) Write(ctx context.Context, p string, data []byte) error {
	key, err := s.objectKey(p)
	if err != nil {
		return s.wrapError("Write", p, err)
	}
	return s.put(ctx, "Write", p, key, data)
}

func (s *Store) Remove(ctx context.Context, p string) error {
	key, err := s.objectKey(p)
	if err != nil {
		return s.wrapError("Remove", p, err)
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)}); err != nil {
		wrapped := s.wrapError("Remove", p, err)
		if filestore.IsNotFound(wrapped) {
			return nil
		}
		return wrapped
	}
	return nil
}

func (s *Store) RemoveTree(ctx context.Context, p string) error {
	key, err := s.objectKey(p)
	if err != nil {
		return s.wrapError("RemoveTree", p, err)
	}
	if key == s.prefix {
		return s.wrapError("RemoveTree", p, fmt.Errorf("refusing to remove store root"))
	}

	keys := []string{key}
	objs, err := s.listAll(ctx, dirKey(key))
	if err != nil {
		return s.wrapError("RemoveTree", p, err)
	}
	for _, obj := range objs {
		keys = append(keys, aws.ToString(obj.Key))
	}

	for start := 0; start < len(keys); start += maxDeleteBatch {
		end := start + maxDeleteBatch
		if end > len(keys) {
			end = len(keys)
		}
		ids := make([]types.ObjectIdentifier, 0, end-start)
		for _, k := range keys[start:end] {
			ids = append(ids, types.ObjectIdentifier{Key: aws.String(k)})
		}
		out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return s.wrapError("RemoveTree", p, err)
		}
		if out != nil && len(out.Errors) > 0 {
			first := out.Errors[0]
			return s.wrapError("RemoveTree", aws.ToString(first.Key), fmt.Errorf("%s: %s", aws.ToString(first.Code), aws.ToString(first.Message)))
		}
	}
	return nil
}

func (s *Store) CopyTree(ctx context.Context, src, dst string) error {
	srcKey, err := s.objectKey(src)
	if err != nil {
		return s.wrapError("CopyTree", src, err)
	}
	dstKey, err := s.objectKey(dst)
	if err != nil {
		return s.wrapError("CopyTree", dst, err)
	}

	if _, err := s.head(ctx, srcKey); err == nil {
		return s.copyObject(ctx, src, srcKey, dstKey)
	} else if !filestore.IsNotFound(err) {
		return s.wrapError("CopyTree", src, err)
	}

	objs, err := s.listAll(ctx, dirKey(srcKey))
	if err != nil {
		return s.wrapError("CopyTree", src, err)
	}
	if len(objs) == 0 {
		return &filestore.StoreError{Op: "CopyTree", Backend: filestore.BackendS3, Path: src, Err: filestore.ErrNotFound}
	}
	for _, obj := range objs {
		rel := strings.TrimPrefix(aws.ToString(obj.Key), dirKey(srcKey))
		target := dirKey(dstKey) + rel
		if err := s.copyObject(ctx, src, aws.ToString(obj.Key), target); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Stat(ctx context.Context, p string) (*filestore.FileInfo, error) {
	key, err := s.objectKey(p)
	if err != nil {
		return nil, s.wrapError("Stat", p, err)
	}
	name := key[strings.LastIndex(key, "/")+1:]

	if out, err := s.head(ctx, key); err == nil {
		mod := aws.ToTime(out.LastModified)
		return &filestore.FileInfo{
			Name:      name,
			Size:      aws.ToInt64(out.ContentLength),
			ModTime:   mod,
			CreatedAt: mod,
		}, nil
	} else if !filestore.IsNotFound(err) {
		return nil, s.wrapError("Stat", p, err)
	}

	objs, err := s.listAll(ctx, dirKey(key))
	if err != nil {
		return nil, s.wrapError("Stat", p, err)
	}
	if len(objs) == 0 {
		return nil, &filestore.StoreError{Op: "Stat", Backend: filestore.BackendS3, Path: p, Err: filestore.ErrNotFound}
	}
	info := &filestore.FileInfo{Name: name, IsDir: true}
	for _, obj := range objs {
		t := aws.ToTime(obj.LastModified)
		info.CreatedAt = oldest(info.CreatedAt, t)
		if t.After(info.ModTime) {
			info.ModTime = t
		}
	}
	return info, nil
}

func (s *Store) head(ctx context.Context, key string) (*s3.HeadObjectOutput, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		return nil, s.wrapError("Head", key, err)
	}
	return out, nil
}

func (s *Store) put(ctx context.Context, op, p, key string, data []byte) error {
	size := int64(len(data))
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: &size,
	})
	if err != nil {
		return s.wrapError(op, p, err)
	}
	return nil
}

func (s *Store) copyObject(ctx context.Context, p, srcKey, dstKey string) error {
	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(s.bucket + "/" + escapeKey(srcKey)),
	})
	if err != nil {
		return s.wrapError("CopyTree", p, err)
	}
	return nil
}

func (s *Store) hasChildren(ctx context.Context, op, p, key string) (bool, error) {
	out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		Prefix:  aws.String(dirKey(key)),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return false, s.wrapError(op, p, err)
	}
	return len(out.Contents) > 0 || len(out.CommonPrefixes) > 0, nil
}

func (s *Store) listAll(ctx context.Context, prefix string) ([]types.Object, error) {
	var objs []types.Object
	var token *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, err
		}
		objs = append(objs, out.Contents...)
		if !aws.ToBool(out.IsTruncated) || out.NextContinuationToken == nil {
			return objs, nil
		}
		token = out.NextContinuationToken
	}
}

// objectKey maps a store path onto a bucket key under the configured prefix.
func (s *Store) objectKey(p string) (string, error) {
	clean, err := filestore.CleanKey(p)
	if err != nil {
		return "", err
	}
	return filestore.Join(s.prefix, clean), nil
}

// escapeKey URL-encodes each segment of key for CopySource.
func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

func dirKey(key string) string {
	if key == "" {
		return ""
	}
	return key + "/"
}

// wrapError converts S3 errors to store errors with appropriate sentinels.
func (s *Store) wrapError(op, p string, err error) error {
	var already *filestore.StoreError
	if errors.As(err, &already) {
		return &filestore.StoreError{Op: op, Backend: filestore.BackendS3, Path: p, Err: already.Err}
	}

	wrapped := &filestore.StoreError{Op: op, Backend: filestore.BackendS3, Path: p, Err: err}
	if errors.Is(err, filestore.ErrInvalidPath) {
		return wrapped
	}

	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	var noSuchBucket *types.NoSuchBucket

	switch {
	case errors.As(err, &notFound), errors.As(err, &noSuchKey):
		wrapped.Err = filestore.ErrNotFound
		return wrapped
	case errors.As(err, &noSuchBucket):
		wrapped.Err = filestore.ErrBucketNotFound
		return wrapped
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			wrapped.Err = filestore.ErrNotFound
		case "NoSuchBucket":
			wrapped.Err = filestore.ErrBucketNotFound
		case "AccessDenied", "Forbidden":
			wrapped.Err = filestore.ErrAccessDenied
		case "InvalidAccessKeyId", "SignatureDoesNotMatch":
			wrapped.Err = filestore.ErrInvalidCredentials
		case "SlowDown", "Throttling", "RequestLimitExceeded":
			wrapped.Err = filestore.ErrThrottled
		case "ServiceUnavailable", "InternalError":
			wrapped.Err = filestore.ErrUnavailable
		}
		return wrapped
	}

	errMsg := err.Error()
	switch {
	case strings.Contains(errMsg, "NoSuchKey") || strings.Contains(errMsg, "NotFound") || strings.Contains(errMsg, "404"):
		wrapped.Err = filestore.ErrNotFound
	case strings.Contains(errMsg, "NoSuchBucket"):
		wrapped.Err = filestore.ErrBucketNotFound
	case strings.Contains(errMsg, "AccessDenied") || strings.Contains(errMsg, "Forbidden") || strings.Contains(errMsg, "403"):
		wrapped.Err = filestore.ErrAccessDenied
	case strings.Contains(errMsg, "SlowDown") || strings.Contains(errMsg, "Throttling") || strings.Contains(errMsg, "429"):
		wrapped.Err = filestore.ErrThrottled
	case strings.Contains(errMsg, "ServiceUnavailable") || strings.Contains(errMsg, "503"):
		wrapped.Err = filestore.ErrUnavailable
	}
	return wrapped
}

// oldest returns the earlier of two times, ignoring zero values.
func oldest(a, b time.Time) time.Time {
	switch {
	case a.IsZero():
		return b
	case b.IsZero():
		return a
	case b.Before(a):
		return b
	default:
		return a
	}
}
