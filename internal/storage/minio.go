package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

var _ ObjectStore = (*MinIOArchive)(nil)

// MinIOArchive uploads exported report files to an S3-compatible bucket.
type MinIOArchive struct {
	client *minio.Client
	bucket string
	prefix string
	logger *zap.Logger
	config MinIOConfig

	uploads      atomic.Uint64
	uploadBytes  atomic.Uint64
	uploadErrors atomic.Uint64
}

// MinIOConfig contains MinIO configuration
type MinIOConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Bucket          string
	Region          string
	// Prefix is prepended to every object key.
	Prefix string

	ConnectTimeout time.Duration

	// Retry settings (best-effort; MinIO client also retries internally)
	MaxRetries   int
	RetryBackoff time.Duration
}

// NewMinIOArchive connects to the endpoint and makes sure the bucket exists.
func NewMinIOArchive(config MinIOConfig) (*MinIOArchive, error) {
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 30 * time.Second
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.RetryBackoff == 0 {
		config.RetryBackoff = 500 * time.Millisecond
	}

	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	a := &MinIOArchive{
		client: client,
		bucket: config.Bucket,
		prefix: strings.Trim(config.Prefix, "/"),
		logger: zap.L().Named("report-archive"),
		config: config,
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()

	exists, err := client.BucketExists(ctx, config.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, config.Bucket, minio.MakeBucketOptions{Region: config.Region}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
		a.logger.Info("Created report bucket", zap.String("bucket", config.Bucket))
	}

	return a, nil
}

// ReportKey builds the object key for a report file:
// <prefix>/<yyyy>/<mm>/<dd>/<reportID>/<file name>.
func ReportKey(prefix, reportID string, generatedAt time.Time, filePath string) string {
	parts := []string{}
	if p := strings.Trim(prefix, "/"); p != "" {
		parts = append(parts, p)
	}
	parts = append(parts,
		generatedAt.UTC().Format("2006/01/02"),
		reportID,
		filepath.Base(filePath),
	)
	return path.Join(parts...)
}

// ArchiveReport uploads filePath under the report's key and returns the key.
func (a *MinIOArchive) ArchiveReport(ctx context.Context, reportID string, generatedAt time.Time, filePath string) (string, error) {
	key := ReportKey(a.prefix, reportID, generatedAt, filePath)
	err := a.PutFile(ctx, key, filePath, WithMetadata(map[string]string{
		"report-id":    reportID,
		"generated-at": generatedAt.UTC().Format(time.RFC3339),
	}))
	if err != nil {
		return "", err
	}
	return key, nil
}

// PutFile uploads a file, retrying transient failures with exponential backoff.
func (a *MinIOArchive) PutFile(ctx context.Context, key, filePath string, opts ...PutOption) error {
	options := &putOptions{ContentType: detectContentType(filePath)}
	for _, opt := range opts {
		opt.applyPut(options)
	}

	file, err := os.Open(filePath)
	if err != nil {
		return &StorageError{Op: "put_file", Key: key, Err: err}
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return &StorageError{Op: "put_file", Key: key, Err: err}
	}

	putOpts := minio.PutObjectOptions{
		ContentType:  options.ContentType,
		UserMetadata: options.Metadata,
	}

	ebo := backoff.NewExponentialBackOff()
	ebo.InitialInterval = a.config.RetryBackoff
	ebo.Reset()
	bo := backoff.WithContext(backoff.WithMaxRetries(ebo, uint64(a.config.MaxRetries)), ctx)

	attempt := 0
	op := func() error {
		attempt++
		if attempt > 1 {
			if _, err := file.Seek(0, io.SeekStart); err != nil {
				return backoff.Permanent(fmt.Errorf("seek reset failed: %w", err))
			}
		}

		info, err := a.client.PutObject(ctx, a.bucket, key, file, stat.Size(), putOpts)
		if err != nil {
			a.uploadErrors.Add(1)
			if code := getMinioStatusCode(err); code == 403 || code == 400 {
				return backoff.Permanent(err)
			}
			a.logger.Warn("Report upload failed, retrying",
				zap.String("key", key),
				zap.Int("attempt", attempt),
				zap.Error(err))
			return err
		}

		a.uploads.Add(1)
		a.uploadBytes.Add(uint64(info.Size))
		a.logger.Debug("Report uploaded",
			zap.String("key", key),
			zap.Int64("size", info.Size),
			zap.String("etag", info.ETag))
		return nil
	}

	if err := backoff.Retry(op, bo); err != nil {
		return &StorageError{
			Op:         "put_file",
			Key:        key,
			Err:        err,
			StatusCode: getMinioStatusCode(err),
			Retryable:  true,
		}
	}
	return nil
}

// Exists checks if an object exists
func (a *MinIOArchive) Exists(ctx context.Context, key string) (bool, error) {
	_, err := a.client.StatObject(ctx, a.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return false, nil
		}
		return false, &StorageError{Op: "exists", Key: key, Err: err, StatusCode: getMinioStatusCode(err)}
	}
	return true, nil
}

// List lists archived objects under prefix, recursively.
func (a *MinIOArchive) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var objects []ObjectInfo
	for obj := range a.client.ListObjects(ctx, a.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, &StorageError{Op: "list", Key: prefix, Err: obj.Err}
		}
		objects = append(objects, ObjectInfo{
			Key:          obj.Key,
			Size:         obj.Size,
			LastModified: obj.LastModified,
			ETag:         obj.ETag,
			ContentType:  obj.ContentType,
		})
	}
	return objects, nil
}

// Delete removes an object from storage
func (a *MinIOArchive) Delete(ctx context.Context, key string) error {
	if err := a.client.RemoveObject(ctx, a.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return &StorageError{Op: "delete", Key: key, Err: err, StatusCode: getMinioStatusCode(err)}
	}
	return nil
}

// HealthCheck verifies the storage is accessible
func (a *MinIOArchive) HealthCheck(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return &StorageError{Op: "health_check", Err: err}
	}
	if !exists {
		return &StorageError{Op: "health_check", Err: fmt.Errorf("bucket %s does not exist", a.bucket), StatusCode: 404}
	}
	return nil
}

// Stats returns upload counters.
func (a *MinIOArchive) Stats() map[string]uint64 {
	return map[string]uint64{
		"uploads":       a.uploads.Load(),
		"upload_bytes":  a.uploadBytes.Load(),
		"upload_errors": a.uploadErrors.Load(),
	}
}

func detectContentType(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".html", ".htm":
		return "text/html; charset=utf-8"
	case ".csv":
		return "text/csv; charset=utf-8"
	case ".zip":
		return "application/zip"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}

// getMinioStatusCode extracts HTTP status code from MinIO error
func getMinioStatusCode(err error) int {
	if errResp := minio.ToErrorResponse(err); errResp.Code != "" {
		switch errResp.Code {
		case "NoSuchKey", "NoSuchBucket":
			return 404
		case "AccessDenied":
			return 403
		case "InvalidArgument":
			return 400
		default:
			return 500
		}
	}
	return 500
}
