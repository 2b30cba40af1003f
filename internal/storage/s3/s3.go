// Package s3 archives security intelligence snapshots to S3-compatible
// object storage.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Config holds S3 connection and behavior configuration.
type Config struct {
	Enabled bool   `yaml:"enabled"`
	Region  string `yaml:"region"`
	Bucket  string `yaml:"bucket"`
	Prefix  string `yaml:"prefix"`

	// Endpoint is an optional custom endpoint for S3-compatible storage.
	Endpoint string `yaml:"endpoint,omitempty"`

	// Static credentials. IAM and the default chain are used when empty.
	AccessKeyID     string `yaml:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty"`
	SessionToken    string `yaml:"session_token,omitempty"`

	StorageClass         string `yaml:"storage_class"`
	ServerSideEncryption string `yaml:"server_side_encryption,omitempty"` // AES256 or aws:kms
	KMSKeyID             string `yaml:"kms_key_id,omitempty"`

	// UsePathStyle forces path-style addressing (MinIO, LocalStack).
	UsePathStyle bool `yaml:"use_path_style"`

	RetryMaxAttempts int           `yaml:"retry_max_attempts"`
	Timeout          time.Duration `yaml:"timeout"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Region:           "us-east-1",
		Bucket:           "boundary-risk-archive",
		Prefix:           "risk/",
		StorageClass:     "INTELLIGENT_TIERING",
		RetryMaxAttempts: 3,
		Timeout:          time.Minute,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Region == "" {
		return errors.New("s3: region is required")
	}
	if c.Bucket == "" {
		return errors.New("s3: bucket is required")
	}
	switch c.ServerSideEncryption {
	case "", "AES256", "aws:kms":
	default:
		return fmt.Errorf("s3: unsupported server side encryption %q", c.ServerSideEncryption)
	}
	return nil
}

// GetStorageClass returns the S3 storage class type.
func (c *Config) GetStorageClass() types.StorageClass {
	switch strings.ToUpper(c.StorageClass) {
	case "STANDARD":
		return types.StorageClassStandard
	case "STANDARD_IA":
		return types.StorageClassStandardIa
	case "ONEZONE_IA":
		return types.StorageClassOnezoneIa
	case "INTELLIGENT_TIERING":
		return types.StorageClassIntelligentTiering
	case "GLACIER":
		return types.StorageClassGlacier
	case "DEEP_ARCHIVE":
		return types.StorageClassDeepArchive
	case "GLACIER_IR":
		return types.StorageClassGlacierIr
	default:
		return types.StorageClassStandard
	}
}

// objectAPI is the subset of *s3.Client used here.
type objectAPI interface {
	s3.ListObjectsV2APIClient
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// Client is an S3 client for archive operations.
type Client struct {
	api    objectAPI
	config *Config
	logger *slog.Logger

	bytesUploaded   atomic.Int64
	bytesDownloaded atomic.Int64
	objectsUploaded atomic.Int64
	errors          atomic.Int64
}

// NewClient creates a new S3 client.
func NewClient(ctx context.Context, cfg *Config, logger *slog.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			cfg.SessionToken,
		)))
	}
	if cfg.RetryMaxAttempts > 0 {
		opts = append(opts, config.WithRetryMaxAttempts(cfg.RetryMaxAttempts))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3: failed to load AWS config: %w", err)
	}

	api := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("s3 client initialized",
		"bucket", cfg.Bucket,
		"region", cfg.Region,
		"storage_class", cfg.StorageClass,
	)
	return newClient(api, cfg, logger), nil
}

func newClient(api objectAPI, cfg *Config, logger *slog.Logger) *Client {
	return &Client{api: api, config: cfg, logger: logger}
}

// UploadInput contains parameters for uploading an object.
type UploadInput struct {
	Key             string
	Body            []byte
	ContentType     string
	ContentEncoding string
	Metadata        map[string]string
}

// UploadOutput contains the result of an upload operation.
type UploadOutput struct {
	Key      string
	ETag     string
	Location string
	Size     int64
}

// Upload stores an object under the configured prefix.
func (c *Client) Upload(ctx context.Context, input *UploadInput) (*UploadOutput, error) {
	key := c.config.Prefix + input.Key
	size := int64(len(input.Body))

	put := &s3.PutObjectInput{
		Bucket:        aws.String(c.config.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(input.Body),
		ContentLength: aws.Int64(size),
		StorageClass:  c.config.GetStorageClass(),
	}
	if input.ContentType != "" {
		put.ContentType = aws.String(input.ContentType)
	}
	if input.ContentEncoding != "" {
		put.ContentEncoding = aws.String(input.ContentEncoding)
	}
	if len(input.Metadata) > 0 {
		put.Metadata = input.Metadata
	}
	switch c.config.ServerSideEncryption {
	case "AES256":
		put.ServerSideEncryption = types.ServerSideEncryptionAes256
	case "aws:kms":
		put.ServerSideEncryption = types.ServerSideEncryptionAwsKms
		if c.config.KMSKeyID != "" {
			put.SSEKMSKeyId = aws.String(c.config.KMSKeyID)
		}
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	result, err := c.api.PutObject(ctx, put)
	if err != nil {
		c.errors.Add(1)
		return nil, fmt.Errorf("s3: failed to upload object %s: %w", key, err)
	}

	c.bytesUploaded.Add(size)
	c.objectsUploaded.Add(1)
	c.logger.Debug("uploaded object", "key", key, "size", size)

	return &UploadOutput{
		Key:      key,
		ETag:     aws.ToString(result.ETag),
		Location: fmt.Sprintf("s3://%s/%s", c.config.Bucket, key),
		Size:     size,
	}, nil
}

// Download reads an object. fullKey includes the prefix, as returned by
// Upload and List.
func (c *Client) Download(ctx context.Context, fullKey string) ([]byte, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	result, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.config.Bucket),
		Key:    aws.String(fullKey),
	})
	if err != nil {
		c.errors.Add(1)
		return nil, fmt.Errorf("s3: failed to download object %s: %w", fullKey, err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		c.errors.Add(1)
		return nil, fmt.Errorf("s3: failed to read object %s: %w", fullKey, err)
	}
	c.bytesDownloaded.Add(int64(len(data)))
	return data, nil
}

// ObjectInfo contains information about an S3 object.
type ObjectInfo struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}

// List returns objects under prefix, relative to the configured prefix.
func (c *Client) List(ctx context.Context, prefix string, maxKeys int) ([]ObjectInfo, error) {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(c.config.Bucket),
		Prefix: aws.String(c.config.Prefix + prefix),
	}
	if maxKeys > 0 {
		input.MaxKeys = aws.Int32(int32(maxKeys))
	}

	var objects []ObjectInfo
	paginator := s3.NewListObjectsV2Paginator(c.api, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			c.errors.Add(1)
			return nil, fmt.Errorf("s3: failed to list objects: %w", err)
		}
		for _, obj := range page.Contents {
			objects = append(objects, ObjectInfo{
				Key:          aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
		if maxKeys > 0 && len(objects) >= maxKeys {
			objects = objects[:maxKeys]
			break
		}
	}
	return objects, nil
}

// HealthStatus represents the health of the S3 client.
type HealthStatus struct {
	Healthy bool          `json:"healthy"`
	Latency time.Duration `json:"latency"`
	Error   string        `json:"error,omitempty"`
}

// HealthCheck verifies the bucket is reachable.
func (c *Client) HealthCheck(ctx context.Context) HealthStatus {
	start := time.Now()
	_, err := c.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.config.Bucket)})
	status := HealthStatus{Latency: time.Since(start)}
	if err != nil {
		status.Error = err.Error()
		return status
	}
	status.Healthy = true
	return status
}

// Metrics contains S3 client counters.
type Metrics struct {
	BytesUploaded   int64 `json:"bytes_uploaded"`
	BytesDownloaded int64 `json:"bytes_downloaded"`
	ObjectsUploaded int64 `json:"objects_uploaded"`
	Errors          int64 `json:"errors"`
}

// GetMetrics returns current client metrics.
func (c *Client) GetMetrics() Metrics {
	return Metrics{
		BytesUploaded:   c.bytesUploaded.Load(),
		BytesDownloaded: c.bytesDownloaded.Load(),
		ObjectsUploaded: c.objectsUploaded.Load(),
		Errors:          c.errors.Load(),
	}
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.config.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.config.Timeout)
}
