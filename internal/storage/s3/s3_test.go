package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

func getTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memoryBucket is an in-process objectAPI.
type memoryBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	putErr  error
}

func newMemoryBucket() *memoryBucket {
	return &memoryBucket{objects: map[string][]byte{}, types: map[string]string{}}
}

func (b *memoryBucket) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if b.putErr != nil {
		return nil, b.putErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	key := aws.ToString(in.Key)
	b.objects[key] = data
	b.types[key] = aws.ToString(in.ContentType)
	return &s3.PutObjectOutput{ETag: aws.String("etag-" + key)}, nil
}

func (b *memoryBucket) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: aws.Int64(int64(len(data))),
	}, nil
}

func (b *memoryBucket) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var keys []string
	for k := range b.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for _, k := range keys {
		out.Contents = append(out.Contents, types.Object{
			Key:  aws.String(k),
			Size: aws.Int64(int64(len(b.objects[k]))),
		})
	}
	return out, nil
}

func (b *memoryBucket) HeadBucket(context.Context, *s3.HeadBucketInput, ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return &s3.HeadBucketOutput{}, nil
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{name: "valid config", modify: func(c *Config) {}},
		{name: "empty region", modify: func(c *Config) { c.Region = "" }, wantErr: true},
		{name: "empty bucket", modify: func(c *Config) { c.Bucket = "" }, wantErr: true},
		{name: "kms encryption", modify: func(c *Config) { c.ServerSideEncryption = "aws:kms" }},
		{name: "unknown encryption", modify: func(c *Config) { c.ServerSideEncryption = "rot13" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGetStorageClass(t *testing.T) {
	tests := []struct {
		class    string
		expected string
	}{
		{"STANDARD", "STANDARD"},
		{"INTELLIGENT_TIERING", "INTELLIGENT_TIERING"},
		{"GLACIER", "GLACIER"},
		{"DEEP_ARCHIVE", "DEEP_ARCHIVE"},
		{"standard", "STANDARD"},
		{"unknown", "STANDARD"},
	}

	for _, tt := range tests {
		t.Run(tt.class, func(t *testing.T) {
			cfg := &Config{StorageClass: tt.class}
			if result := cfg.GetStorageClass(); string(result) != tt.expected {
				t.Errorf("GetStorageClass() = %v, want %v", result, tt.expected)
			}
		})
	}
}

func TestSnapshotKey(t *testing.T) {
	at := time.Date(2024, 3, 7, 9, 5, 1, 0, time.UTC)
	got := snapshotKey("intelligence", at, "0123456789abcdef")
	want := "snapshots/intelligence/2024/03/07/intelligence-20240307T090501Z-01234567.json.gz"
	if got != want {
		t.Errorf("snapshotKey() = %q, want %q", got, want)
	}
}

func TestValidKind(t *testing.T) {
	for kind, want := range map[string]bool{
		"intelligence": true,
		"analysis":     true,
		"":             false,
		"../etc":       false,
		"a/b":          false,
		"has space":    false,
	} {
		if got := validKind(kind); got != want {
			t.Errorf("validKind(%q) = %v, want %v", kind, got, want)
		}
	}
}

func TestSnapshotArchiver_RoundTrip(t *testing.T) {
	bucket := newMemoryBucket()
	cfg := DefaultConfig()
	client := newClient(bucket, cfg, getTestLogger())
	archiver := NewSnapshotArchiver(client, getTestLogger())
	ctx := context.Background()

	at := time.Date(2024, 3, 7, 9, 0, 0, 0, time.UTC)
	payload := map[string]any{"security_score": 65, "overall_status": "warning"}

	location, err := archiver.ArchiveSnapshot(ctx, "intelligence", at, payload)
	if err != nil {
		t.Fatalf("ArchiveSnapshot() error = %v", err)
	}
	if !strings.HasPrefix(location, "s3://boundary-risk-archive/risk/snapshots/intelligence/2024/03/07/") {
		t.Errorf("location = %q", location)
	}

	if _, err := archiver.ArchiveSnapshot(ctx, "intelligence", at.Add(time.Hour), payload); err != nil {
		t.Fatal(err)
	}

	objects, err := archiver.ListSnapshots(ctx, "intelligence", at)
	if err != nil {
		t.Fatal(err)
	}
	if len(objects) != 2 {
		t.Fatalf("ListSnapshots() = %d objects", len(objects))
	}
	if !strings.Contains(objects[0].Key, "T100000Z") {
		t.Errorf("newest snapshot should list first, got %q", objects[0].Key)
	}
	for key, ct := range bucket.types {
		if ct != "application/gzip" {
			t.Errorf("%s content type = %q", key, ct)
		}
	}

	snap, err := archiver.LoadSnapshot(ctx, objects[1].Key)
	if err != nil {
		t.Fatalf("LoadSnapshot() error = %v", err)
	}
	if snap.Kind != "intelligence" || !snap.Timestamp.Equal(at) {
		t.Errorf("snapshot = %+v", snap)
	}
	if !bytes.Contains(snap.Payload, []byte(`"security_score":65`)) {
		t.Errorf("payload = %s", snap.Payload)
	}

	if m := archiver.GetMetrics(); m.Archived != 2 || m.Failed != 0 {
		t.Errorf("archiver metrics = %+v", m)
	}
	if m := client.GetMetrics(); m.ObjectsUploaded != 2 || m.BytesDownloaded == 0 {
		t.Errorf("client metrics = %+v", m)
	}
}

func TestSnapshotArchiver_Failures(t *testing.T) {
	bucket := newMemoryBucket()
	bucket.putErr = errors.New("access denied")
	client := newClient(bucket, DefaultConfig(), getTestLogger())
	archiver := NewSnapshotArchiver(client, getTestLogger())
	ctx := context.Background()

	if _, err := archiver.ArchiveSnapshot(ctx, "intelligence", time.Now(), map[string]int{"a": 1}); err == nil {
		t.Error("expected upload error")
	}
	if _, err := archiver.ArchiveSnapshot(ctx, "bad/kind", time.Now(), nil); !errors.Is(err, ErrInvalidKind) {
		t.Errorf("invalid kind error = %v", err)
	}
	if _, err := archiver.ArchiveSnapshot(ctx, "intelligence", time.Now(), make(chan int)); err == nil {
		t.Error("expected marshal error")
	}
	if m := archiver.GetMetrics(); m.Failed != 2 {
		t.Errorf("Failed = %d, want 2", m.Failed)
	}
	if _, err := archiver.LoadSnapshot(ctx, "risk/missing.json.gz"); err == nil {
		t.Error("expected error loading a missing snapshot")
	}
	if client.GetMetrics().Errors != 2 {
		t.Errorf("client errors = %d", client.GetMetrics().Errors)
	}
}

func TestHealthCheck(t *testing.T) {
	client := newClient(newMemoryBucket(), DefaultConfig(), getTestLogger())
	if status := client.HealthCheck(context.Background()); !status.Healthy {
		t.Errorf("HealthCheck() = %+v", status)
	}
}

func skipIfNoS3(t *testing.T) {
	t.Helper()
	if os.Getenv("S3_TEST_BUCKET") == "" {
		t.Skip("S3_TEST_BUCKET not set, skipping integration test")
	}
}

func TestS3ArchiverIntegration(t *testing.T) {
	skipIfNoS3(t)

	cfg := DefaultConfig()
	cfg.Bucket = os.Getenv("S3_TEST_BUCKET")
	cfg.Prefix = "test/" + time.Now().Format("20060102150405") + "/"
	if endpoint := os.Getenv("S3_TEST_ENDPOINT"); endpoint != "" {
		cfg.Endpoint = endpoint
		cfg.UsePathStyle = true
	}
	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.Region = region
	}

	ctx := context.Background()
	client, err := NewClient(ctx, cfg, getTestLogger())
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	archiver := NewSnapshotArchiver(client, getTestLogger())
	now := time.Now()
	if _, err := archiver.ArchiveSnapshot(ctx, "intelligence", now, map[string]int{"security_score": 100}); err != nil {
		t.Fatalf("ArchiveSnapshot() error = %v", err)
	}
	objects, err := archiver.ListSnapshots(ctx, "intelligence", now)
	if err != nil || len(objects) == 0 {
		t.Fatalf("ListSnapshots() = %v, %v", objects, err)
	}
	if _, err := archiver.LoadSnapshot(ctx, objects[0].Key); err != nil {
		t.Errorf("LoadSnapshot() error = %v", err)
	}
}
