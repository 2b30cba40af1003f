package s3

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidKind is returned for snapshot kinds that cannot form a key.
var ErrInvalidKind = errors.New("s3: invalid snapshot kind")

// Snapshot is the envelope stored for every archived payload.
type Snapshot struct {
	ID        string          `json:"snapshot_id"`
	Kind      string          `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// SnapshotArchiver writes gzip-compressed JSON snapshots under
// snapshots/{kind}/{yyyy}/{mm}/{dd}/.
type SnapshotArchiver struct {
	client *Client
	logger *slog.Logger

	archived atomic.Int64
	failed   atomic.Int64
}

// NewSnapshotArchiver creates a snapshot archiver.
func NewSnapshotArchiver(client *Client, logger *slog.Logger) *SnapshotArchiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &SnapshotArchiver{client: client, logger: logger}
}

// ArchiveSnapshot stores payload and returns the object location.
func (a *SnapshotArchiver) ArchiveSnapshot(ctx context.Context, kind string, at time.Time, payload any) (string, error) {
	if !validKind(kind) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		a.failed.Add(1)
		return "", fmt.Errorf("s3: failed to marshal snapshot: %w", err)
	}

	snap := Snapshot{
		ID:        uuid.New().String(),
		Kind:      kind,
		Timestamp: at.UTC(),
		Payload:   raw,
	}
	data, err := json.Marshal(snap)
	if err != nil {
		a.failed.Add(1)
		return "", fmt.Errorf("s3: failed to marshal snapshot: %w", err)
	}

	compressed, err := compressGzip(data)
	if err != nil {
		a.failed.Add(1)
		return "", fmt.Errorf("s3: failed to compress snapshot: %w", err)
	}

	out, err := a.client.Upload(ctx, &UploadInput{
		Key:         snapshotKey(kind, snap.Timestamp, snap.ID),
		Body:        compressed,
		ContentType: "application/gzip",
		Metadata: map[string]string{
			"kind":          kind,
			"snapshot-id":   snap.ID,
			"original-size": fmt.Sprintf("%d", len(data)),
		},
	})
	if err != nil {
		a.failed.Add(1)
		return "", err
	}

	a.archived.Add(1)
	a.logger.Debug("archived snapshot",
		"kind", kind,
		"location", out.Location,
		"bytes", out.Size,
	)
	return out.Location, nil
}

// LoadSnapshot downloads and decodes the snapshot at fullKey.
func (a *SnapshotArchiver) LoadSnapshot(ctx context.Context, fullKey string) (*Snapshot, error) {
	data, err := a.client.Download(ctx, fullKey)
	if err != nil {
		return nil, err
	}
	plain, err := decompressGzip(data)
	if err != nil {
		return nil, fmt.Errorf("s3: failed to decompress snapshot %s: %w", fullKey, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(plain, &snap); err != nil {
		return nil, fmt.Errorf("s3: failed to decode snapshot %s: %w", fullKey, err)
	}
	return &snap, nil
}

// ListSnapshots returns the snapshots of kind archived on day, newest first.
func (a *SnapshotArchiver) ListSnapshots(ctx context.Context, kind string, day time.Time) ([]ObjectInfo, error) {
	if !validKind(kind) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	objects, err := a.client.List(ctx, snapshotDir(kind, day.UTC()), 0)
	if err != nil {
		return nil, err
	}
	sort.Slice(objects, func(i, j int) bool {
		return objects[i].Key > objects[j].Key
	})
	return objects, nil
}

// ArchiverMetrics holds archiver counters.
type ArchiverMetrics struct {
	Archived int64 `json:"archived"`
	Failed   int64 `json:"failed"`
}

// GetMetrics returns archiver counters.
func (a *SnapshotArchiver) GetMetrics() ArchiverMetrics {
	return ArchiverMetrics{Archived: a.archived.Load(), Failed: a.failed.Load()}
}

func snapshotDir(kind string, at time.Time) string {
	return path.Join("snapshots", kind, at.Format("2006/01/02")) + "/"
}

// snapshotKey sorts lexically by time within a day.
func snapshotKey(kind string, at time.Time, id string) string {
	short := id
	if len(short) > 8 {
		short = short[:8]
	}
	return snapshotDir(kind, at) + fmt.Sprintf("%s-%s-%s.json.gz", kind, at.Format("20060102T150405Z"), short)
}

func validKind(kind string) bool {
	if kind == "" || len(kind) > 64 {
		return false
	}
	return !strings.ContainsAny(kind, "/\\. ")
}

func compressGzip(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressGzip(data []byte) ([]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer gz.Close()
	return io.ReadAll(gz)
}
