// Package nats stores pending operations in a NATS JetStream key-value bucket.
package nats

import (
	"cmp"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	gonats "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/vietddude/retrier/internal/core/domain"
	"github.com/vietddude/retrier/internal/infra/storage"
)

// DefaultBucket is used when Config.Bucket is empty.
const DefaultBucket = "retrier_pending"

var _ storage.PendingRepository = (*PendingRepo)(nil)

// Config holds NATS connection configuration.
type Config struct {
	URL      string        `yaml:"url"`
	Bucket   string        `yaml:"bucket"`
	Replicas int           `yaml:"replicas"`
	Timeout  time.Duration `yaml:"timeout"`
}

// PendingRepo implements storage.PendingRepository on a JetStream KV bucket.
//
// Record ids have the form <hex(operation id)>.<uuid> and are used as keys
// directly, so an operation's records are listed with the filter
// <hex(operation id)>.* and a record can be deleted from its id alone.
type PendingRepo struct {
	nc     *gonats.Conn
	bucket jetstream.KeyValue
}

// Connect dials NATS and opens (or creates) the bucket.
func Connect(ctx context.Context, cfg Config) (*PendingRepo, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	nc, err := gonats.Connect(cfg.URL, gonats.Timeout(timeout), gonats.Name("retrier"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to open jetstream: %w", err)
	}

	bucket, err := openBucket(ctx, js, cfg)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return &PendingRepo{nc: nc, bucket: bucket}, nil
}

// NewPendingRepo wraps an existing bucket.
func NewPendingRepo(bucket jetstream.KeyValue) *PendingRepo {
	return &PendingRepo{bucket: bucket}
}

func openBucket(ctx context.Context, js jetstream.JetStream, cfg Config) (jetstream.KeyValue, error) {
	name := cfg.Bucket
	if name == "" {
		name = DefaultBucket
	}

	// Try to get existing bucket first
	bucket, err := js.KeyValue(ctx, name)
	if err == nil {
		return bucket, nil
	}
	if !errors.Is(err, jetstream.ErrBucketNotFound) {
		return nil, fmt.Errorf("failed to open kv bucket %s: %w", name, err)
	}

	replicas := max(cfg.Replicas, 1)
	bucket, err = js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: "retrier pending operations",
		History:     1,
		Replicas:    replicas,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kv bucket %s: %w", name, err)
	}
	return bucket, nil
}

// Close drains the connection opened by Connect.
func (r *PendingRepo) Close() error {
	if r.nc == nil {
		return nil
	}
	return r.nc.Drain()
}

// Ping checks the bucket is reachable.
func (r *PendingRepo) Ping(ctx context.Context) error {
	_, err := r.bucket.Status(ctx)
	return err
}

func keyPrefix(operationID string) string {
	return hex.EncodeToString([]byte(operationID))
}

func newKey(operationID string) string {
	return keyPrefix(operationID) + "." + uuid.NewString()
}

// Insert stores the record under a fresh key.
func (r *PendingRepo) Insert(ctx context.Context, rec *domain.PendingRecord) (string, error) {
	stored := rec.Clone()
	stored.ID = newKey(rec.OperationID)
	stored.CreatedAt = time.Now().UTC()

	data, err := json.Marshal(stored)
	if err != nil {
		return "", fmt.Errorf("failed to marshal pending operation: %w", err)
	}
	if _, err := r.bucket.Create(ctx, stored.ID, data); err != nil {
		return "", fmt.Errorf("kv create %s: %w", stored.ID, err)
	}

	rec.ID, rec.CreatedAt = stored.ID, stored.CreatedAt
	return stored.ID, nil
}

// DeleteByID removes a record. Unknown and malformed ids are ignored.
func (r *PendingRepo) DeleteByID(ctx context.Context, id string) error {
	if !strings.Contains(id, ".") {
		return nil
	}
	err := r.bucket.Delete(ctx, id)
	if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrInvalidKey) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("kv delete %s: %w", id, err)
	}
	return nil
}

// FindByOperationID returns the records of an operation id in insertion order.
func (r *PendingRepo) FindByOperationID(ctx context.Context, operationID string) ([]*domain.PendingRecord, error) {
	lister, err := r.bucket.ListKeysFiltered(ctx, keyPrefix(operationID)+".*")
	if err != nil {
		return nil, fmt.Errorf("kv list keys: %w", err)
	}
	defer func() { _ = lister.Stop() }()

	type entry struct {
		rec      *domain.PendingRecord
		revision uint64
	}
	var entries []entry
	for key := range lister.Keys() {
		kve, err := r.bucket.Get(ctx, key)
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			continue // deleted since listing
		}
		if err != nil {
			return nil, fmt.Errorf("kv get %s: %w", key, err)
		}

		var rec domain.PendingRecord
		if err := json.Unmarshal(kve.Value(), &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal pending operation %s: %w", key, err)
		}
		entries = append(entries, entry{rec: &rec, revision: kve.Revision()})
	}

	// revisions are stream sequences and follow insertion order
	slices.SortFunc(entries, func(a, b entry) int {
		return cmp.Compare(a.revision, b.revision)
	})

	recs := make([]*domain.PendingRecord, len(entries))
	for i, e := range entries {
		recs[i] = e.rec
	}
	return recs, nil
}
