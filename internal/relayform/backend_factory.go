package relayform

import (
	"fmt"
	"net/url"
	"strings"
)

// BuildRepositoryFromDSN returns an in-memory repository for an empty dsn.
func BuildRepositoryFromDSN(dsn string) (Repository, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryRepository(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupRepositoryFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryRepository(), nil
	case "postgres", "postgresql":
		return NewPostgresRepository(dsn)
	case "mysql", "sqlite":
		return nil, fmt.Errorf("%w: repository backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported repository scheme: %s", scheme)
	}
}

// BuildSyncQueueFromDSN returns nil for an empty dsn, meaning mirror
// synchronization runs inline.
func BuildSyncQueueFromDSN(dsn string, capacity int) (SyncQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupSyncQueueFactory(scheme); ok {
		return factory(dsn, capacity)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileSyncQueue(path, capacity)
	case "memory", "mem", "inmem":
		return NewInMemorySyncQueue(capacity), nil
	case "postgres", "postgresql":
		return NewPostgresSyncQueue(dsn, capacity)
	case "redis", "rediss":
		return NewRedisSyncQueue(dsn, capacity)
	case "nats", "sqs", "kafka":
		return nil, fmt.Errorf("%w: sync queue backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported sync queue scheme: %s", scheme)
	}
}

// BuildBlobStoreFromDSN returns an in-memory store for an empty dsn.
func BuildBlobStoreFromDSN(dsn string) (BlobStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryBlobStore(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupBlobStoreFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileBlobStore(path)
	case "memory", "mem", "inmem":
		return NewMemoryBlobStore(), nil
	case "s3", "minio":
		return NewS3BlobStoreFromDSN(dsn)
	default:
		return nil, fmt.Errorf("unsupported blob store scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
