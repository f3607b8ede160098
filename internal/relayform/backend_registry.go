package relayform

import (
	"strings"
	"sync"
)

type RepositoryFactory func(dsn string) (Repository, error)
type SyncQueueFactory func(dsn string, capacity int) (SyncQueue, error)
type BlobStoreFactory func(dsn string) (BlobStore, error)

var backendFactoryRegistry = struct {
	mu           sync.RWMutex
	repositories map[string]RepositoryFactory
	syncQueues   map[string]SyncQueueFactory
	blobStores   map[string]BlobStoreFactory
}{
	repositories: map[string]RepositoryFactory{},
	syncQueues:   map[string]SyncQueueFactory{},
	blobStores:   map[string]BlobStoreFactory{},
}

// RegisterRepositoryFactory overrides or extends the schemes understood by
// BuildRepositoryFromDSN.
func RegisterRepositoryFactory(scheme string, factory RepositoryFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.repositories[scheme] = factory
}

func RegisterSyncQueueFactory(scheme string, factory SyncQueueFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.syncQueues[scheme] = factory
}

func RegisterBlobStoreFactory(scheme string, factory BlobStoreFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.blobStores[scheme] = factory
}

func lookupRepositoryFactory(scheme string) (RepositoryFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.repositories[scheme]
	return factory, ok
}

func lookupSyncQueueFactory(scheme string) (SyncQueueFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.syncQueues[scheme]
	return factory, ok
}

func lookupBlobStoreFactory(scheme string) (BlobStoreFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.blobStores[scheme]
	return factory, ok
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
