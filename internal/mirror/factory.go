package mirror

import (
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/agentworkforce/relayform/internal/relayform"
)

type StoreFactory func(dsn string) (Store, error)

var storeFactories = struct {
	mu        sync.RWMutex
	factories map[string]StoreFactory
}{factories: map[string]StoreFactory{}}

func RegisterStoreFactory(scheme string, factory StoreFactory) {
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	if scheme == "" || factory == nil {
		return
	}
	storeFactories.mu.Lock()
	defer storeFactories.mu.Unlock()
	storeFactories.factories[scheme] = factory
}

func lookupStoreFactory(scheme string) (StoreFactory, bool) {
	storeFactories.mu.RLock()
	defer storeFactories.mu.RUnlock()
	factory, ok := storeFactories.factories[scheme]
	return factory, ok
}

// BuildStoreFromDSN returns an in-memory store for an empty dsn. MongoDB DSNs
// name the database in the path and may pick the collection with a
// "collection" query parameter, e.g.
// mongodb://localhost:27017/relayform?collection=instances.
func BuildStoreFromDSN(dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryStore(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupStoreFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryStore(), nil
	case "mongodb", "mongodb+srv":
		query := parsed.Query()
		collection := strings.TrimSpace(query.Get("collection"))
		query.Del("collection")
		parsed.RawQuery = query.Encode()
		database := strings.Trim(parsed.Path, "/")
		return NewMongoStore(parsed.String(), database, collection)
	case "elasticsearch", "couchdb":
		return nil, fmt.Errorf("%w: mirror store backend %s", relayform.ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported mirror store scheme: %s", scheme)
	}
}
