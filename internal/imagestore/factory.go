package imagestore

import (
	"fmt"

	"github.com/pressline/mediastage/pkg/config"
)

// StoreFactory creates object store instances based on configuration
type StoreFactory struct {
	config *config.StoreConfig
}

// NewStoreFactory creates a new store factory
func NewStoreFactory(config *config.StoreConfig) *StoreFactory {
	return &StoreFactory{config: config}
}

// CreateStore creates an object store instance based on the configured type
func (sf *StoreFactory) CreateStore() (ObjectStore, error) {
	switch sf.config.Type {
	case "local":
		return NewLocalStore(sf.config.LocalPath, sf.config.PublicBaseURL)
	case "remote":
		return NewRemoteStore(sf.config)
	default:
		return nil, fmt.Errorf("unsupported store type: %s", sf.config.Type)
	}
}
