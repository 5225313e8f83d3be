package storage

import (
	"fmt"

	"github.com/lgulliver/splice/pkg/config"
)

// StorageFactory creates storage instances based on configuration
type StorageFactory struct {
	config  *config.StorageConfig
	rootDir string
}

// NewStorageFactory creates a new storage factory rooted at rootDir
func NewStorageFactory(config *config.StorageConfig, rootDir string) *StorageFactory {
	return &StorageFactory{config: config, rootDir: rootDir}
}

// CreateStorage creates a storage instance based on the configured type
func (sf *StorageFactory) CreateStorage() (BlobStorage, error) {
	switch sf.config.Type {
	case "local", "":
		return NewLocalStorage(sf.rootDir)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", sf.config.Type)
	}
}
