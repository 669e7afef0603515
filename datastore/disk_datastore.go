package datastore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

type (
	DiskDataStore struct {
		rootPath string
	}
)

func NewDiskDataStore(rootPath string) (*DiskDataStore, error) {
	if err := os.MkdirAll(rootPath, 0o755); err != nil {
		return nil, fmt.Errorf("error in os.MkdirAll: %w", err)
	}
	dds := &DiskDataStore{
		rootPath: rootPath,
	}

	return dds, nil
}

func (dds *DiskDataStore) Put(_ context.Context, path string, data []byte) error {
	full := filepath.Join(dds.rootPath, path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("error in os.MkdirAll: %w", err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return fmt.Errorf("error in os.WriteFile: %w", err)
	}
	return nil
}

func (dds *DiskDataStore) Get(_ context.Context, path string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(dds.rootPath, path))
	if err != nil {
		return nil, fmt.Errorf("error in os.ReadFile: %w", err)
	}
	return data, nil
}

func (dds *DiskDataStore) Delete(_ context.Context, path string) error {
	err := os.Remove(filepath.Join(dds.rootPath, path))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("error in os.Remove: %w", err)
	}
	return nil
}

func (dds *DiskDataStore) Shutdown(_ context.Context) error {
	return nil
}
