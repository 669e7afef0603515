package partition_index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/danthegoodman1/tracelake/interval"
	"github.com/danthegoodman1/tracelake/part"
	"github.com/dgraph-io/badger/v4"
)

type (
	// BadgerPartitionIndex stores the catalog in an embedded BadgerDB,
	// for single-node deployments that don't run CRDB
	BadgerPartitionIndex struct {
		db *badger.DB
	}
)

func NewBadgerPartitionIndex(path string, inMemory bool) (*BadgerPartitionIndex, error) {
	opts := badger.DefaultOptions(path)
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.WithLogger(nil).WithNumVersionsToKeep(1)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("error in badger.Open: %w", err)
	}
	return &BadgerPartitionIndex{db: db}, nil
}

func partitionKeyPrefix(viewName, instanceID string, schemaVersion uint32) []byte {
	return []byte(fmt.Sprintf("p/%s/%s/v%d/", viewName, instanceID, schemaVersion))
}

func partitionKey(p part.Partition) []byte {
	return append(partitionKeyPrefix(p.ViewName, p.InstanceID, p.SchemaVersion), []byte(p.Fingerprint().Key())...)
}

func retiredKey(path string) []byte {
	return []byte("r/" + path)
}

func (bi *BadgerPartitionIndex) Find(_ context.Context, viewName, instanceID string, schemaVersion uint32, r interval.TimeRange) ([]part.Partition, error) {
	var out []part.Partition
	err := bi.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		prefix := partitionKeyPrefix(viewName, instanceID, schemaVersion)
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var p part.Partition
				if err := json.Unmarshal(val, &p); err != nil {
					return fmt.Errorf("error in json.Unmarshal: %w", err)
				}
				if !p.Active {
					return nil
				}
				if !r.IsZero() && !p.InsertRange().Overlaps(r) {
					return nil
				}
				out = append(out, p)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("error scanning partitions: %w", err)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].BeginInsertTime.Equal(out[j].BeginInsertTime) {
			return out[i].BeginInsertTime.Before(out[j].BeginInsertTime)
		}
		return out[i].Generation < out[j].Generation
	})
	return out, nil
}

func (bi *BadgerPartitionIndex) UpsertIfAbsent(_ context.Context, p part.Partition) (part.Partition, error) {
	p.Active = true
	committed := p
	for {
		err := bi.db.Update(func(txn *badger.Txn) error {
			key := partitionKey(p)
			item, err := txn.Get(key)
			if err == nil {
				var existing part.Partition
				if err := item.Value(func(val []byte) error {
					return json.Unmarshal(val, &existing)
				}); err != nil {
					return err
				}
				// an active row wins, a retired row is replaced
				if existing.Active {
					committed = existing
					return nil
				}
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("error in txn.Get: %w", err)
			}
			committed = p
			val, err := json.Marshal(p)
			if err != nil {
				return fmt.Errorf("error in json.Marshal: %w", err)
			}
			return txn.Set(key, val)
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		if err != nil {
			return part.Partition{}, fmt.Errorf("error committing partition: %w", err)
		}
		return committed, nil
	}
}

func (bi *BadgerPartitionIndex) Retire(_ context.Context, viewName, instanceID string, generation int32, r interval.TimeRange, expiry time.Time) (int, error) {
	count := 0
	for {
		count = 0
		err := bi.db.Update(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			// retirement applies across schema versions, scan the whole
			// view/instance portion
			prefix := []byte(fmt.Sprintf("p/%s/%s/", viewName, instanceID))
			opts.Prefix = prefix
			it := txn.NewIterator(opts)
			defer it.Close()

			type update struct {
				key []byte
				p   part.Partition
			}
			var updates []update
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				key := it.Item().KeyCopy(nil)
				var p part.Partition
				err := it.Item().Value(func(val []byte) error {
					return json.Unmarshal(val, &p)
				})
				if err != nil {
					return err
				}
				if !p.Active || p.Generation != generation {
					continue
				}
				if !r.ContainsRange(p.InsertRange()) {
					continue
				}
				p.Active = false
				updates = append(updates, update{key: key, p: p})
			}

			for _, u := range updates {
				val, err := json.Marshal(u.p)
				if err != nil {
					return fmt.Errorf("error in json.Marshal: %w", err)
				}
				if err := txn.Set(u.key, val); err != nil {
					return err
				}
				if !u.p.Empty() {
					rf, err := json.Marshal(RetiredFile{
						FilePath:  u.p.FilePath,
						FileSize:  u.p.FileSize,
						ExpiresAt: expiry,
					})
					if err != nil {
						return fmt.Errorf("error in json.Marshal: %w", err)
					}
					if err := txn.Set(retiredKey(u.p.FilePath), rf); err != nil {
						return err
					}
				}
				count++
			}
			return nil
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("error retiring partitions: %w", err)
		}
		return count, nil
	}
}

func (bi *BadgerPartitionIndex) ListRetired(_ context.Context, before time.Time) ([]RetiredFile, error) {
	var out []RetiredFile
	err := bi.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		prefix := []byte("r/")
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var f RetiredFile
				if err := json.Unmarshal(val, &f); err != nil {
					return fmt.Errorf("error in json.Unmarshal: %w", err)
				}
				if f.ExpiresAt.Before(before) {
					out = append(out, f)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("error scanning retired files: %w", err)
	}
	return out, nil
}

func (bi *BadgerPartitionIndex) RemoveRetired(_ context.Context, filePath string) error {
	err := bi.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(retiredKey(filePath))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("error removing retired file: %w", err)
	}
	return nil
}

func (bi *BadgerPartitionIndex) Shutdown(_ context.Context) error {
	return bi.db.Close()
}
