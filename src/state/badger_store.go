package state

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/dgraph-io/badger"

	"github.com/verinet/verinet/src/proof"
	"github.com/verinet/verinet/src/trust"
	"github.com/verinet/verinet/src/work"
)

const (
	workerPrefix     = "worker"
	userPrefix       = "user"
	assignmentPrefix = "assignment"
	proofPrefix      = "proof"
	frontierKey      = "frontier"
	watermarkKey     = "watermark"
)

// BadgerStore persists the Store in a Badger database. All reads are served
// from an in-memory front; writes go through to disk.
type BadgerStore struct {
	*InmemStore

	db   *badger.DB
	path string
}

// NewBadgerStore creates a brand new store with a new database.
func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	opts.SyncWrites = false
	opts.Logger = nil

	handle, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	return &BadgerStore{
		InmemStore: NewInmemStore(),
		db:         handle,
		path:       path,
	}, nil
}

// LoadBadgerStore opens an existing database and loads its contents into
// the in-memory front.
func LoadBadgerStore(path string) (*BadgerStore, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}

	store, err := NewBadgerStore(path)
	if err != nil {
		return nil, err
	}

	if err := store.load(); err != nil {
		store.db.Close()
		return nil, err
	}

	return store, nil
}

// LoadOrCreateBadgerStore tries to load an existing database, and creates a
// new one if that fails.
func LoadOrCreateBadgerStore(path string) (*BadgerStore, error) {
	store, err := LoadBadgerStore(path)
	if err != nil {
		store, err = NewBadgerStore(path)
		if err != nil {
			return nil, err
		}
	}
	return store, nil
}

/* Keys */

func workerKey(id string) []byte {
	return []byte(fmt.Sprintf("%s_%s", workerPrefix, id))
}

func userKey(id string) []byte {
	return []byte(fmt.Sprintf("%s_%s", userPrefix, id))
}

func assignmentKey(id string) []byte {
	return []byte(fmt.Sprintf("%s_%s", assignmentPrefix, id))
}

func proofKey(id string) []byte {
	return []byte(fmt.Sprintf("%s_%s", proofPrefix, id))
}

/* Store overrides: write-through */

func (s *BadgerStore) SetWorker(stats *trust.WorkerStats) error {
	if err := s.InmemStore.SetWorker(stats); err != nil {
		return err
	}
	return s.dbSet(workerKey(stats.WorkerID), stats)
}

func (s *BadgerStore) SetUser(account *trust.UserAccount) error {
	if err := s.InmemStore.SetUser(account); err != nil {
		return err
	}
	return s.dbSet(userKey(account.UserID), account)
}

func (s *BadgerStore) SetAssignment(a *work.Assignment) error {
	if err := s.InmemStore.SetAssignment(a); err != nil {
		return err
	}
	return s.dbSet(assignmentKey(a.ID), a)
}

func (s *BadgerStore) SetProof(p *proof.SignedProof) error {
	if err := s.InmemStore.SetProof(p); err != nil {
		return err
	}
	return s.dbSet(proofKey(p.ID), p)
}

func (s *BadgerStore) SetFrontier(frontier uint64) error {
	if err := s.InmemStore.SetFrontier(frontier); err != nil {
		return err
	}
	return s.dbSet([]byte(frontierKey), frontier)
}

func (s *BadgerStore) SetWatermark(watermark uint64) error {
	if err := s.InmemStore.SetWatermark(watermark); err != nil {
		return err
	}
	return s.dbSet([]byte(watermarkKey), watermark)
}

// Close flushes and closes the underlying database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

/* DB helpers */

func (s *BadgerStore) dbSet(key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
}

// load reads the whole database into the in-memory front.
func (s *BadgerStore) load() error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := string(item.Key())

			data, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}

			if err := s.loadItem(key, data); err != nil {
				return fmt.Errorf("loading %s: %v", key, err)
			}
		}
		return nil
	})
}

func (s *BadgerStore) loadItem(key string, data []byte) error {
	switch {
	case key == frontierKey:
		var frontier uint64
		if err := json.Unmarshal(data, &frontier); err != nil {
			return err
		}
		return s.InmemStore.SetFrontier(frontier)

	case key == watermarkKey:
		var watermark uint64
		if err := json.Unmarshal(data, &watermark); err != nil {
			return err
		}
		return s.InmemStore.SetWatermark(watermark)

	case hasPrefix(key, workerPrefix):
		stats := new(trust.WorkerStats)
		if err := json.Unmarshal(data, stats); err != nil {
			return err
		}
		return s.InmemStore.SetWorker(stats)

	case hasPrefix(key, userPrefix):
		account := new(trust.UserAccount)
		if err := json.Unmarshal(data, account); err != nil {
			return err
		}
		return s.InmemStore.SetUser(account)

	case hasPrefix(key, assignmentPrefix):
		a := new(work.Assignment)
		if err := json.Unmarshal(data, a); err != nil {
			return err
		}
		return s.InmemStore.SetAssignment(a)

	case hasPrefix(key, proofPrefix):
		p := new(proof.SignedProof)
		if err := json.Unmarshal(data, p); err != nil {
			return err
		}
		return s.InmemStore.SetProof(p)
	}

	return nil
}

func hasPrefix(key, prefix string) bool {
	return len(key) > len(prefix)+1 && key[:len(prefix)+1] == prefix+"_"
}
