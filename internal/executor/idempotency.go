// Package executor implements the Kiosk Command Executor (§4.5): draining
// the Command Queue for one kiosk_id, actuating hardware through it, and
// recording terminal outcomes.
package executor

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/lockerfleet/locker-control/internal/store"
)

// cachedOutcome is what Cache persists for a command_id already driven to
// a terminal state, so a duplicate claim (dispatcher retried, process
// restarted mid-ack) can be answered without re-pulsing hardware.
type cachedOutcome struct {
	Status store.CommandStatus `json:"status"`
	Cause  string               `json:"cause,omitempty"`
}

// Cache is the durable, TTL-bounded recently-executed command_id LRU
// (§4.5 step 3: "defensive idempotency against duplicate dispatch"),
// keyed by command_id under an "exec:" prefix so the same badger
// database could hold other kiosk-local state without collision.
// Grounded on the teacher's BadgerStore idem: prefix + WithTTL pattern.
type Cache struct {
	db *badger.DB
}

// DefaultTTL bounds how long a terminal outcome stays defensively
// cached; commands don't stay claimable past their own terminal
// transition, so this only needs to outlive plausible redelivery windows.
const DefaultTTL = 24 * time.Hour

// OpenCache opens (or creates) the badger database at path.
func OpenCache(path string) (*Cache, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &Cache{db: db}, nil
}

func (c *Cache) Close() error { return c.db.Close() }

func execKey(commandID string) []byte {
	return []byte("exec:" + commandID)
}

// Get reports the cached terminal outcome for commandID, if any.
func (c *Cache) Get(commandID string) (status store.CommandStatus, cause string, found bool, err error) {
	err = c.db.View(func(txn *badger.Txn) error {
		item, gerr := txn.Get(execKey(commandID))
		if errors.Is(gerr, badger.ErrKeyNotFound) {
			return nil
		}
		if gerr != nil {
			return gerr
		}
		found = true
		return item.Value(func(val []byte) error {
			var out cachedOutcome
			if uerr := json.Unmarshal(val, &out); uerr != nil {
				return uerr
			}
			status, cause = out.Status, out.Cause
			return nil
		})
	})
	return status, cause, found, err
}

// Put records a terminal outcome for commandID with DefaultTTL.
func (c *Cache) Put(commandID string, status store.CommandStatus, cause string) error {
	buf, err := json.Marshal(cachedOutcome{Status: status, Cause: cause})
	if err != nil {
		return err
	}
	entry := badger.NewEntry(execKey(commandID), buf).WithTTL(DefaultTTL)
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(entry)
	})
}

// Clear drops every cached outcome, used on kiosk startup (§4.4: "clear
// its own in-memory idempotency cache") — the cache is durable across
// restarts for crash-redelivery protection, but a restart is exactly the
// recovery boundary where stale entries should not outlive the process
// that wrote them.
func (c *Cache) Clear() error {
	return c.db.DropPrefix([]byte("exec:"))
}
