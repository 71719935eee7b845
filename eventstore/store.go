// Package eventstore persists relay events in BadgerDB.
//
// Layout:
//
//	ev/<id>                      event JSON
//	addr/<kind>:<pubkey>:<d>     id of the current event at an address
//	sw/<switch>/<id>             switch index, empty value
//
// Addressable events replace the older event at their address, so the store
// holds at most one event per address.
package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"
	"github.com/ruteri/guardian-switch/events"
	"github.com/sirupsen/logrus"
)

const (
	prefixEvent   = "ev/"
	prefixAddress = "addr/"
	prefixSwitch  = "sw/"
)

// StoreConfig configures the event store.
type StoreConfig struct {
	// Path is the database directory. Empty keeps the data in memory.
	Path string
	// Logger receives badger's internal logs.
	Logger     *logrus.Logger
	SyncWrites bool
}

// Store is a badger-backed event store.
type Store struct {
	db  *badger.DB
	log *slog.Logger
}

// Result of a Save.
type SaveResult int

const (
	Stored SaveResult = iota
	Duplicate
	Superseded
)

func (r SaveResult) String() string {
	switch r {
	case Stored:
		return "stored"
	case Duplicate:
		return "duplicate"
	case Superseded:
		return "superseded"
	default:
		return "unknown"
	}
}

// Open opens or creates the store.
func Open(cfg StoreConfig, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
		cfg.Logger.SetOutput(os.Stderr)
		cfg.Logger.SetLevel(logrus.WarnLevel)
	}

	opts := badger.DefaultOptions(cfg.Path)
	if cfg.Path == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = cfg.Logger
	opts.SyncWrites = cfg.SyncWrites
	opts.ValueLogFileSize = 64 << 20

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open event store: %w", err)
	}

	log.Info("Event store opened", slog.String("path", cfg.Path), slog.Bool("in_memory", cfg.Path == ""))
	return &Store{db: db, log: log}, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func eventKey(id string) []byte {
	return []byte(prefixEvent + id)
}

func addressKey(ev *events.Event) []byte {
	return []byte(prefixAddress + ev.AddressKey())
}

func switchKey(switchID, id string) []byte {
	return []byte(prefixSwitch + switchID + "/" + id)
}

// Save stores a verified event. An addressable event older than the one
// already held at its address is not stored.
func (s *Store) Save(ev *events.Event) (SaveResult, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("failed to encode event: %w", err)
	}

	result := Stored
	err = s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(eventKey(ev.ID)); err == nil {
			result = Duplicate
			return nil
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		if ev.IsAddressable() {
			current, err := getByAddress(txn, ev)
			if err != nil {
				return err
			}
			if current != nil {
				if !events.Supersedes(ev, current) {
					result = Superseded
					return nil
				}
				if err := deleteEvent(txn, current); err != nil {
					return err
				}
			}
			if err := txn.Set(addressKey(ev), []byte(ev.ID)); err != nil {
				return err
			}
		}

		if err := txn.Set(eventKey(ev.ID), data); err != nil {
			return err
		}
		for _, sw := range ev.Tags.Values(events.TagSwitch) {
			if err := txn.Set(switchKey(sw, ev.ID), nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to store event %s: %w", ev.ID, err)
	}
	return result, nil
}

func getByAddress(txn *badger.Txn, ev *events.Event) (*events.Event, error) {
	item, err := txn.Get(addressKey(ev))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	id, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	return getEvent(txn, string(id))
}

func getEvent(txn *badger.Txn, id string) (*events.Event, error) {
	item, err := txn.Get(eventKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ev events.Event
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &ev)
	})
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

func deleteEvent(txn *badger.Txn, ev *events.Event) error {
	if err := txn.Delete(eventKey(ev.ID)); err != nil {
		return err
	}
	for _, sw := range ev.Tags.Values(events.TagSwitch) {
		if err := txn.Delete(switchKey(sw, ev.ID)); err != nil {
			return err
		}
	}
	return nil
}

// Get returns one event by id.
func (s *Store) Get(id string) (*events.Event, error) {
	var ev *events.Event
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		ev, err = getEvent(txn, id)
		return err
	})
	return ev, err
}

// Query returns the events matching filter, newest first. Filters naming
// switches or ids use the indexes; anything else scans the store.
func (s *Store) Query(ctx context.Context, filter events.Filter) ([]*events.Event, error) {
	out := make([]*events.Event, 0)
	collect := func(ev *events.Event) {
		if ev != nil && filter.Matches(ev) {
			out = append(out, ev)
		}
	}

	err := s.db.View(func(txn *badger.Txn) error {
		switch {
		case len(filter.IDs) > 0:
			for _, id := range filter.IDs {
				ev, err := getEvent(txn, id)
				if err != nil {
					return err
				}
				collect(ev)
			}
			return nil

		case len(filter.Tags[events.TagSwitch]) > 0:
			seen := make(map[string]bool)
			for _, sw := range filter.Tags[events.TagSwitch] {
				ids, err := scanSwitch(ctx, txn, sw)
				if err != nil {
					return err
				}
				for _, id := range ids {
					if seen[id] {
						continue
					}
					seen[id] = true
					ev, err := getEvent(txn, id)
					if err != nil {
						return err
					}
					collect(ev)
				}
			}
			return nil

		default:
			return scanAll(ctx, txn, collect)
		}
	})
	if err != nil {
		return nil, err
	}

	events.SortNewestFirst(out)
	return filter.ApplyLimit(out), nil
}

func scanSwitch(ctx context.Context, txn *badger.Txn, switchID string) ([]string, error) {
	prefix := []byte(prefixSwitch + switchID + "/")
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix

	it := txn.NewIterator(opts)
	defer it.Close()

	var ids []string
	for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ids = append(ids, string(it.Item().Key()[len(prefix):]))
	}
	return ids, nil
}

func scanAll(ctx context.Context, txn *badger.Txn, collect func(*events.Event)) error {
	prefix := []byte(prefixEvent)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix

	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		var ev events.Event
		err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &ev)
		})
		if err != nil {
			continue
		}
		collect(&ev)
	}
	return nil
}

// Count returns the number of stored events.
func (s *Store) Count() (int, error) {
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(prefixEvent)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}
