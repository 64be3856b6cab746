// Package store provides a small realtime document store: schemaless JSON
// documents organized into flat collections, each independently subscribable
// for live snapshot pushes. Documents are persisted in badger, either on disk
// or fully in memory.
//
// A collection is identified by a slash-separated prefix (for example
// "family/votes"); a document key is the collection prefix plus a final
// identifier segment. Subscribers receive the full collection contents
// immediately on subscribe and again after every write to that collection.
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// Document is a single record in a collection.
type Document struct {
	ID   string
	Data json.RawMessage
}

// Snapshot is the full contents of one collection at a point in time,
// ordered by document key.
type Snapshot []Document

// DocumentStore is the boundary consumed by the synchronizers. A nil
// DocumentStore means the store is disabled and callers degrade to
// local-only defaults.
type DocumentStore interface {
	// WriteDocument marshals payload to JSON and stores it under key.
	// The key's collection (everything before the final slash) is
	// re-snapshotted and pushed to its subscribers.
	WriteDocument(key string, payload any) error

	// AppendDocument stores payload under a store-assigned id within
	// collection and returns that id.
	AppendDocument(collection string, payload any) (string, error)

	// ReadDocument returns the raw payload stored under key, and whether
	// the document exists at all.
	ReadDocument(key string) (json.RawMessage, bool, error)

	// SubscribeToCollection registers onSnapshot for live pushes of the
	// named collection. The current snapshot is delivered immediately.
	// The returned func cancels the subscription and is safe to call
	// more than once.
	SubscribeToCollection(collection string, onSnapshot func(Snapshot), onError func(error)) (func(), error)
}

var errStoreClosed = errors.New("store closed")

const subscriberBuffer = 16

// subscriber delivers snapshots to a single listener through a buffered
// channel so slow listeners never stall writers or each other. Deliver and
// close are guarded the same way on both sides to keep a close racing an
// in-flight send from panicking.
type subscriber struct {
	ch     chan Snapshot
	mu     sync.RWMutex
	closed bool
}

func newSubscriber(onSnapshot func(Snapshot)) *subscriber {
	s := &subscriber{
		ch: make(chan Snapshot, subscriberBuffer),
	}

	go func() {
		for snap := range s.ch {
			onSnapshot(snap)
		}
	}()

	return s
}

func (s *subscriber) deliver(snap Snapshot) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return
	}

	s.ch <- snap
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	s.closed = true
	close(s.ch)
}

// Store is the badger-backed DocumentStore implementation.
type Store struct {
	db *badger.DB

	mu     sync.Mutex
	subs   map[string]map[int]*subscriber
	nextID int
	closed bool

	// pubMu serializes snapshot-then-deliver so each subscriber sees
	// snapshots in write order.
	pubMu sync.Mutex
}

// Open opens a store persisted under dataDir, or a purely in-memory store
// when dataDir is empty.
func Open(dataDir string) (*Store, error) {
	opts := badger.DefaultOptions(dataDir)
	opts = opts.WithLogger(nil)
	if dataDir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	return &Store{
		db:   db,
		subs: make(map[string]map[int]*subscriber),
	}, nil
}

// Close cancels every subscription and closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true

	for _, subs := range s.subs {
		for _, sub := range subs {
			sub.close()
		}
	}
	s.subs = make(map[string]map[int]*subscriber)
	s.mu.Unlock()

	return s.db.Close()
}

// collectionOf returns everything before the final slash of key.
func collectionOf(key string) string {
	idx := strings.LastIndex(key, "/")
	if idx < 0 {
		return ""
	}
	return key[:idx]
}

func (s *Store) WriteDocument(key string, payload any) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errStoreClosed
	}
	s.mu.Unlock()

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
	if err != nil {
		return err
	}

	s.publish(collectionOf(key))

	return nil
}

func (s *Store) AppendDocument(collection string, payload any) (string, error) {
	id := uuid.NewString()

	if err := s.WriteDocument(collection+"/"+id, payload); err != nil {
		return "", err
	}

	return id, nil
}

func (s *Store) ReadDocument(key string) (json.RawMessage, bool, error) {
	var data []byte

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	return data, true, nil
}

// snapshot reads the full contents of a collection. Only direct children
// are included; documents nested under a deeper prefix belong to their own
// collection.
func (s *Store) snapshot(collection string) (Snapshot, error) {
	prefix := []byte(collection + "/")

	var snap Snapshot

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()

			id := string(bytes.TrimPrefix(item.KeyCopy(nil), prefix))
			if strings.Contains(id, "/") {
				continue
			}

			data, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}

			snap = append(snap, Document{
				ID:   id,
				Data: data,
			})
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return snap, nil
}

// publish pushes a fresh snapshot of collection to its subscribers.
func (s *Store) publish(collection string) {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()

	s.mu.Lock()
	if s.closed || len(s.subs[collection]) == 0 {
		s.mu.Unlock()
		return
	}

	targets := make([]*subscriber, 0, len(s.subs[collection]))
	for _, sub := range s.subs[collection] {
		targets = append(targets, sub)
	}
	s.mu.Unlock()

	snap, err := s.snapshot(collection)
	if err != nil {
		return
	}

	for _, sub := range targets {
		sub.deliver(snap)
	}
}

func (s *Store) SubscribeToCollection(collection string, onSnapshot func(Snapshot), onError func(error)) (func(), error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errStoreClosed
	}

	sub := newSubscriber(onSnapshot)

	if s.subs[collection] == nil {
		s.subs[collection] = make(map[int]*subscriber)
	}
	s.nextID++
	id := s.nextID
	s.subs[collection][id] = sub
	s.mu.Unlock()

	// Initial snapshot, so subscribers always start from current state.
	// Taken under pubMu so a concurrent write cannot slip a newer snapshot
	// in ahead of this one.
	s.pubMu.Lock()
	snap, err := s.snapshot(collection)
	if err != nil {
		s.pubMu.Unlock()
		s.unsubscribe(collection, id)
		if onError != nil {
			onError(err)
		}
		return nil, err
	}
	sub.deliver(snap)
	s.pubMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.unsubscribe(collection, id)
		})
	}

	return cancel, nil
}

func (s *Store) unsubscribe(collection string, id int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[collection][id]
	if !ok {
		return
	}

	delete(s.subs[collection], id)
	if len(s.subs[collection]) == 0 {
		delete(s.subs, collection)
	}

	sub.close()
}
