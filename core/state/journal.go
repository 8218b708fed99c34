package state

import (
	"errors"
	"fmt"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"invoicefi/storage"
)

var errJournalClosed = errors.New("state: journal closed")

// Journal stages writes against a backing database. Reads observe staged
// writes first. Commit flushes the staged writes in one atomic batch and
// returns an Undo holding the pre-image of every touched key so a committed
// transition can later be rolled back as a unit.
//
// A Journal is owned by a single writer; concurrent readers must use the
// committed view returned by View.
type Journal struct {
	mu      sync.Mutex
	db      storage.Database
	pending map[string]*entry
	order   []string
}

type entry struct {
	value   []byte
	deleted bool
}

// Undo captures pre-images of keys written by a committed transition.
type Undo struct {
	db     storage.Database
	images []preimage
}

type preimage struct {
	key    []byte
	value  []byte
	exists bool
}

// NewJournal wraps the provided database.
func NewJournal(db storage.Database) *Journal {
	return &Journal{db: db, pending: make(map[string]*entry)}
}

// Get returns the raw value stored under key, including staged writes.
func (j *Journal) Get(key []byte) ([]byte, bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.db == nil {
		return nil, false, errJournalClosed
	}
	if e, ok := j.pending[string(key)]; ok {
		if e.deleted {
			return nil, false, nil
		}
		return append([]byte(nil), e.value...), true, nil
	}
	return readDB(j.db, key)
}

// Put stages a raw write.
func (j *Journal) Put(key, value []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("state: key must not be empty")
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.stage(key, &entry{value: append([]byte(nil), value...)})
	return nil
}

// Delete stages the removal of key.
func (j *Journal) Delete(key []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("state: key must not be empty")
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.stage(key, &entry{deleted: true})
	return nil
}

func (j *Journal) stage(key []byte, e *entry) {
	k := string(key)
	if _, ok := j.pending[k]; !ok {
		j.order = append(j.order, k)
	}
	j.pending[k] = e
}

// KVPut RLP-encodes value and stages it under the hashed key.
func (j *Journal) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return j.Put(kvKey(key), encoded)
}

// KVGet decodes the value stored under key into out. The boolean reports
// whether the key existed.
func (j *Journal) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	data, ok, err := j.Get(kvKey(key))
	if err != nil || !ok {
		return false, err
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// KVDelete stages the removal of key.
func (j *Journal) KVDelete(key []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	return j.Delete(kvKey(key))
}

// Dirty reports whether writes are staged.
func (j *Journal) Dirty() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.order) > 0
}

// Discard drops every staged write.
func (j *Journal) Discard() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.reset()
}

func (j *Journal) reset() {
	j.pending = make(map[string]*entry)
	j.order = nil
}

// Commit atomically flushes staged writes to the database.
func (j *Journal) Commit() (*Undo, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.db == nil {
		return nil, errJournalClosed
	}
	undo := &Undo{db: j.db, images: make([]preimage, 0, len(j.order))}
	batch := j.db.NewBatch()
	for _, k := range j.order {
		key := []byte(k)
		prev, exists, err := readDB(j.db, key)
		if err != nil {
			return nil, err
		}
		undo.images = append(undo.images, preimage{key: key, value: prev, exists: exists})
		e := j.pending[k]
		if e.deleted {
			batch.Delete(key)
		} else {
			batch.Put(key, e.value)
		}
	}
	if batch.Len() > 0 {
		if err := batch.Write(); err != nil {
			return nil, fmt.Errorf("state: commit: %w", err)
		}
	}
	j.reset()
	return undo, nil
}

// Revert restores every pre-image captured by Commit in one atomic batch.
func (u *Undo) Revert() error {
	if u == nil || u.db == nil {
		return nil
	}
	batch := u.db.NewBatch()
	for i := len(u.images) - 1; i >= 0; i-- {
		img := u.images[i]
		if img.exists {
			batch.Put(img.key, img.value)
		} else {
			batch.Delete(img.key)
		}
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("state: revert: %w", err)
	}
	return nil
}

// View returns a read-only accessor over committed state only.
func (j *Journal) View() *View {
	return &View{db: j.db}
}

// View reads committed state and ignores staged writes.
type View struct {
	db storage.Database
}

// KVGet decodes a committed value.
func (v *View) KVGet(key []byte, out interface{}) (bool, error) {
	if v == nil || v.db == nil {
		return false, errJournalClosed
	}
	data, ok, err := readDB(v.db, kvKey(key))
	if err != nil || !ok {
		return false, err
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

func readDB(db storage.Database, key []byte) ([]byte, bool, error) {
	value, err := db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func kvKey(key []byte) []byte {
	return ethcrypto.Keccak256(key)
}
