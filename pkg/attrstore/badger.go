package attrstore

import (
	"context"
	"encoding/binary"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
)

// keyPrefix namespaces attribute records within a shared badger instance,
// the same prefix-plus-binary-id convention as the teacher's
// pkg/store/metadata/badger key helpers (keyFile, keyShare, ...).
const keyPrefix = "attr:"

func key(gfid uint64) []byte {
	buf := make([]byte, len(keyPrefix)+8)
	copy(buf, keyPrefix)
	binary.BigEndian.PutUint64(buf[len(keyPrefix):], gfid)
	return buf
}

// BadgerStore persists Attr records in a badger.DB.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadgerStore opens (creating if necessary) a badger database at dir.
func OpenBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("attrstore: open badger at %q: %w", dir, err)
	}
	return &BadgerStore{db: db}, nil
}

func encodeAttr(a Attr) []byte {
	buf := make([]byte, 8+8+4+1+8)
	binary.BigEndian.PutUint64(buf[0:8], a.GFID)
	binary.BigEndian.PutUint64(buf[8:16], a.Size)
	binary.BigEndian.PutUint32(buf[16:20], a.Mode)
	if a.Laminated {
		buf[20] = 1
	}
	binary.BigEndian.PutUint64(buf[21:29], uint64(a.MtimeNanos))
	return buf
}

func decodeAttr(buf []byte) (Attr, error) {
	if len(buf) < 29 {
		return Attr{}, fmt.Errorf("attrstore: record too short (%d bytes)", len(buf))
	}
	return Attr{
		GFID:       binary.BigEndian.Uint64(buf[0:8]),
		Size:       binary.BigEndian.Uint64(buf[8:16]),
		Mode:       binary.BigEndian.Uint32(buf[16:20]),
		Laminated:  buf[20] != 0,
		MtimeNanos: int64(binary.BigEndian.Uint64(buf[21:29])),
	}, nil
}

func (s *BadgerStore) Get(ctx context.Context, gfid uint64) (Attr, error) {
	if err := ctx.Err(); err != nil {
		return Attr{}, err
	}

	var a Attr
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(gfid))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			decoded, err := decodeAttr(val)
			if err != nil {
				return err
			}
			a = decoded
			return nil
		})
	})
	return a, err
}

func (s *BadgerStore) Set(ctx context.Context, attr Attr) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(attr.GFID), encodeAttr(attr))
	})
}

func (s *BadgerStore) Delete(ctx context.Context, gfid uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key(gfid))
	})
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
