package raffle

import (
	"encoding/binary"

	rbase "github.com/dedis/raffle/raffle/base"
	"go.dedis.ch/protobuf"
	"go.etcd.io/bbolt"
	"golang.org/x/xerrors"
)

// history keeps the settlements in a bbolt bucket, keyed by round.
type history struct {
	db     *bbolt.DB
	bucket []byte
}

func newHistory(db *bbolt.DB, bucket []byte) (*history, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	})
	if err != nil {
		return nil, xerrors.Errorf("creating bucket: %v", err)
	}
	return &history{db: db, bucket: bucket}, nil
}

func roundKey(round uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, round)
	return key
}

func (h *history) add(s *rbase.Settlement) error {
	buf, err := protobuf.Encode(s)
	if err != nil {
		return xerrors.Errorf("encoding settlement: %v", err)
	}
	return h.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(h.bucket).Put(roundKey(s.Round), buf)
	})
}

func (h *history) all() ([]*rbase.Settlement, error) {
	var all []*rbase.Settlement
	err := h.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(h.bucket).ForEach(func(k, v []byte) error {
			s := &rbase.Settlement{}
			if err := protobuf.Decode(v, s); err != nil {
				return xerrors.Errorf("decoding settlement %x: %v", k, err)
			}
			all = append(all, s)
			return nil
		})
	})
	return all, err
}
