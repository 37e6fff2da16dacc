package dirauth

import (
	"encoding/binary"
	"time"

	"github.com/syndtr/goleveldb/leveldb"

	"github.com/torrelay/dirauth/common"
)

// StatusIndex is the optional durable index over v2-status published_on
// timestamps. A narrow
// Get/Put/Delete surface rather than the full KeyValueStore interface,
// since the index only ever needs point lookups keyed by identity digest.
type StatusIndex interface {
	Put(identity common.Digest20, publishedOn time.Time) error
	Get(identity common.Digest20) (time.Time, bool, error)
	Delete(identity common.Digest20) error
	Close() error
}

// LevelDBStatusIndex backs StatusIndex with goleveldb. Used when Config.StatusIndexDB
// is set; otherwise the v2 cache relies solely on the plain files under
// cached-status/ and an in-memory map.
type LevelDBStatusIndex struct {
	db *leveldb.DB
}

// OpenLevelDBStatusIndex opens (creating if absent) a LevelDB database at
// path to back the v2 status index.
func OpenLevelDBStatusIndex(path string) (*LevelDBStatusIndex, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &LevelDBStatusIndex{db: db}, nil
}

func (l *LevelDBStatusIndex) Put(identity common.Digest20, publishedOn time.Time) error {
	var v [8]byte
	binary.BigEndian.PutUint64(v[:], uint64(publishedOn.Unix()))
	return l.db.Put(identity[:], v[:], nil)
}

func (l *LevelDBStatusIndex) Get(identity common.Digest20) (time.Time, bool, error) {
	v, err := l.db.Get(identity[:], nil)
	if err == leveldb.ErrNotFound {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	if len(v) != 8 {
		return time.Time{}, false, nil
	}
	return time.Unix(int64(binary.BigEndian.Uint64(v)), 0).UTC(), true, nil
}

func (l *LevelDBStatusIndex) Delete(identity common.Digest20) error {
	return l.db.Delete(identity[:], nil)
}

func (l *LevelDBStatusIndex) Close() error { return l.db.Close() }

var _ StatusIndex = (*LevelDBStatusIndex)(nil)
