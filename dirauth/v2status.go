package dirauth

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/torrelay/dirauth/common"
)

// ErrV2ClockSkew is returned when a v2 status document's published_on is
// further than NetworkstatusAllowSkew in the future.
var ErrV2ClockSkew = errors.New("dirauth: v2 status published_on too far in the future")

// ErrV2Unrequested is returned when a v2 status arrives for an authority
// we did not ask for.
var ErrV2Unrequested = errors.New("dirauth: v2 status not requested")

// ErrV2NotNewer is returned when a replacement v2 status isn't strictly
// newer than the one already cached for that authority.
var ErrV2NotNewer = errors.New("dirauth: v2 status not newer than cached copy")

// V2NsSource tags where a v2 status document came from.
type V2NsSource uint8

const (
	V2FromCache V2NsSource = iota
	V2FromDirByFp
	V2FromDirAll
)

func (s V2NsSource) String() string {
	switch s {
	case V2FromCache:
		return "from-cache"
	case V2FromDirByFp:
		return "from-dir-by-fp"
	default:
		return "from-dir-all"
	}
}

// V2Status is one legacy per-authority status document.
type V2Status struct {
	Identity    common.Digest20 `json:"identity"`
	PublishedOn time.Time       `json:"published_on"`
	Body        []byte          `json:"body"`
}

// v2diskEnvelope is the on-disk JSON sidecar for a V2Status.
type v2diskEnvelope struct {
	PublishedOn time.Time `json:"published_on"`
	Body        []byte    `json:"body"`
}

// V2CacheOptions configures a V2Cache.
type V2CacheOptions struct {
	DataDir string
	Clock   Clock
	// IsCache marks this node as operating as a directory cache. Received
	// statuses are kept in memory either way; only a cache writes them to
	// cached-status/ and to Index.
	IsCache bool
	// Index, when set, is an optional durable index of published_on: Receive
	// puts into it and Sweep deletes from it. V2Cache never reads it back.
	Index StatusIndex
}

// V2Cache holds one document per trusted v2 authority, keyed by identity
// digest; Sorted lists them ordered by published_on.
type V2Cache struct {
	opts V2CacheOptions
	byID map[common.Digest20]*V2Status
}

func NewV2Cache(opts V2CacheOptions) *V2Cache {
	if opts.Clock == nil {
		opts.Clock = SystemClock
	}
	return &V2Cache{opts: opts, byID: make(map[common.Digest20]*V2Status)}
}

// Receive handles an inbound v2 status document: reject if clock-skew
// > 24h in future, reject if not requested, replace only if strictly
// newer published_on.
func (v *V2Cache) Receive(identity common.Digest20, publishedOn time.Time, body []byte, requested bool) error {
	now := v.opts.Clock.Now()
	if publishedOn.After(now.Add(NetworkstatusAllowSkew)) {
		log.Warn("v2 status clock skew", "identity", identity.Hex(), "published_on", publishedOn)
		return ErrV2ClockSkew
	}
	if !requested {
		return ErrV2Unrequested
	}
	if existing, ok := v.byID[identity]; ok && !publishedOn.After(existing.PublishedOn) {
		return ErrV2NotNewer
	}

	status := &V2Status{Identity: identity, PublishedOn: publishedOn, Body: body}
	v.byID[identity] = status

	if !v.opts.IsCache {
		return nil
	}
	if err := v.persist(status); err != nil {
		log.Warn("failed to persist v2 status", "identity", identity.Hex(), "err", err)
	}
	if v.opts.Index != nil {
		if err := v.opts.Index.Put(identity, publishedOn); err != nil {
			log.Warn("failed to update v2 status index", "identity", identity.Hex(), "err", err)
		}
	}
	return nil
}

func (v *V2Cache) persist(status *V2Status) error {
	if v.opts.DataDir == "" {
		return nil
	}
	dir := statusCacheDir(v.opts.DataDir)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	env := v2diskEnvelope{PublishedOn: status.PublishedOn, Body: status.Body}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(dir, status.Identity.Hex()), data)
}

// LoadStartup loads every cached v2 status file under DataDir/cached-status,
// skipping unreadable files with a warning rather than failing.
func (v *V2Cache) LoadStartup() {
	if v.opts.DataDir == "" {
		return
	}
	dir := statusCacheDir(v.opts.DataDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn("failed to list v2 status cache dir", "dir", dir, "err", err)
		}
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		identity, err := common.Digest20FromHex(e.Name())
		if err != nil {
			log.Warn("skipping malformed v2 status filename", "name", e.Name())
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			log.Warn("failed to read v2 status file", "name", e.Name(), "err", err)
			continue
		}
		var env v2diskEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Warn("failed to parse v2 status file", "name", e.Name(), "err", err)
			continue
		}
		v.byID[identity] = &V2Status{Identity: identity, PublishedOn: env.PublishedOn, Body: env.Body}
	}
}

// Get returns the cached status for identity, if any.
func (v *V2Cache) Get(identity common.Digest20) (*V2Status, bool) {
	s, ok := v.byID[identity]
	return s, ok
}

// Sweep enforces the cache's lifetime cap: remove any entry older than
// maxAge. Returns the removed identities.
func (v *V2Cache) Sweep(maxAge time.Duration) []common.Digest20 {
	now := v.opts.Clock.Now()
	var removed []common.Digest20
	for id, s := range v.byID {
		if now.Sub(s.PublishedOn) > maxAge {
			delete(v.byID, id)
			removed = append(removed, id)
			if v.opts.DataDir != "" {
				_ = os.Remove(filepath.Join(statusCacheDir(v.opts.DataDir), id.Hex()))
			}
			if v.opts.Index != nil {
				_ = v.opts.Index.Delete(id)
			}
		}
	}
	return removed
}

// Sorted returns every cached status ordered by published_on ascending,
// for deterministic iteration.
func (v *V2Cache) Sorted() []*V2Status {
	out := make([]*V2Status, 0, len(v.byID))
	for _, s := range v.byID {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PublishedOn.Before(out[j].PublishedOn) })
	return out
}

// Len reports the number of cached v2 statuses.
func (v *V2Cache) Len() int { return len(v.byID) }
