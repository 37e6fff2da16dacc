package dirauth

import (
	"bufio"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	mmap "github.com/edsrzf/mmap-go"

	"github.com/torrelay/dirauth/common"
)

// SavedLocation is a finite enum in place of an integer tag: where a
// Microdesc's body currently lives.
type SavedLocation uint8

const (
	Nowhere SavedLocation = iota
	InCache
	InJournal
)

func (s SavedLocation) String() string {
	switch s {
	case InCache:
		return "in-cache"
	case InJournal:
		return "in-journal"
	default:
		return "nowhere"
	}
}

// ErrFreeWhileHeld is the defensive-assert error returned when freeing a
// descriptor while either reference counter is still nonzero.
var ErrFreeWhileHeld = errors.New("dirauth: freed microdesc while still held")

// Microdesc is one cached microdescriptor.
type Microdesc struct {
	Digest     common.Digest32
	Body       []byte // owned slice, or a window into the mmap'd cache file
	BodyLen    int
	Offset     int64
	LastListed time.Time
	Saved      SavedLocation
	NoSave     bool // excluded from the next compaction write (e.g. test fixtures)

	heldInMap   bool
	heldByNodes int
}

func (m *Microdesc) HeldInMap() bool   { return m.heldInMap }
func (m *Microdesc) HeldByNodes() int  { return m.heldByNodes }

// AddItem is one parsed microdescriptor offered to MicrodescCache.Add.
type AddItem struct {
	Digest     common.Digest32
	Body       []byte
	LastListed time.Time
}

// AddStats summarizes one Add call.
type AddStats struct {
	NAdded       int
	NUpdated     int
	NRejected    int
	TotalLenSeen int64
	NSeen        int64
	BytesDropped int64
}

// MicrodescCacheOptions configures a MicrodescCache.
type MicrodescCacheOptions struct {
	DataDir      string
	SaveToJournal bool // false keeps new bodies in memory only
	NodeList     NodeList
	// HaveLiveMicrodescConsensus reports whether the currently installed
	// microdesc-flavored consensus is live, gating Clean.
	HaveLiveMicrodescConsensus func() bool
	// CurrentMicrodescConsensus returns the currently installed
	// microdesc-flavored consensus, or nil. When set, Add cross-references
	// every newly-added digest against it via Consensus.FindByDescriptor,
	// rejecting (as a protocol violation) anything the live consensus
	// doesn't actually list — independent of, and in addition to, the
	// caller-supplied requested-digest set.
	CurrentMicrodescConsensus func() *Consensus
}

// MicrodescCache is a hash-indexed store over an mmap'd main file plus an
// append-only journal, with periodic compaction.
type MicrodescCache struct {
	opts MicrodescCacheOptions

	byDigest map[common.Digest32]*Microdesc

	cachePath   string
	journalPath string

	cacheFile *os.File
	cacheMap  mmap.MMap
	cacheLen  int64

	journalFile *os.File
	journalLen  int64

	bytesDropped int64
	totalLenSeen int64
	nSeen        int64
}

// NewMicrodescCache opens (creating if absent) the cache and journal files
// under opts.DataDir and loads every surviving entry into memory.
func NewMicrodescCache(opts MicrodescCacheOptions) (*MicrodescCache, error) {
	c := &MicrodescCache{
		opts:     opts,
		byDigest: make(map[common.Digest32]*Microdesc),
	}
	if opts.DataDir == "" {
		return c, nil
	}
	if err := ensureDataDir(opts.DataDir); err != nil {
		return nil, err
	}
	c.cachePath = filepath.Join(opts.DataDir, fileCachedMicrodescs)
	c.journalPath = filepath.Join(opts.DataDir, fileCachedMicrodescsJournal)

	if err := c.openCacheFile(); err != nil {
		return nil, err
	}
	if err := c.openJournalFile(); err != nil {
		return nil, err
	}
	if err := c.loadCacheFile(); err != nil {
		log.Warn("failed to load microdesc cache, starting empty", "err", err)
	}
	if err := c.loadJournalFile(); err != nil {
		log.Warn("failed to load microdesc journal, starting empty", "err", err)
	}
	return c, nil
}

func (c *MicrodescCache) openCacheFile() error {
	f, err := os.OpenFile(c.cachePath, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return err
	}
	c.cacheFile = f
	return c.remapCacheFile()
}

// remapCacheFile (re)establishes the mmap over the current cache file
// contents. A zero-length file is left unmapped (mmap.Map rejects empty
// files on some platforms and there's nothing to read anyway).
func (c *MicrodescCache) remapCacheFile() error {
	if c.cacheMap != nil {
		if err := c.cacheMap.Unmap(); err != nil {
			return err
		}
		c.cacheMap = nil
	}
	info, err := c.cacheFile.Stat()
	if err != nil {
		return err
	}
	c.cacheLen = info.Size()
	if c.cacheLen == 0 {
		return nil
	}
	m, err := mmap.Map(c.cacheFile, mmap.RDWR, 0)
	if err != nil {
		return err
	}
	c.cacheMap = m
	return nil
}

func (c *MicrodescCache) openJournalFile() error {
	f, err := os.OpenFile(c.journalPath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	c.journalFile = f
	info, err := f.Stat()
	if err != nil {
		return err
	}
	c.journalLen = info.Size()
	return nil
}

// entry framing: an optional "@last-listed <RFC3339>\n" annotation line,
// then a 4-byte big-endian body length, then the raw body. This gives
// compaction a self-describing frame to walk without needing the document
// parser (the parser is an external collaborator and isn't consulted for
// cache maintenance), per the on-disk format recorded in DESIGN.md.
const annotationPrefix = "@last-listed "

func writeEntry(w *bufio.Writer, lastListed time.Time, body []byte) (int, error) {
	n := 0
	if !lastListed.IsZero() {
		line := annotationPrefix + lastListed.UTC().Format(time.RFC3339) + "\n"
		nn, err := w.WriteString(line)
		if err != nil {
			return n, err
		}
		n += nn
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	nn, err := w.Write(lenBuf[:])
	if err != nil {
		return n, err
	}
	n += nn
	nn, err = w.Write(body)
	n += nn
	return n, err
}

// readEntries walks data, invoking fn with (lastListed, bodyOffset, body)
// for each well-formed frame. Malformed trailing bytes (a torn last
// journal write) are logged and ignored, not fatal.
func readEntries(data []byte, fn func(lastListed time.Time, offset int64, body []byte)) {
	off := 0
	for off < len(data) {
		var lastListed time.Time
		if hasPrefixAt(data, off, annotationPrefix) {
			nl := indexByteFrom(data, off, '\n')
			if nl < 0 {
				log.Warn("truncated microdesc annotation, stopping scan", "offset", off)
				return
			}
			ts := string(data[off+len(annotationPrefix) : nl])
			if t, err := time.Parse(time.RFC3339, ts); err == nil {
				lastListed = t
			}
			off = nl + 1
		}
		if off+4 > len(data) {
			if off != len(data) {
				log.Warn("truncated microdesc length prefix, stopping scan", "offset", off)
			}
			return
		}
		bodyLen := int(binary.BigEndian.Uint32(data[off : off+4]))
		bodyOff := off + 4
		if bodyOff+bodyLen > len(data) {
			log.Warn("truncated microdesc body, stopping scan", "offset", off)
			return
		}
		fn(lastListed, int64(bodyOff), data[bodyOff:bodyOff+bodyLen])
		off = bodyOff + bodyLen
	}
}

func hasPrefixAt(data []byte, off int, prefix string) bool {
	if off+len(prefix) > len(data) {
		return false
	}
	return string(data[off:off+len(prefix)]) == prefix
}

func indexByteFrom(data []byte, from int, b byte) int {
	for i := from; i < len(data); i++ {
		if data[i] == b {
			return i
		}
	}
	return -1
}

func (c *MicrodescCache) loadCacheFile() error {
	if c.cacheMap == nil {
		return nil
	}
	readEntries(c.cacheMap, func(lastListed time.Time, offset int64, body []byte) {
		digest := sha256.Sum256(body)
		md := &Microdesc{
			Digest:     digest,
			Body:       body,
			BodyLen:    len(body),
			Offset:     offset,
			LastListed: lastListed,
			Saved:      InCache,
		}
		c.insertLoaded(md)
	})
	return nil
}

func (c *MicrodescCache) loadJournalFile() error {
	data, err := os.ReadFile(c.journalPath)
	if err != nil {
		return err
	}
	readEntries(data, func(lastListed time.Time, offset int64, body []byte) {
		digest := sha256.Sum256(body)
		owned := append([]byte(nil), body...)
		md := &Microdesc{
			Digest:     digest,
			Body:       owned,
			BodyLen:    len(owned),
			Offset:     offset,
			LastListed: lastListed,
			Saved:      InJournal,
		}
		c.insertLoaded(md)
	})
	return nil
}

func (c *MicrodescCache) insertLoaded(md *Microdesc) {
	if existing, ok := c.byDigest[md.Digest]; ok {
		if md.LastListed.After(existing.LastListed) {
			existing.LastListed = md.LastListed
		}
		return
	}
	md.heldInMap = true
	c.byDigest[md.Digest] = md
}

// Len returns the number of microdescriptors currently cached.
func (c *MicrodescCache) Len() int { return len(c.byDigest) }

// Lookup returns a borrowed reference to the cached Microdesc for digest.
func (c *MicrodescCache) Lookup(digest common.Digest32) (*Microdesc, bool) {
	md, ok := c.byDigest[digest]
	return md, ok
}

// IncRef / DecRef maintain held_by_nodes on behalf of the node list
// collaborator.
func (c *MicrodescCache) IncRef(digest common.Digest32) {
	if md, ok := c.byDigest[digest]; ok {
		md.heldByNodes++
	}
}

func (c *MicrodescCache) DecRef(digest common.Digest32) {
	if md, ok := c.byDigest[digest]; ok && md.heldByNodes > 0 {
		md.heldByNodes--
	}
}

// Add inserts newly-fetched microdescriptors into the cache. requested,
// if non-nil, is mutated:
// matched digests are removed from it and anything not in it is rejected
// as a protocol violation.
func (c *MicrodescCache) Add(now time.Time, items []AddItem, requested mapset.Set[common.Digest32]) AddStats {
	var stats AddStats
	microdescFlavored := c.opts.HaveLiveMicrodescConsensus != nil && c.opts.HaveLiveMicrodescConsensus()

	var liveConsensus *Consensus
	if c.opts.CurrentMicrodescConsensus != nil {
		liveConsensus = c.opts.CurrentMicrodescConsensus()
	}

	for _, item := range items {
		stats.TotalLenSeen += int64(len(item.Body))
		stats.NSeen++

		if requested != nil && !requested.Contains(item.Digest) {
			log.Warn("protocol violation: unrequested microdescriptor", "digest", item.Digest.Hex())
			stats.NRejected++
			continue
		}
		if requested != nil {
			requested.Remove(item.Digest)
		}
		if liveConsensus != nil {
			if _, ok := liveConsensus.FindByDescriptor(item.Digest[:]); !ok {
				log.Warn("protocol violation: microdescriptor not referenced by live consensus", "digest", item.Digest.Hex())
				stats.NRejected++
				continue
			}
		}

		lastListed := item.LastListed
		if lastListed.IsZero() {
			lastListed = now
		}

		if existing, ok := c.byDigest[item.Digest]; ok {
			if lastListed.After(existing.LastListed) {
				existing.LastListed = lastListed
			}
			stats.NUpdated++
			stats.BytesDropped += int64(len(item.Body))
			continue
		}

		md := &Microdesc{
			Digest:     item.Digest,
			BodyLen:    len(item.Body),
			LastListed: lastListed,
		}
		if c.opts.SaveToJournal && c.journalFile != nil {
			off, n, err := c.appendJournal(lastListed, item.Body)
			if err != nil {
				log.Warn("failed to append microdesc journal, keeping in memory", "err", err)
				md.Body = item.Body
				md.Saved = Nowhere
			} else {
				md.Body = item.Body
				md.Offset = off
				md.Saved = InJournal
				c.journalLen += int64(n)
			}
		} else {
			md.Body = item.Body
			md.Saved = Nowhere
		}
		md.heldInMap = true
		c.byDigest[item.Digest] = md
		stats.NAdded++

		if microdescFlavored && c.opts.NodeList != nil {
			c.opts.NodeList.AddMicrodesc(md)
		}
	}

	c.totalLenSeen += stats.TotalLenSeen
	c.nSeen += stats.NSeen
	c.bytesDropped += stats.BytesDropped
	return stats
}

func (c *MicrodescCache) appendJournal(lastListed time.Time, body []byte) (offset int64, n int, err error) {
	info, err := c.journalFile.Stat()
	if err != nil {
		return 0, 0, err
	}
	w := bufio.NewWriter(c.journalFile)
	annLen := 0
	if !lastListed.IsZero() {
		annLen = len(annotationPrefix + lastListed.UTC().Format(time.RFC3339) + "\n")
	}
	bodyOffset := info.Size() + int64(annLen) + 4
	n, err = writeEntry(w, lastListed, body)
	if err != nil {
		return 0, n, err
	}
	if err := w.Flush(); err != nil {
		return 0, n, err
	}
	return bodyOffset, n, nil
}

// Clean drops every cache entry whose LastListed is before cutoff; it does
// not consult any consensus. Returns the number of entries removed.
// Skipped entirely (returns 0) if there's no live microdesc consensus and
// force is false.
func (c *MicrodescCache) Clean(cutoff time.Time, force bool) int {
	if !force {
		if c.opts.HaveLiveMicrodescConsensus == nil || !c.opts.HaveLiveMicrodescConsensus() {
			return 0
		}
	}
	removed := 0
	for digest, md := range c.byDigest {
		if md.LastListed.Before(cutoff) {
			if md.heldByNodes != 0 {
				log.Error("dropping microdesc still held by nodes", "digest", digest.Hex(), "held_by_nodes", md.heldByNodes)
			}
			c.bytesDropped += int64(md.BodyLen)
			md.heldInMap = false
			delete(c.byDigest, digest)
			removed++
		}
	}
	return removed
}

// ShouldRebuild reports whether the journal or dropped-bytes count has
// grown enough to justify a compaction pass.
func (c *MicrodescCache) ShouldRebuild(force bool) bool {
	if force {
		return true
	}
	if c.journalLen < journalRebuildThreshold {
		return false
	}
	total := c.journalLen + c.cacheLen
	if c.bytesDropped > total/3 {
		return true
	}
	if c.journalLen > c.cacheLen/2 {
		return true
	}
	return false
}

// Rebuild compacts the cache: clean, write a
// replacement cache file containing every surviving, non-NoSave entry,
// atomically swap it in, remap, rebind every body pointer, and reset the
// journal.
func (c *MicrodescCache) Rebuild(now time.Time, cutoff time.Time, force bool) error {
	c.Clean(cutoff, force)

	if c.cachePath == "" {
		// In-memory only (no DataDir): just reset counters.
		c.bytesDropped = 0
		return nil
	}

	tmpPath := c.cachePath + ".tmp-rebuild"
	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("dirauth: open rebuild file: %w", err)
	}
	w := bufio.NewWriter(tmp)

	type pending struct {
		md     *Microdesc
		offset int64
	}
	var writes []pending
	var offset int64
	for _, md := range c.byDigest {
		if md.NoSave {
			continue
		}
		annLen := 0
		if !md.LastListed.IsZero() {
			annLen = len(annotationPrefix + md.LastListed.UTC().Format(time.RFC3339) + "\n")
		}
		bodyOffset := offset + int64(annLen) + 4
		n, err := writeEntry(w, md.LastListed, md.Body)
		if err != nil {
			w.Flush()
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("dirauth: write rebuild entry: %w", err)
		}
		writes = append(writes, pending{md, bodyOffset})
		offset += int64(n)
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	tmp.Close()

	if c.cacheMap != nil {
		if err := c.cacheMap.Unmap(); err != nil {
			return err
		}
		c.cacheMap = nil
	}
	if c.cacheFile != nil {
		c.cacheFile.Close()
	}
	if err := os.Rename(tmpPath, c.cachePath); err != nil {
		return fmt.Errorf("dirauth: rename rebuild file: %w", err)
	}

	f, err := os.OpenFile(c.cachePath, os.O_RDWR, 0o600)
	if err != nil {
		return err
	}
	c.cacheFile = f
	if err := c.remapCacheFile(); err != nil {
		return err
	}

	for _, p := range writes {
		p.md.Offset = p.offset
		p.md.Saved = InCache
		if c.cacheMap != nil {
			p.md.Body = c.cacheMap[p.offset : p.offset+int64(p.md.BodyLen)]
		}
	}

	if c.journalFile != nil {
		c.journalFile.Close()
	}
	jf, err := os.OpenFile(c.journalPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	c.journalFile = jf
	c.journalLen = 0
	c.bytesDropped = 0
	return nil
}

// MissingList returns the ordered list of
// digests referenced by a microdesc-flavored consensus that are absent
// from the cache, download-ready, not in skip, and not all-zero.
func (c *MicrodescCache) MissingList(digests []common.Digest32, dlReady func(common.Digest32) bool, skip mapset.Set[common.Digest32]) []common.Digest32 {
	var out []common.Digest32
	for _, d := range digests {
		if d == (common.Digest32{}) {
			continue
		}
		if _, ok := c.byDigest[d]; ok {
			continue
		}
		if skip != nil && skip.Contains(d) {
			continue
		}
		if dlReady != nil && !dlReady(d) {
			continue
		}
		out = append(out, d)
	}
	return out
}

// Stats exposes the running counters.
func (c *MicrodescCache) Stats() (totalLenSeen, nSeen, bytesDropped, journalLen, cacheLen int64) {
	return c.totalLenSeen, c.nSeen, c.bytesDropped, c.journalLen, c.cacheLen
}

// Close releases the mmap and file handles.
func (c *MicrodescCache) Close() error {
	if c.cacheMap != nil {
		if err := c.cacheMap.Unmap(); err != nil {
			return err
		}
		c.cacheMap = nil
	}
	if c.cacheFile != nil {
		if err := c.cacheFile.Close(); err != nil {
			return err
		}
	}
	if c.journalFile != nil {
		return c.journalFile.Close()
	}
	return nil
}
