package dirauth

import (
	"os"
	"path/filepath"
)

// Disk paths relative to DataDirectory.
const (
	fileCachedConsensus           = "cached-consensus"
	fileCachedMicrodescConsensus  = "cached-microdesc-consensus"
	fileUnverifiedConsensus       = "unverified-consensus"
	fileUnverifiedMicrodescCons   = "unverified-microdesc-consensus"
	fileCachedMicrodescs          = "cached-microdescs"
	fileCachedMicrodescsJournal   = "cached-microdescs.new"
	dirCachedStatus               = "cached-status"
)

func cachedConsensusPath(flavor Flavor) string {
	if flavor == FlavorMicrodesc {
		return fileCachedMicrodescConsensus
	}
	return fileCachedConsensus
}

func unverifiedConsensusPath(flavor Flavor) string {
	if flavor == FlavorMicrodesc {
		return fileUnverifiedMicrodescCons
	}
	return fileUnverifiedConsensus
}

// writeFileAtomic writes data to path by first writing to a temp file in
// the same directory then renaming over the destination, so a crash never
// leaves a half-written cache file.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

func (s *Store) persistCurrent(flavor Flavor, raw []byte) error {
	if s.opts.DataDir == "" {
		return nil
	}
	return writeFileAtomic(filepath.Join(s.opts.DataDir, cachedConsensusPath(flavor)), raw)
}

func (s *Store) persistUnverified(flavor Flavor, raw []byte) error {
	if s.opts.DataDir == "" {
		return nil
	}
	return writeFileAtomic(filepath.Join(s.opts.DataDir, unverifiedConsensusPath(flavor)), raw)
}

func (s *Store) deleteUnverified(flavor Flavor) error {
	if s.opts.DataDir == "" {
		return nil
	}
	err := os.Remove(filepath.Join(s.opts.DataDir, unverifiedConsensusPath(flavor)))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// LoadStartup loads each on-disk cache and any unverified file present,
// logging and continuing past any single unreadable file rather than
// failing startup.
func (s *Store) LoadStartup(fallbackPath string) {
	if s.opts.DataDir == "" {
		return
	}
	for _, flavor := range []Flavor{FlavorNS, FlavorMicrodesc} {
		s.loadOneOnStartup(flavor, cachedConsensusPath(flavor), SetCurrentFlags{FromCache: true})
		s.loadOneOnStartup(flavor, unverifiedConsensusPath(flavor), SetCurrentFlags{FromCache: true, WasWaitingForCerts: true})
	}
	s.maybeLoadFallback(fallbackPath)
}

func (s *Store) loadOneOnStartup(flavor Flavor, relPath string, flags SetCurrentFlags) {
	full := filepath.Join(s.opts.DataDir, relPath)
	data, err := os.ReadFile(full)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn("failed to read cache file on startup", "path", full, "err", err)
		}
		return
	}
	if err := s.SetCurrent(data, flavor, flags); err != nil {
		log.Warn("failed to install cached consensus on startup", "path", full, "err", err)
	}
}

// maybeLoadFallback loads a bundled fallback consensus, but only if no
// cached consensus exists, or the fallback file's mtime is newer than the
// cached consensus's valid_after.
func (s *Store) maybeLoadFallback(fallbackPath string) {
	if fallbackPath == "" {
		return
	}
	info, err := os.Stat(fallbackPath)
	if err != nil {
		return
	}
	cur := s.current[s.opts.UsableFlavor]
	if cur != nil && !info.ModTime().After(cur.ValidAfter) {
		return
	}
	data, err := os.ReadFile(fallbackPath)
	if err != nil {
		log.Warn("failed to read fallback consensus", "path", fallbackPath, "err", err)
		return
	}
	if err := s.SetCurrent(data, s.opts.UsableFlavor, SetCurrentFlags{FromCache: true, AcceptObsolete: true}); err != nil {
		log.Warn("failed to install fallback consensus", "err", err)
	}
}

func ensureDataDir(dir string) error {
	if dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o700)
}

func statusCacheDir(dataDir string) string {
	return filepath.Join(dataDir, dirCachedStatus)
}
