package netdb

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-i2p/common/base64"
	"github.com/rs/zerolog/log"
)

const (
	// saveInterval is how often save_updated runs (spec §4.D).
	saveInterval = 60 * time.Second
	// introducerStaleAge marks an introducer-dependent router
	// unreachable once its last update is older than this.
	introducerStaleAge = time.Hour
	// generalStaleAge marks any router unreachable once the total
	// router count exceeds largeNetworkThreshold and its last update
	// predates this age.
	generalStaleAge        = 72 * time.Hour
	largeNetworkThreshold  = 300
	routerInfoFilePrefix   = "routerInfo-"
	routerInfoFileSuffix   = ".dat"
	shardDirPrefix         = "r"
)

// shardChar returns the sharding character for hash: the first
// character of its I2P-alphabet base64 encoding.
func shardChar(hash IdentityHash) byte {
	enc := base64.EncodeToString(hash[:])
	if len(enc) == 0 {
		return 'A'
	}
	return enc[0]
}

// recordPath returns the on-disk path for hash under dir.
func recordPath(dir string, hash IdentityHash) string {
	enc := base64.EncodeToString(hash[:])
	shard := string(shardChar(hash))
	return filepath.Join(dir, shardDirPrefix+shard, routerInfoFilePrefix+enc+routerInfoFileSuffix)
}

// Load walks dir/r<c>/routerInfo-*.dat across the 64 shard directories
// and populates s with every record found, dropping records that use an
// introducer and whose file is older than introducerStaleAge (spec
// §4.D). Reachability is not read from disk or reported by the
// DescriptorDecoder, so no record is dropped as unreachable here.
func (s *Store) Load(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("netdb: read data dir: %w", err)
	}

	now := time.Now()
	loaded := 0
	for _, shardEntry := range entries {
		if !shardEntry.IsDir() || !strings.HasPrefix(shardEntry.Name(), shardDirPrefix) {
			continue
		}
		shardDir := filepath.Join(dir, shardEntry.Name())
		files, err := os.ReadDir(shardDir)
		if err != nil {
			log.Warn().Err(err).Str("dir", shardDir).Msg("netdb: failed to read shard directory")
			continue
		}
		for _, f := range files {
			if f.IsDir() || !strings.HasPrefix(f.Name(), routerInfoFilePrefix) {
				continue
			}
			hash, ok := hashFromFilename(f.Name())
			if !ok {
				continue
			}
			path := filepath.Join(shardDir, f.Name())
			buf, err := os.ReadFile(path)
			if err != nil {
				log.Warn().Err(err).Str("path", path).Msg("netdb: failed to read router record")
				continue
			}

			var floodfill, usesIntroducer bool
			if s.decode != nil {
				floodfill, usesIntroducer = s.decode(buf)
			}
			record := NewRouterRecord(hash, buf, fileTimestampMs(path, now), floodfill, usesIntroducer)
			if usesIntroducer && time.Since(epochMsToTime(record.LastUpdateTimestamp())) > introducerStaleAge {
				continue
			}

			s.routerMu.Lock()
			s.routers[hash] = record
			s.routerMu.Unlock()
			if floodfill {
				s.floodfillMu.Lock()
				s.floodfills = append(s.floodfills, record)
				s.floodfillMu.Unlock()
			}
			loaded++
		}
	}

	log.Info().Int("count", loaded).Str("dir", dir).Msg("netdb: loaded router records from disk")
	return nil
}

// SaveUpdated writes every record whose dirty flag is set, clears the
// flag, drops its in-memory buffer, and evicts stale routers per spec
// §4.D's thresholds.
func (s *Store) SaveUpdated(dir string) error {
	routers := s.AllRouters()
	now := time.Now()
	total := len(routers)

	for _, r := range routers {
		if r.Updated() {
			if err := writeRecord(dir, r); err != nil {
				log.Warn().Err(err).Str("hash", r.Identity.String()).Msg("netdb: failed to persist router record")
			} else {
				r.ClearUpdated()
				r.DropBuffer()
			}
		}

		age := now.Sub(epochMsToTime(r.LastUpdateTimestamp()))
		stale := (r.UsesIntroducer() && age > introducerStaleAge) ||
			(total > largeNetworkThreshold && age > generalStaleAge)
		if stale && !r.IsUnreachable() {
			r.MarkUnreachable()
		}

		if r.IsUnreachable() {
			_ = os.Remove(recordPath(dir, r.Identity))
			s.RemoveRouter(r.Identity)
		}
	}
	return nil
}

func writeRecord(dir string, r *RouterRecord) error {
	path := recordPath(dir, r.Identity)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, r.RawBuffer(), 0o600)
}

func hashFromFilename(name string) (IdentityHash, bool) {
	base := strings.TrimSuffix(strings.TrimPrefix(name, routerInfoFilePrefix), routerInfoFileSuffix)
	decoded, err := base64.DecodeString(base)
	if err != nil {
		return IdentityHash{}, false
	}
	return HashFromBytes(decoded)
}

func fileTimestampMs(path string, fallback time.Time) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return fallback.UnixMilli()
	}
	return info.ModTime().UnixMilli()
}

func epochMsToTime(ms int64) time.Time {
	return time.UnixMilli(ms)
}
