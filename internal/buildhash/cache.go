package buildhash

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gofrs/flock"
	"github.com/klauspost/compress/zstd"
	"github.com/open-edge-platform/bhyze/internal/abuild"
	"github.com/open-edge-platform/bhyze/internal/diagerr"
	"github.com/open-edge-platform/bhyze/internal/utils/logger"
	"sigs.k8s.io/yaml"
)

const cacheFileSuffix = ".yaml.zst"

// Cache stores populated snapshots under Dir, one file per (build, limit).
// Entries are written once and never modified.
type Cache struct {
	Dir string
}

func NewCache(dir string) *Cache {
	return &Cache{Dir: dir}
}

// Path returns the cache file for build d collected with limit.
func (c *Cache) Path(d *abuild.Descriptor, limit int) string {
	l := "all"
	if limit > 0 {
		l = strconv.Itoa(limit)
	}
	return filepath.Join(c.Dir, fmt.Sprintf("id-%d_limit-%s%s", d.BuildID, l, cacheFileSuffix))
}

// Load returns the cached snapshot for (d, limit), or a new unpopulated
// snapshot when there is none. A cached entry recorded for a different
// descriptor is rejected.
func (c *Cache) Load(d *abuild.Descriptor, limit int) (*Snapshot, error) {
	log := logger.Logger()
	p := c.Path(d, limit)

	compressed, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Debugf("No cached snapshot at %s", p)
			return NewSnapshot(*d), nil
		}
		return nil, fmt.Errorf("reading cached snapshot %s: %w", p, err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	defer dec.Close()
	data, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing cached snapshot %s: %w", p, err)
	}

	snap := &Snapshot{}
	if err := yaml.Unmarshal(data, snap); err != nil {
		return nil, fmt.Errorf("decoding cached snapshot %s: %w", p, err)
	}
	if snap.Descriptor != *d {
		return nil, &diagerr.ValidationError{
			Msg: fmt.Sprintf("cached snapshot %s belongs to %s, expected %s", p, snap.Descriptor, d),
		}
	}
	if snap.Hashes == nil {
		snap.Hashes = map[string]Record{}
	}
	log.Infof("Loaded cached snapshot for build %d from %s", d.BuildID, p)
	return snap, nil
}

// Store persists a populated snapshot. If an entry for (snapshot, limit)
// already exists it is left untouched.
func (c *Cache) Store(s *Snapshot, limit int) error {
	log := logger.Logger()

	if !s.Populated {
		return fmt.Errorf("refusing to cache unpopulated snapshot for build %d", s.Descriptor.BuildID)
	}
	if err := s.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(c.Dir, 0755); err != nil {
		return fmt.Errorf("creating cache directory %s: %w", c.Dir, err)
	}

	p := c.Path(&s.Descriptor, limit)
	lock := flock.New(p + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("locking %s: %w", p, err)
	}
	defer lock.Unlock()

	if _, err := os.Stat(p); err == nil {
		log.Debugf("Snapshot %s already cached", p)
		return nil
	}

	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return fmt.Errorf("creating zstd encoder: %w", err)
	}
	compressed := enc.EncodeAll(data, nil)
	enc.Close()

	if err := writeFileAtomic(p, compressed); err != nil {
		return fmt.Errorf("writing snapshot %s: %w", p, err)
	}
	log.Infof("Cached snapshot for build %d at %s", s.Descriptor.BuildID, p)
	return nil
}

// writeFileAtomic writes into a temporary file next to p and renames it so
// readers never observe a partial entry.
func writeFileAtomic(p string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(p), filepath.Base(p)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, p)
}
