// Package store is the per-node object store backend, spec §4.3: fixed 4 MiB
// data objects and VDI metadata objects addressed by a 64-bit oid, laid out
// one file per object under <dir>/objects, with epoch-stamped
// read/write checks and an in-memory per-oid lock.
/*
 * Copyright (c) 2024, sheepd authors. All rights reserved.
 */
package store

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	xxhash "github.com/OneOfOne/xxhash"
	"github.com/pkg/errors"
	cuckoo "github.com/seiflotfy/cuckoofilter"

	"github.com/sheepd/sheepd/sderr"
)

// ObjSize is the fixed granularity of a data object (spec §3).
const ObjSize = 4 << 20

const objDirName = "objects"

// lockBuckets controls how many striped per-oid mutexes guard concurrent
// writers; the spec requires only "at most one writer per object", not a
// map entry per oid, so a fixed hashed bucket array is enough (spec §4.3
// "hashed bucket").
const lockBuckets = 256

// Store is one node's local object store backend.
type Store struct {
	dir string

	locks [lockBuckets]sync.Mutex

	epoch atomic.Uint32 // this node's current in-memory epoch, spec §5

	mu     sync.RWMutex
	hint   *cuckoo.Filter // "probably exists locally" fast-path, refreshed by Rescan
	cap    capacitySampler
}

func Open(baseDir string) (*Store, error) {
	dir := filepath.Join(baseDir, objDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "store: mkdir")
	}
	s := &Store{dir: dir, hint: cuckoo.NewFilter(1 << 20)}
	if err := s.Rescan(); err != nil {
		return nil, err
	}
	s.cap.start(dir)
	return s, nil
}

func (s *Store) Close() { s.cap.stop() }

func (s *Store) SetEpoch(e uint32) { s.epoch.Store(e) }
func (s *Store) Epoch() uint32     { return s.epoch.Load() }

func (s *Store) path(oid uint64) string {
	return filepath.Join(s.dir, fmt.Sprintf("%016x", oid))
}

func (s *Store) stalePath(oid uint64, oldEpoch uint32) string {
	return filepath.Join(s.dir, fmt.Sprintf("%016x.stale.%08d", oid, oldEpoch))
}

func (s *Store) lockFor(oid uint64) *sync.Mutex {
	return &s.locks[oid%lockBuckets]
}

func oidKey(oid uint64) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], oid)
	return buf[:]
}

// checkEpoch implements spec §4.3's epoch check: requester behind local is
// old-node-ver, requester ahead is new-node-ver.
func (s *Store) checkEpoch(reqEpoch uint32) error {
	local := s.Epoch()
	switch {
	case reqEpoch < local:
		return sderr.Wrapf(sderr.OldNodeVer, "request epoch %d < local %d", reqEpoch, local)
	case reqEpoch > local:
		return sderr.Wrapf(sderr.NewNodeVer, "request epoch %d > local %d", reqEpoch, local)
	default:
		return nil
	}
}

// footerSize is the length of the small trailer appended after object
// payload, carrying a content checksum distinct from the FNV1A-64 placement
// hash, so reads can detect silent on-disk corruption.
const footerSize = 8

func writeFooter(f *os.File, data []byte) error {
	sum := xxhash.Checksum64(data)
	var buf [footerSize]byte
	binary.LittleEndian.PutUint64(buf[:], sum)
	_, err := f.Write(buf[:])
	return err
}

// WriteObj writes bytes at offset within the object, creating the file
// first when create is true (spec: "if create-flag set, use exclusive-create
// open; otherwise require existing file").
func (s *Store) WriteObj(oid uint64, offset int64, data []byte, reqEpoch uint32, create bool) error {
	if err := s.checkEpoch(reqEpoch); err != nil {
		return err
	}
	lock := s.lockFor(oid)
	lock.Lock()
	defer lock.Unlock()

	flags := os.O_RDWR
	p := s.path(oid)
	if create {
		flags |= os.O_CREATE | os.O_EXCL
	}
	f, err := os.OpenFile(p, flags, 0o644)
	if err != nil {
		if create && os.IsExist(err) {
			return sderr.Wrapf(sderr.VdiExists, "oid %x already exists", oid)
		}
		if !create && os.IsNotExist(err) {
			return sderr.Wrapf(sderr.NoObj, "oid %x not found", oid)
		}
		return errors.Wrapf(err, "store: open oid %x", oid)
	}
	defer f.Close()

	if create {
		if err := f.Truncate(ObjSize + footerSize); err != nil {
			return errors.Wrapf(err, "store: truncate oid %x", oid)
		}
	}
	if _, err := f.WriteAt(data, offset); err != nil {
		return sderr.Wrap(sderr.EIO, errors.Wrapf(err, "store: write oid %x", oid))
	}
	full := make([]byte, ObjSize)
	if _, err := f.ReadAt(full, 0); err != nil && err != io.EOF {
		return sderr.Wrap(sderr.EIO, errors.Wrapf(err, "store: checksum read oid %x", oid))
	}
	if _, err := f.Seek(ObjSize, io.SeekStart); err != nil {
		return errors.Wrap(err, "store: seek footer")
	}
	if err := writeFooter(f, full); err != nil {
		return errors.Wrapf(err, "store: write footer oid %x", oid)
	}
	if err := f.Sync(); err != nil {
		return sderr.Wrap(sderr.EIO, errors.Wrapf(err, "store: fsync oid %x", oid))
	}

	s.mu.Lock()
	s.hint.InsertUnique(oidKey(oid))
	s.mu.Unlock()
	return nil
}

// ReadObj reads n bytes at offset. The full object is checksummed
// against its footer first; a mismatch is surfaced as EIO rather than
// returning silently corrupted data (spec §4.3 "detect corruption
// independent of the wire CRC").
func (s *Store) ReadObj(oid uint64, offset int64, n int, reqEpoch uint32) ([]byte, error) {
	if err := s.checkEpoch(reqEpoch); err != nil {
		return nil, err
	}
	if !s.mightExist(oid) {
		return nil, sderr.Wrapf(sderr.NoObj, "oid %x not found", oid)
	}

	lock := s.lockFor(oid)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.Open(s.path(oid))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, sderr.Wrapf(sderr.NoObj, "oid %x not found", oid)
		}
		return nil, errors.Wrapf(err, "store: open oid %x", oid)
	}
	defer f.Close()

	if err := verifyFooter(f, oid); err != nil {
		return nil, err
	}

	buf := make([]byte, n)
	if _, err := f.ReadAt(buf, offset); err != nil && err != io.EOF {
		return nil, sderr.Wrap(sderr.EIO, errors.Wrapf(err, "store: read oid %x", oid))
	}
	return buf, nil
}

// verifyFooter recomputes the full object's xxhash and compares it against
// the footer writeFooter appended at ObjSize on the last WriteObj.
func verifyFooter(f *os.File, oid uint64) error {
	full := make([]byte, ObjSize)
	if _, err := f.ReadAt(full, 0); err != nil && err != io.EOF {
		return sderr.Wrap(sderr.EIO, errors.Wrapf(err, "store: checksum read oid %x", oid))
	}
	var footerBuf [footerSize]byte
	if _, err := f.ReadAt(footerBuf[:], ObjSize); err != nil {
		if err == io.EOF {
			return nil // pre-footer object, e.g. written before this check existed
		}
		return sderr.Wrap(sderr.EIO, errors.Wrapf(err, "store: footer read oid %x", oid))
	}
	want := binary.LittleEndian.Uint64(footerBuf[:])
	got := xxhash.Checksum64(full)
	if want != got {
		return sderr.Wrapf(sderr.EIO, "store: checksum mismatch oid %x: footer %x, computed %x", oid, want, got)
	}
	return nil
}

// mightExist consults the cuckoo-filter hint before touching disk; a
// negative is authoritative (the filter is rebuilt from a full directory
// scan on Rescan, and every write inserts into it), a positive still needs
// confirming on the rare false-positive path by the caller's stat/open.
func (s *Store) mightExist(oid uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hint.Lookup(oidKey(oid))
}

// RemoveObj unlinks oid's live copy outright, the client-facing REMOVE_OBJ
// opcode (spec §6) — distinct from RemoveStale, which only clears a copy
// already demoted by a recovery handoff.
func (s *Store) RemoveObj(oid uint64, reqEpoch uint32) error {
	if err := s.checkEpoch(reqEpoch); err != nil {
		return err
	}
	lock := s.lockFor(oid)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(s.path(oid)); err != nil {
		if os.IsNotExist(err) {
			return sderr.Wrapf(sderr.NoObj, "oid %x not found", oid)
		}
		return errors.Wrapf(err, "store: remove oid %x", oid)
	}
	s.mu.Lock()
	s.hint.Delete(oidKey(oid))
	s.mu.Unlock()
	return nil
}

// Exists checks authoritative on-disk presence, bypassing the hint filter,
// as used by recovery's "new owner has this already" check (spec §4.9).
func (s *Store) Exists(oid uint64) bool {
	_, err := os.Stat(s.path(oid))
	return err == nil
}

// Rescan rebuilds the existence hint filter from a directory walk, used at
// startup and after recovery sweeps.
func (s *Store) Rescan() error {
	filter := cuckoo.NewFilter(1 << 20)
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return errors.Wrap(err, "store: rescan readdir")
	}
	for _, e := range entries {
		if e.IsDir() || len(e.Name()) != 16 {
			continue
		}
		var oid uint64
		if _, err := fmt.Sscanf(e.Name(), "%016x", &oid); err != nil {
			continue
		}
		filter.InsertUnique(oidKey(oid))
	}
	s.mu.Lock()
	s.hint = filter
	s.mu.Unlock()
	return nil
}

// ListByRange returns every oid whose FNV1A-64 ring hash key (supplied by
// the caller via keyOf) falls within [lo, hi), used by recovery to find
// local objects affected by a ring change without scanning unrelated ones
// twice.
func (s *Store) ListByRange(lo, hi uint64, keyOf func(oid uint64) uint64) ([]uint64, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.Wrap(err, "store: list readdir")
	}
	var out []uint64
	for _, e := range entries {
		if e.IsDir() || len(e.Name()) != 16 {
			continue
		}
		var oid uint64
		if _, err := fmt.Sscanf(e.Name(), "%016x", &oid); err != nil {
			continue
		}
		k := keyOf(oid)
		if lo <= hi {
			if k >= lo && k < hi {
				out = append(out, oid)
			}
		} else if k >= lo || k < hi { // wrapped range
			out = append(out, oid)
		}
	}
	return out, nil
}

// MarkStale renames oid's file aside so it is no longer served locally but
// remains available as a handoff source until RemoveStale sweeps it
// (spec §4.9 step 1/3).
func (s *Store) MarkStale(oid uint64, oldEpoch uint32) error {
	lock := s.lockFor(oid)
	lock.Lock()
	defer lock.Unlock()
	if err := os.Rename(s.path(oid), s.stalePath(oid, oldEpoch)); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "store: mark stale oid %x", oid)
	}
	return nil
}

// RemoveStale unlinks a previously marked-stale object once handoff to its
// new owner has been confirmed.
func (s *Store) RemoveStale(oid uint64, oldEpoch uint32) error {
	if err := os.Remove(s.stalePath(oid, oldEpoch)); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "store: remove stale oid %x", oid)
	}
	s.mu.Lock()
	s.hint.Delete(oidKey(oid))
	s.mu.Unlock()
	return nil
}

// ReadStale reads an object that was stamped with oldEpoch, used by
// recovery pull sources serving a not-yet-retired copy (spec §4.9 step 2:
// "source must serve the object stamped with old-epoch").
func (s *Store) ReadStale(oid uint64, oldEpoch uint32) ([]byte, error) {
	lock := s.lockFor(oid)
	lock.Lock()
	defer lock.Unlock()
	data, err := os.ReadFile(s.stalePath(oid, oldEpoch))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, sderr.Wrapf(sderr.NoObj, "oid %x not present at epoch %d", oid, oldEpoch)
		}
		return nil, errors.Wrapf(err, "store: read stale oid %x", oid)
	}
	if len(data) < ObjSize {
		return nil, sderr.Wrap(sderr.EIO, errors.New("store: truncated stale object"))
	}
	return data[:ObjSize], nil
}

// NoSpace reports whether the node's capacity sampler has crossed the
// configured cap, driving the no-space result (spec §6 result codes).
func (s *Store) NoSpace(capBytes uint64) bool {
	if capBytes == 0 {
		return false
	}
	return s.cap.usedBytes() >= capBytes
}
