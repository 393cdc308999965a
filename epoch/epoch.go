// Package epoch persists the append-only sequence of cluster membership
// snapshots described in spec §4.2. One file per epoch, named by a
// zero-padded epoch number, holding a packed array of node records;
// ctime lives in a sibling file. Grounded on the teacher's "directory of
// small fixed-record files, fsync on close, scan for latest" idiom (mirrors
// how the object store itself lays out one file per oid, spec §4.3/§6).
/*
 * Copyright (c) 2024, sheepd authors. All rights reserved.
 */
package epoch

import (
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/pkg/errors"

	"github.com/sheepd/sheepd/ring"
	"github.com/sheepd/sheepd/sderr"
)

const (
	dirName      = "epoch"
	ctimeName    = "ctime"
	recordSize   = 16 + 2 + 4 + 4 // addr(16) + port(2) + zone(4) + nr_vnodes(4)
	epochNameFmt = "%08d"
)

// Log is the on-disk epoch store rooted at <dir>/epoch.
type Log struct {
	dir string
}

func Open(baseDir string) (*Log, error) {
	dir := filepath.Join(baseDir, dirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "epoch: mkdir")
	}
	return &Log{dir: dir}, nil
}

func (l *Log) path(e uint32) string {
	return filepath.Join(l.dir, fmt.Sprintf(epochNameFmt, e))
}

func encodeNode(n ring.Node) []byte {
	buf := make([]byte, recordSize)
	copy(buf[0:16], n.ID.Addr.To16())
	binary.LittleEndian.PutUint16(buf[16:18], n.ID.Port)
	binary.LittleEndian.PutUint32(buf[18:22], n.Zone)
	binary.LittleEndian.PutUint32(buf[22:26], uint32(n.NrVnodes))
	return buf
}

func decodeNode(buf []byte) ring.Node {
	addr := make(net.IP, 16)
	copy(addr, buf[0:16])
	return ring.Node{
		ID:       ring.NewNodeID(addr, binary.LittleEndian.Uint16(buf[16:18])),
		Zone:     binary.LittleEndian.Uint32(buf[18:22]),
		NrVnodes: int(binary.LittleEndian.Uint32(buf[22:26])),
	}
}

// Append writes epoch e's membership snapshot. Per invariant 3 in spec §3,
// callers must ensure entry e is durable before serving any I/O at epoch e.
func (l *Log) Append(e uint32, nodes []ring.Node) error {
	f, err := os.OpenFile(l.path(e), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrapf(err, "epoch: create epoch %d", e)
	}
	defer f.Close()

	sorted := make([]ring.Node, len(nodes))
	copy(sorted, nodes)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID.Cmp(sorted[j].ID) < 0 })

	for _, n := range sorted {
		if _, err := f.Write(encodeNode(n)); err != nil {
			return errors.Wrapf(err, "epoch: write epoch %d", e)
		}
	}
	return f.Sync()
}

// Read returns epoch e's membership snapshot. A size that is not a multiple
// of recordSize indicates a torn write; it is reported as "not present" so
// the caller retries rather than trusting a half-written epoch.
func (l *Log) Read(e uint32) ([]ring.Node, error) {
	data, err := os.ReadFile(l.path(e))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, sderr.Wrapf(sderr.InvalidEpoch, "epoch %d not present", e)
		}
		return nil, errors.Wrapf(err, "epoch: read epoch %d", e)
	}
	if len(data)%recordSize != 0 {
		return nil, sderr.Wrapf(sderr.InvalidEpoch, "epoch %d: torn write (%d bytes)", e, len(data))
	}
	n := len(data) / recordSize
	nodes := make([]ring.Node, n)
	for i := 0; i < n; i++ {
		nodes[i] = decodeNode(data[i*recordSize : (i+1)*recordSize])
	}
	return nodes, nil
}

// Latest scans the epoch directory for the largest numeric filename.
// Returns 0 ("not formatted", spec §3) if no epoch file exists.
func (l *Log) Latest() (uint32, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return 0, errors.Wrap(err, "epoch: readdir")
	}
	var best uint32
	var found bool
	for _, e := range entries {
		if e.IsDir() || e.Name() == ctimeName {
			continue
		}
		n, err := strconv.ParseUint(e.Name(), 10, 32)
		if err != nil {
			continue
		}
		if !found || uint32(n) > best {
			best = uint32(n)
			found = true
		}
	}
	return best, nil
}

// Remove deletes epoch e's snapshot file, used by callers trimming history.
func (l *Log) Remove(e uint32) error {
	if err := os.Remove(l.path(e)); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "epoch: remove epoch %d", e)
	}
	return nil
}

// SetCtime persists the cluster creation time once; invariant 4 in spec §3
// says it is immutable thereafter, so callers must check GetCtime first.
func (l *Log) SetCtime(ctime uint64) error {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, ctime)
	f, err := os.OpenFile(filepath.Join(l.dir, ctimeName), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrap(err, "epoch: create ctime")
	}
	defer f.Close()
	if _, err := f.Write(buf); err != nil {
		return errors.Wrap(err, "epoch: write ctime")
	}
	return f.Sync()
}

// GetCtime returns (0, false, nil) when the cluster has never been
// formatted.
func (l *Log) GetCtime() (uint64, bool, error) {
	data, err := os.ReadFile(filepath.Join(l.dir, ctimeName))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, errors.Wrap(err, "epoch: read ctime")
	}
	if len(data) < 8 {
		return 0, false, sderr.Wrapf(sderr.SystemError, "epoch: torn ctime file")
	}
	return binary.LittleEndian.Uint64(data), true, nil
}
