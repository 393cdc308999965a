// Package vdi implements VDI (virtual disk image) metadata objects and id
// allocation, spec §3/§4.10, grounded on the Sheepdog C prototype's
// add_vdi/lookup_vdi contract (collie/collie.h: "add_vdi(buf, len, size,
// *added_oid, base_oid, tag, copies, flags)", "lookup_vdi(filename, *oid,
// tag, do_lock, *current)").
/*
 * Copyright (c) 2024, sheepd authors. All rights reserved.
 */
package vdi

import (
	"bytes"
	"time"

	"github.com/tinylib/msgp/msgp"
	"github.com/tidwall/buntdb"

	"github.com/sheepd/sheepd/ring"
	"github.com/sheepd/sheepd/sderr"
)

// MaxVDIProbeAttempts bounds the linear collision probe (spec §9: "specify
// the probe sequence and the maximum attempts, full-vdi on exhaustion").
const MaxVDIProbeAttempts = 1024

// Object is a fixed-shape VDI metadata record: name, size, parent, ctime,
// snap id, and the table of child data-object ids (spec §3 "VDI object").
type Object struct {
	ID       uint32
	Name     string
	Size     uint64
	ParentID uint32
	Ctime    uint64
	SnapID   uint32
	Children []uint64 // data-object id per fixed-size byte range
}

// HashName is the VDI name hash used as the starting point of the
// collision probe — the ring package's FNV1A-64 primitive, kept as the
// single hash implementation shared by placement and VDI allocation.
func HashName(name string) uint64 {
	return ring.Fnv1a64([]byte(name))
}

// Index is the persistent name/id allocation table. Grounded on the
// teacher's go.mod dependency tidwall/buntdb, an embeddable ACID key/value
// store well suited to the small, latency-sensitive lookups this index
// needs (spec §4.7 "VDI create: allocation is centralized ... serializes
// VDI id allocation") — this is the master node's local table, not
// replicated data; VDI *metadata objects* themselves still replicate
// through the normal object store path.
type Index struct {
	db *buntdb.DB
}

func OpenIndex(path string) (*Index, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, err
	}
	return &Index{db: db}, nil
}

func (ix *Index) Close() error { return ix.db.Close() }

// AllocateID runs the bounded linear probe from HashName(name) looking for
// a free 32-bit id, matching spec §9's "VDI id collision scan": start at
// hash32(name), scan forward at most MaxVDIProbeAttempts slots.
func (ix *Index) AllocateID(name string) (uint32, error) {
	start := uint32(HashName(name))
	var id uint32
	var found bool

	err := ix.db.View(func(tx *buntdb.Tx) error {
		for i := 0; i < MaxVDIProbeAttempts; i++ {
			cand := start + uint32(i)
			key := idKeyString(cand)
			if _, err := tx.Get(key); err == buntdb.ErrNotFound {
				id = cand
				found = true
				return nil
			} else if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, sderr.Wrapf(sderr.FullVdi, "vdi: no free id found for %q after %d probes", name, MaxVDIProbeAttempts)
	}
	return id, nil
}

// Reserve commits an allocated id -> name mapping, making it visible to
// subsequent AllocateID probes and name lookups.
func (ix *Index) Reserve(id uint32, name string) error {
	return ix.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(idKeyString(id), name, nil)
		if err != nil {
			return err
		}
		_, _, err = tx.Set(nameKeyString(name), idValueString(id), nil)
		return err
	})
}

// Lookup resolves a VDI name to its allocated id (collie.h's lookup_vdi).
func (ix *Index) Lookup(name string) (uint32, bool, error) {
	var id uint32
	var ok bool
	err := ix.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(nameKeyString(name))
		if err == buntdb.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		id = idValueParse(v)
		ok = true
		return nil
	})
	return id, ok, err
}

// Delete removes a VDI's id/name mapping and releases any lock it held.
// It touches no objects: the server's DEL_VDI handler removes only the
// local copy of the metadata object (oid equal to the id) on the deletion
// queue; the data objects the Children table points at are not removed.
func (ix *Index) Delete(id uint32, name string) error {
	return ix.db.Update(func(tx *buntdb.Tx) error {
		if _, err := tx.Delete(idKeyString(id)); err != nil && err != buntdb.ErrNotFound {
			return err
		}
		if _, err := tx.Delete(nameKeyString(name)); err != nil && err != buntdb.ErrNotFound {
			return err
		}
		if _, err := tx.Delete(lockKeyString(id)); err != nil && err != buntdb.ErrNotFound {
			return err
		}
		return nil
	})
}

// Entry is one row of a ReadVdis listing.
type Entry struct {
	ID   uint32
	Name string
}

// List returns every reserved VDI id/name pair, the READ_VDIS opcode's
// backing query (collie.h's parse_vdi, which walks the same index).
func (ix *Index) List() ([]Entry, error) {
	var out []Entry
	err := ix.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys("id:*", func(key, value string) bool {
			out = append(out, Entry{ID: idKeyToID(key), Name: value})
			return true
		})
	})
	return out, err
}

func idKeyToID(key string) uint32 {
	return idValueParse(key[len("id:"):])
}

// Lock acquires the VDI's exclusive lock for holder (spec §6 LOCK_VDI),
// rejecting with VdiLocked if another holder already has it. Re-locking by
// the same holder is idempotent.
func (ix *Index) Lock(id uint32, holder string) error {
	return ix.db.Update(func(tx *buntdb.Tx) error {
		key := lockKeyString(id)
		existing, err := tx.Get(key)
		if err != nil && err != buntdb.ErrNotFound {
			return err
		}
		if err == nil && existing != holder {
			return sderr.Wrapf(sderr.VdiLocked, "vdi: id %d locked by %q", id, existing)
		}
		_, _, err = tx.Set(key, holder, nil)
		return err
	})
}

// Release drops holder's lock on id (spec §6 RELEASE_VDI). Releasing a lock
// held by a different holder, or one that isn't held, is a no-op — the
// caller already lost the lock either way.
func (ix *Index) Release(id uint32, holder string) error {
	return ix.db.Update(func(tx *buntdb.Tx) error {
		key := lockKeyString(id)
		existing, err := tx.Get(key)
		if err == buntdb.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		if existing != holder {
			return nil
		}
		_, err = tx.Delete(key)
		return err
	})
}

func lockKeyString(id uint32) string { return "lock:" + idValueString(id) }

func idKeyString(id uint32) string   { return "id:" + idValueString(id) }
func nameKeyString(n string) string  { return "name:" + n }
func idValueString(id uint32) string { return msgpUint32String(id) }
func idValueParse(s string) uint32   { return msgpUint32Parse(s) }

// msgpUint32String/msgpUint32Parse encode the 32-bit id with
// tinylib/msgp's low-level Writer/Reader so the index's on-disk value
// format is the same compact binary shape used for the VDI child table
// below, rather than inventing a second ad hoc encoding.
func msgpUint32String(v uint32) string {
	var buf bytes.Buffer
	w := msgp.NewWriter(&buf)
	_ = w.WriteUint32(v)
	_ = w.Flush()
	return buf.String()
}

func msgpUint32Parse(s string) uint32 {
	r := msgp.NewReader(bytes.NewReader([]byte(s)))
	v, _ := r.ReadUint32()
	return v
}

// Marshal encodes a VDI Object with msgp's low-level Writer: a fixed-shape,
// generated-marshaler-free encoding (spec leaves the VDI record's internal
// byte layout unspecified beyond "fixed-size record").
func (o *Object) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	w := msgp.NewWriter(&buf)
	if err := w.WriteMapHeader(7); err != nil {
		return nil, err
	}
	fields := []struct {
		key string
		wr  func() error
	}{
		{"id", func() error { return w.WriteUint32(o.ID) }},
		{"name", func() error { return w.WriteString(o.Name) }},
		{"size", func() error { return w.WriteUint64(o.Size) }},
		{"parent", func() error { return w.WriteUint32(o.ParentID) }},
		{"ctime", func() error { return w.WriteUint64(o.Ctime) }},
		{"snap", func() error { return w.WriteUint32(o.SnapID) }},
		{"children", func() error {
			if err := w.WriteArrayHeader(uint32(len(o.Children))); err != nil {
				return err
			}
			for _, c := range o.Children {
				if err := w.WriteUint64(c); err != nil {
					return err
				}
			}
			return nil
		}},
	}
	for _, f := range fields {
		if err := w.WriteString(f.key); err != nil {
			return nil, err
		}
		if err := f.wr(); err != nil {
			return nil, err
		}
	}
	if err := w.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes an Object encoded by Marshal.
func Unmarshal(data []byte) (*Object, error) {
	r := msgp.NewReader(bytes.NewReader(data))
	n, err := r.ReadMapHeader()
	if err != nil {
		return nil, err
	}
	o := &Object{}
	for i := uint32(0); i < n; i++ {
		key, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		switch key {
		case "id":
			o.ID, err = r.ReadUint32()
		case "name":
			o.Name, err = r.ReadString()
		case "size":
			o.Size, err = r.ReadUint64()
		case "parent":
			o.ParentID, err = r.ReadUint32()
		case "ctime":
			o.Ctime, err = r.ReadUint64()
		case "snap":
			o.SnapID, err = r.ReadUint32()
		case "children":
			var cn uint32
			cn, err = r.ReadArrayHeader()
			if err != nil {
				return nil, err
			}
			o.Children = make([]uint64, cn)
			for j := uint32(0); j < cn; j++ {
				o.Children[j], err = r.ReadUint64()
				if err != nil {
					return nil, err
				}
			}
			continue
		default:
			err = r.Skip()
		}
		if err != nil {
			return nil, err
		}
	}
	return o, nil
}

// CopyOnWrite clones parent's child table into a fresh snapshot-child VDI
// object with the entry at rangeIdx replaced by newDataObj, never mutating
// parent — VDIs form an immutable snapshot chain (spec §3).
func CopyOnWrite(parent *Object, childID uint32, newDataObj uint64, rangeIdx int) *Object {
	children := make([]uint64, len(parent.Children))
	copy(children, parent.Children)
	if rangeIdx >= 0 && rangeIdx < len(children) {
		children[rangeIdx] = newDataObj
	}
	return &Object{
		ID:       childID,
		Name:     parent.Name,
		Size:     parent.Size,
		ParentID: parent.ID,
		Ctime:    uint64(time.Now().UnixNano()),
		SnapID:   parent.SnapID + 1,
		Children: children,
	}
}
