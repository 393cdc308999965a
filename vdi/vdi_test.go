package vdi

import (
	"path/filepath"
	"testing"
)

func openTestIndex(t *testing.T) *Index {
	t.Helper()
	ix, err := OpenIndex(filepath.Join(t.TempDir(), "vdi.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ix.Close() })
	return ix
}

func TestAllocateReserveLookup(t *testing.T) {
	ix := openTestIndex(t)

	id, err := ix.AllocateID("disk0")
	if err != nil {
		t.Fatal(err)
	}
	if err := ix.Reserve(id, "disk0"); err != nil {
		t.Fatal(err)
	}
	got, ok, err := ix.Lookup("disk0")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || got != id {
		t.Fatalf("expected lookup to return id %d, got %d ok=%v", id, got, ok)
	}
}

func TestAllocateProbesPastCollision(t *testing.T) {
	ix := openTestIndex(t)

	id1, err := ix.AllocateID("diskA")
	if err != nil {
		t.Fatal(err)
	}
	if err := ix.Reserve(id1, "diskA"); err != nil {
		t.Fatal(err)
	}
	// A name hashing to the same starting slot must probe forward to a
	// free id rather than colliding (simulated here by reserving the
	// exact start-of-probe slot for a second name and checking it still
	// gets a distinct id).
	startB := uint32(HashName("diskB"))
	if err := ix.Reserve(startB, "squatter"); err != nil {
		t.Fatal(err)
	}
	id2, err := ix.AllocateID("diskB")
	if err != nil {
		t.Fatal(err)
	}
	if id2 == id1 {
		t.Fatalf("expected distinct ids, got %d twice", id1)
	}
	if id2 == startB {
		t.Fatalf("expected diskB to probe past its reserved start slot %d", startB)
	}
}

func TestLookupMissing(t *testing.T) {
	ix := openTestIndex(t)
	_, ok, err := ix.Lookup("nope")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected lookup miss")
	}
}

func TestObjectMarshalRoundTrip(t *testing.T) {
	o := &Object{
		ID: 1, Name: "disk0", Size: 1 << 30, ParentID: 0,
		Ctime: 123456, SnapID: 0, Children: []uint64{1, 2, 3},
	}
	data, err := o.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	got, err := Unmarshal(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != o.ID || got.Name != o.Name || got.Size != o.Size || len(got.Children) != len(o.Children) {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, o)
	}
	for i := range o.Children {
		if got.Children[i] != o.Children[i] {
			t.Fatalf("child %d mismatch: %d vs %d", i, got.Children[i], o.Children[i])
		}
	}
}

func TestDeleteRemovesNameAndIDMapping(t *testing.T) {
	ix := openTestIndex(t)

	id, err := ix.AllocateID("disk0")
	if err != nil {
		t.Fatal(err)
	}
	if err := ix.Reserve(id, "disk0"); err != nil {
		t.Fatal(err)
	}
	if err := ix.Delete(id, "disk0"); err != nil {
		t.Fatal(err)
	}
	if _, ok, err := ix.Lookup("disk0"); err != nil || ok {
		t.Fatalf("expected lookup miss after delete, ok=%v err=%v", ok, err)
	}
}

func TestListReturnsEveryReservedEntry(t *testing.T) {
	ix := openTestIndex(t)

	names := []string{"disk0", "disk1", "disk2"}
	want := map[string]uint32{}
	for _, n := range names {
		id, err := ix.AllocateID(n)
		if err != nil {
			t.Fatal(err)
		}
		if err := ix.Reserve(id, n); err != nil {
			t.Fatal(err)
		}
		want[n] = id
	}

	entries, err := ix.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != len(names) {
		t.Fatalf("expected %d entries, got %d", len(names), len(entries))
	}
	for _, e := range entries {
		if want[e.Name] != e.ID {
			t.Fatalf("entry %+v doesn't match reservation %d", e, want[e.Name])
		}
	}
}

func TestLockRejectsSecondHolder(t *testing.T) {
	ix := openTestIndex(t)
	id, _ := ix.AllocateID("disk0")
	_ = ix.Reserve(id, "disk0")

	if err := ix.Lock(id, "vm-a"); err != nil {
		t.Fatal(err)
	}
	if err := ix.Lock(id, "vm-b"); err == nil {
		t.Fatal("expected second holder's lock to fail")
	}
	// Same holder re-locking is idempotent.
	if err := ix.Lock(id, "vm-a"); err != nil {
		t.Fatalf("expected re-lock by the same holder to succeed, got %v", err)
	}
}

func TestReleaseThenRelockBySomeoneElse(t *testing.T) {
	ix := openTestIndex(t)
	id, _ := ix.AllocateID("disk0")
	_ = ix.Reserve(id, "disk0")

	if err := ix.Lock(id, "vm-a"); err != nil {
		t.Fatal(err)
	}
	if err := ix.Release(id, "vm-a"); err != nil {
		t.Fatal(err)
	}
	if err := ix.Lock(id, "vm-b"); err != nil {
		t.Fatalf("expected lock to succeed after release, got %v", err)
	}
}

func TestCopyOnWriteNeverMutatesParent(t *testing.T) {
	parent := &Object{ID: 1, Name: "disk0", Children: []uint64{10, 20, 30}, SnapID: 0}
	child := CopyOnWrite(parent, 2, 999, 1)

	if parent.Children[1] != 20 {
		t.Fatalf("parent was mutated: %v", parent.Children)
	}
	if child.Children[1] != 999 {
		t.Fatalf("expected child's range 1 to be replaced, got %v", child.Children)
	}
	if child.ParentID != parent.ID {
		t.Fatalf("expected child.ParentID == parent.ID")
	}
	if child.SnapID != parent.SnapID+1 {
		t.Fatalf("expected SnapID to increment")
	}
}
