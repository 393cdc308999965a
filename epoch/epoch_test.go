package epoch

import (
	"net"
	"os"
	"testing"

	"github.com/sheepd/sheepd/ring"
)

func testNode(ip string, port uint16, zone uint32) ring.Node {
	return ring.Node{ID: ring.NewNodeID(net.ParseIP(ip), port), Zone: zone, NrVnodes: 64}
}

func TestAppendReadRoundTrip(t *testing.T) {
	l, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	nodes := []ring.Node{testNode("10.0.0.2", 7000, 2), testNode("10.0.0.1", 7000, 1)}
	if err := l.Append(3, nodes); err != nil {
		t.Fatal(err)
	}
	got, err := l.Read(3)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 nodes, got %d", len(got))
	}
	// Append sorts by NodeID, so the lower address comes first regardless
	// of input order.
	if got[0].ID.Cmp(nodes[1].ID) != 0 {
		t.Fatalf("expected sorted order, first entry was %v", got[0].ID)
	}
}

func TestReadMissingEpoch(t *testing.T) {
	l, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.Read(7); err == nil {
		t.Fatal("expected an error reading a missing epoch")
	}
}

func TestLatestWithNoEpochs(t *testing.T) {
	l, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	latest, err := l.Latest()
	if err != nil {
		t.Fatal(err)
	}
	if latest != 0 {
		t.Fatalf("expected 0 for an unformatted log, got %d", latest)
	}
}

func TestLatestTracksHighestEpoch(t *testing.T) {
	l, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	nodes := []ring.Node{testNode("10.0.0.1", 7000, 1)}
	for _, e := range []uint32{1, 5, 3} {
		if err := l.Append(e, nodes); err != nil {
			t.Fatal(err)
		}
	}
	latest, err := l.Latest()
	if err != nil {
		t.Fatal(err)
	}
	if latest != 5 {
		t.Fatalf("expected latest epoch 5, got %d", latest)
	}
}

func TestCtimeUnsetThenSetRoundTrip(t *testing.T) {
	l, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if _, formatted, err := l.GetCtime(); err != nil || formatted {
		t.Fatalf("expected unformatted, got formatted=%v err=%v", formatted, err)
	}
	if err := l.SetCtime(1234); err != nil {
		t.Fatal(err)
	}
	ctime, formatted, err := l.GetCtime()
	if err != nil {
		t.Fatal(err)
	}
	if !formatted || ctime != 1234 {
		t.Fatalf("expected formatted ctime 1234, got formatted=%v ctime=%d", formatted, ctime)
	}
}

func TestTornWriteDetected(t *testing.T) {
	l, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Append(1, []ring.Node{testNode("10.0.0.1", 7000, 1)}); err != nil {
		t.Fatal(err)
	}
	// Truncate the file to simulate a torn write mid-record.
	f, err := os.OpenFile(l.path(1), os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Truncate(recordSize - 1); err != nil {
		t.Fatal(err)
	}
	f.Close()
	if _, err := l.Read(1); err == nil {
		t.Fatal("expected torn-write error")
	}
}
