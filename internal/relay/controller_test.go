package relay

import (
	"log"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gocast/gocast/internal/refbuf"
)

// fakeSink records PublishBuffer/SetSourceActive calls instead of
// touching a real stream.MountManager.
type fakeSink struct {
	active map[string]bool
	buffs  int
}

func newFakeSink() *fakeSink { return &fakeSink{active: make(map[string]bool)} }

func (s *fakeSink) PublishBuffer(localmount string, buf *refbuf.Buf) {
	s.buffs++
	buf.Release()
}

func (s *fakeSink) SetSourceActive(localmount string, active bool) {
	s.active[localmount] = active
}

func testLogger() *log.Logger {
	return log.New(os.Stderr, "", 0)
}

func TestUpdateRelaySetIsIdempotent(t *testing.T) {
	c := NewController(newFakeSink(), testLogger())

	desc := &Descriptor{
		Localmount: "/stream",
		Masters:    []Master{{IP: "127.0.0.1", Port: 8000, Mount: "/stream"}},
	}
	c.UpdateRelaySet([]*Descriptor{desc})
	if len(c.clients) != 1 {
		t.Fatalf("client count after first UpdateRelaySet = %d, want 1", len(c.clients))
	}
	first := c.clients["/stream"]

	// Same descriptor content, re-applied: must not install a new
	// client or flag the existing one for cleanup.
	same := &Descriptor{
		Localmount: "/stream",
		Masters:    []Master{{IP: "127.0.0.1", Port: 8000, Mount: "/stream"}},
	}
	c.UpdateRelaySet([]*Descriptor{same})

	if len(c.clients) != 1 {
		t.Fatalf("client count after idempotent re-apply = %d, want 1", len(c.clients))
	}
	if c.clients["/stream"] != first {
		t.Error("UpdateRelaySet replaced an unchanged client instead of leaving it running")
	}
	first.mu.Lock()
	cleanup := first.cleanup
	newDetails := first.newDetails
	first.mu.Unlock()
	if cleanup {
		t.Error("unchanged relay was flagged for cleanup")
	}
	if newDetails != nil {
		t.Error("unchanged relay was staged for a restart it doesn't need")
	}
}

func TestUpdateRelaySetRestartsOnMasterChange(t *testing.T) {
	c := NewController(newFakeSink(), testLogger())

	c.UpdateRelaySet([]*Descriptor{{
		Localmount: "/stream",
		Masters:    []Master{{IP: "1.1.1.1", Port: 8000, Mount: "/stream"}},
	}})

	changed := &Descriptor{
		Localmount: "/stream",
		Masters:    []Master{{IP: "2.2.2.2", Port: 8000, Mount: "/stream"}},
	}
	c.UpdateRelaySet([]*Descriptor{changed})

	cl := c.clients["/stream"]
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.newDetails != changed {
		t.Error("master-list change did not stage a restart via newDetails")
	}
}

func TestUpdateRelaySetFlagsRemovedRelaysForCleanup(t *testing.T) {
	c := NewController(newFakeSink(), testLogger())
	c.UpdateRelaySet([]*Descriptor{{Localmount: "/a"}, {Localmount: "/b"}})
	c.UpdateRelaySet([]*Descriptor{{Localmount: "/a"}})

	b := c.clients["/b"]
	b.mu.Lock()
	cleanup := b.cleanup
	b.mu.Unlock()
	if !cleanup {
		t.Error("relay dropped from the desired set was not flagged cleanup")
	}

	a := c.clients["/a"]
	a.mu.Lock()
	cleanup = a.cleanup
	a.mu.Unlock()
	if cleanup {
		t.Error("relay still in the desired set was incorrectly flagged cleanup")
	}
}

func TestParseStreamListSkipsNonSlashLines(t *testing.T) {
	body := "not-a-mount\n/stream1\n# comment\n/stream2?mount=/renamed\n"
	cfg := &MasterConfig{OwnHost: "master.example", OwnPort: 8000}
	descs, err := ParseStreamList(strings.NewReader(body), cfg)
	if err != nil {
		t.Fatalf("ParseStreamList: %v", err)
	}
	if len(descs) != 2 {
		t.Fatalf("got %d descriptors, want 2", len(descs))
	}
	if descs[0].Localmount != "/stream1" {
		t.Errorf("descs[0].Localmount = %q, want /stream1", descs[0].Localmount)
	}
	if descs[1].Localmount != "/renamed" {
		t.Errorf("descs[1].Localmount = %q, want /renamed (from ?mount=)", descs[1].Localmount)
	}
	if descs[0].Masters[0].IP != "master.example" {
		t.Errorf("descs[0].Masters[0].IP = %q, want master.example", descs[0].Masters[0].IP)
	}
}

func TestStreamListScannerHandlesSplitLines(t *testing.T) {
	cfg := &MasterConfig{OwnHost: "master.example", OwnPort: 8000}
	s := NewStreamListScanner(cfg)
	s.Feed([]byte("/stre"))
	if got := s.Take(); len(got) != 0 {
		t.Fatalf("Take before newline returned %d descriptors, want 0", len(got))
	}
	s.Feed([]byte("am\n/other\n"))
	got := s.Take()
	if len(got) != 2 {
		t.Fatalf("Take after completing lines returned %d descriptors, want 2", len(got))
	}
	if got[0].Localmount != "/stream" || got[1].Localmount != "/other" {
		t.Errorf("descriptors = %+v, want /stream then /other", got)
	}
}

func TestRedirectClientEvictsExpiredDuringScan(t *testing.T) {
	p := newRedirectorPool(8)
	p.Add("stale.example", 8000, -1*time.Minute) // already past NextUpdate+10s
	p.Add("fresh.example", 8000, time.Minute)

	server, port, ok := p.RedirectClient("/stream")
	if !ok {
		t.Fatal("RedirectClient returned ok=false with one live entry present")
	}
	if server != "fresh.example" || port != 8000 {
		t.Errorf("RedirectClient = %s:%d, want fresh.example:8000", server, port)
	}

	p.mu.RLock()
	n := len(p.entries)
	p.mu.RUnlock()
	if n != 1 {
		t.Errorf("entries after scan = %d, want 1 (stale entry evicted)", n)
	}
}

func TestRedirectClientNoLiveEntries(t *testing.T) {
	p := newRedirectorPool(8)
	p.Add("stale.example", 8000, -1*time.Minute)
	if _, _, ok := p.RedirectClient("/stream"); ok {
		t.Error("RedirectClient returned ok=true with only an expired entry")
	}
}
