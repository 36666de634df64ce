package listenerwriter

import (
	"io"
	"net"
	"testing"

	"github.com/gocast/gocast/internal/refbuf"
)

// fakeSource serves a fixed list of Bufs in Seq order, matching the
// Source interface's "first entry whose Seq >= after" contract.
type fakeSource struct {
	bufs []*refbuf.Buf
}

func (f *fakeSource) Next(after int64) *refbuf.Buf {
	for _, b := range f.bufs {
		if b.Seq >= after {
			return b
		}
	}
	return nil
}

func newSeqBuf(seq int64, audio string, meta *refbuf.MetaBuf) *refbuf.Buf {
	b := refbuf.New([]byte(audio))
	b.Seq = seq
	b.Meta = meta
	return b
}

func TestPlainModeDeliversAudioUnwrapped(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	src := &fakeSource{bufs: []*refbuf.Buf{newSeqBuf(1, "hello-audio", refbuf.Blank())}}
	w := New(server, src, ModePlain, 0)

	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Step()
	}()

	buf := make([]byte, 32)
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	<-done
	if string(buf[:n]) != "hello-audio" {
		t.Errorf("client received %q, want %q", buf[:n], "hello-audio")
	}
	if w.QueuePos() != int64(n) {
		t.Errorf("QueuePos() = %d, want %d", w.QueuePos(), n)
	}
}

func TestIceblockModePrefixesLength(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	src := &fakeSource{bufs: []*refbuf.Buf{newSeqBuf(1, "abc", refbuf.Blank())}}
	w := New(server, src, ModeIceblock, 0)

	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Step()
	}()

	buf := make([]byte, 32)
	n, err := io.ReadAtLeast(client, buf, 5)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	<-done

	if buf[0]&0x80 == 0 {
		t.Errorf("iceblock length prefix high bit not set: %08b", buf[0])
	}
	length := int(buf[0]&0x7F)<<8 | int(buf[1])
	if length != 3 {
		t.Errorf("length prefix = %d, want 3", length)
	}
	if string(buf[2:n]) != "abc" {
		t.Errorf("audio payload = %q, want %q", buf[2:n], "abc")
	}
}

func TestQueuePosExcludesEnvelopeBytes(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	meta := refbuf.NewMeta([]byte("\x01StreamTitle='x';"), nil, nil)
	src := &fakeSource{bufs: []*refbuf.Buf{newSeqBuf(1, "0123456789", meta)}}
	w := New(server, src, ModeICY, 5) // interval=5: boundary hits mid-block

	buf := make([]byte, 64)
	for i := 0; i < 2; i++ {
		go w.Step()
		client.Read(buf)
	}

	if w.QueuePos() > 10 {
		t.Errorf("QueuePos() = %d, want <= 10 (audio-only byte count)", w.QueuePos())
	}
}
