package sourceformat

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestSetTagCommitsICYPayload(t *testing.T) {
	f := New("test")
	f.SetTag("artist", "Artist", "")
	f.SetTag("title", "Title", "")
	f.SetTag("", "", "UTF-8")

	if err := f.commitMetadata(); err != nil {
		t.Fatalf("commitMetadata: %v", err)
	}
	artist, title, _ := f.Tags()
	if artist != "Artist" || title != "Title" {
		t.Fatalf("Tags() = %q, %q, want Artist, Title", artist, title)
	}
	if !bytes.Contains(f.metadata.ICY, []byte("StreamTitle='Artist - Title';")) {
		t.Errorf("ICY payload = %q, missing StreamTitle", f.metadata.ICY)
	}
}

func TestSetTagISO8859Conversion(t *testing.T) {
	f := New("test")
	// 0xE9 is é in ISO-8859-1.
	f.SetTag("title", string([]byte{0xE9}), "")
	f.SetTag("", "", "ISO-8859-1")
	if err := f.commitMetadata(); err != nil {
		t.Fatalf("commitMetadata: %v", err)
	}
	if _, title, _ := f.Tags(); title != "é" {
		t.Errorf("title after ISO-8859-1 conversion = %q, want %q", title, "é")
	}
}

func TestFilterMetaIngestStripsInlineICY(t *testing.T) {
	f := New("test")
	f.ApplySettings(Settings{QueueBlockSize: 4, InlineMetadataInterval: 4}, 0)

	payload, err := buildICYPayload("", "hello", "")
	if err != nil {
		t.Fatalf("buildICYPayload: %v", err)
	}

	var raw []byte
	raw = append(raw, "AAAA"...)         // 4 bytes of audio before the metadata point
	raw = append(raw, payload...)        // inline ICY block
	raw = append(raw, "BBBB\x00CCCC"...) // two more 4-byte chunks of audio, an L=0 marker at the metadata point between them

	completed := f.feedRaw(raw)
	var got []byte
	for _, c := range completed {
		got = append(got, c...)
	}
	if string(got) != "AAAABBBBCCCC" {
		t.Errorf("feedRaw stripped audio = %q, want %q", got, "AAAABBBBCCCC")
	}
	if f.pendingTitle != "hello" {
		t.Errorf("pendingTitle after inline ICY = %q, want %q", f.pendingTitle, "hello")
	}
}

func TestFilterMetaZeroLengthIsNoChange(t *testing.T) {
	f := New("test")
	f.ApplySettings(Settings{QueueBlockSize: 4, InlineMetadataInterval: 4}, 0)

	raw := append([]byte("AAAA"), 0) // L=0: literal "no metadata change" marker
	raw = append(raw, "BBBB"...)

	completed := f.feedRaw(raw)
	var got []byte
	for _, c := range completed {
		got = append(got, c...)
	}
	if string(got) != "AAAABBBB" {
		t.Errorf("feedRaw with zero-length marker = %q, want %q", got, "AAAABBBB")
	}
}

func TestGetBufferDeliversFullBlock(t *testing.T) {
	f := New("test")
	f.ApplySettings(Settings{QueueBlockSize: 4}, 0)

	r := bytes.NewReader([]byte("ABCDEFGH"))
	buf, err := f.GetBuffer(r)
	if err != nil {
		t.Fatalf("GetBuffer: %v", err)
	}
	if buf == nil {
		t.Fatal("GetBuffer returned nil buf on first full block")
	}
	if string(buf.Audio) != "ABCD" {
		t.Errorf("buf.Audio = %q, want %q", buf.Audio, "ABCD")
	}
	if buf.Meta == nil {
		t.Error("buf.Meta is nil, want the blank metadata block")
	}
	buf.Release()
}

func TestGetBufferNeedsMoreData(t *testing.T) {
	f := New("test")
	f.ApplySettings(Settings{QueueBlockSize: 100}, 0)

	r := bytes.NewReader([]byte("short"))
	buf, err := f.GetBuffer(r)
	if err != nil {
		t.Fatalf("GetBuffer: %v", err)
	}
	if buf != nil {
		t.Error("GetBuffer returned a buf before queueBlockSize bytes accumulated")
	}
}

type errReader struct{ err error }

func (e errReader) Read(p []byte) (int, error) { return 0, e.err }

func TestGetBufferPropagatesReadError(t *testing.T) {
	f := New("test")
	wantErr := errors.New("boom")
	_, err := f.GetBuffer(errReader{wantErr})
	if !errors.Is(err, wantErr) {
		t.Errorf("GetBuffer error = %v, want %v", err, wantErr)
	}
}

// junkReader never produces bytes mpegsync can frame-sync on, so
// GetBuffer should eventually declare the stream dead.
type junkReader struct{ n int }

func (j *junkReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0xFF
	}
	j.n += len(p)
	return len(p), nil
}

func TestGetBufferDetectsDeadStream(t *testing.T) {
	f := New("test")
	f.ApplySettings(Settings{QueueBlockSize: 512}, 0)

	r := &junkReader{}
	var lastErr error
	for i := 0; i < 64; i++ {
		_, err := f.GetBuffer(r)
		if err != nil {
			lastErr = err
			break
		}
	}
	if !errors.Is(lastErr, ErrDeadStream) {
		t.Errorf("GetBuffer on junk stream = %v, want ErrDeadStream", lastErr)
	}
}

func TestBuildICYPayloadOverflow(t *testing.T) {
	_, err := buildICYPayload("", strings.Repeat("x", maxICYPayload), "")
	if err == nil {
		t.Error("buildICYPayload with oversized title did not return an error")
	}
}

func TestSwapClientPreservesTag(t *testing.T) {
	f := New("original")
	f.SwapClient("reconnected")
	if !strings.Contains(f.Sync().Tag(), "reconnected") {
		t.Errorf("Sync().Tag() = %q, want it to mention the new tag", f.Sync().Tag())
	}
	if !strings.Contains(f.Sync().Tag(), "original") {
		t.Errorf("Sync().Tag() = %q, want it to still mention the old tag", f.Sync().Tag())
	}
}
