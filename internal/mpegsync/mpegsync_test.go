package mpegsync

import (
	"testing"

	"github.com/gocast/gocast/internal/refbuf"
)

// mp3Frame128 builds one complete MPEG1 Layer III, 128kbps, 44100Hz,
// stereo, no-padding frame: 4-byte header + filler to reach the exact
// frame size the header declares (417 bytes total).
func mp3Frame128(t *testing.T) []byte {
	t.Helper()
	header := []byte{0xFF, 0xFB, 0x90, 0x00}
	const frameSize = 417
	frame := make([]byte, frameSize)
	copy(frame, header)
	return frame
}

func TestCompleteFramesSyncsAfterThreeFrames(t *testing.T) {
	s := New("test")

	var stream []byte
	for i := 0; i < 3; i++ {
		stream = append(stream, mp3Frame128(t)...)
	}

	buf := refbuf.New(stream)
	unprocessed := s.CompleteFrames(buf)

	if !s.Synced() {
		t.Fatal("Synced() = false after 3 consecutive valid frames")
	}
	if unprocessed != 0 {
		t.Errorf("unprocessed = %d, want 0 (stream is an exact multiple of frame size)", unprocessed)
	}
	if got, want := s.SampleRate(), 44100; got != want {
		t.Errorf("SampleRate() = %d, want %d", got, want)
	}
	if got, want := s.Bitrate(), 128000; got != want {
		t.Errorf("Bitrate() = %d, want %d", got, want)
	}
	if got, want := s.Channels(), 2; got != want {
		t.Errorf("Channels() = %d, want %d", got, want)
	}
	if got, want := s.Type(), TypeMP3; got != want {
		t.Errorf("Type() = %v, want %v", got, want)
	}
	if !buf.HasSync() {
		t.Error("HasSync() = false after successful sync")
	}
}

func TestCompleteFramesForwardsUnsyncedDataUntouched(t *testing.T) {
	s := New("test")

	junk := []byte("not an mpeg stream at all, just plain bytes")
	buf := refbuf.New(append([]byte(nil), junk...))

	unprocessed := s.CompleteFrames(buf)

	if s.Synced() {
		t.Fatal("Synced() = true on non-MPEG junk data")
	}
	if unprocessed >= 0 {
		t.Fatalf("unprocessed = %d, want negative (no sync found)", unprocessed)
	}
	if -unprocessed != len(junk) {
		t.Errorf("|unprocessed| = %d, want %d (all bytes unexamined)", -unprocessed, len(junk))
	}
	if string(buf.Audio) != string(junk) {
		t.Error("buf.Audio was mutated before sync was established; spec requires forwarding untouched")
	}
}

func TestCompleteFramesCarriesTrailingPartialFrame(t *testing.T) {
	s := New("test")

	var stream []byte
	for i := 0; i < 3; i++ {
		stream = append(stream, mp3Frame128(t)...)
	}
	partial := mp3Frame128(t)[:100] // trailing incomplete 4th frame
	stream = append(stream, partial...)

	buf := refbuf.New(stream)
	unprocessed := s.CompleteFrames(buf)

	if !s.Synced() {
		t.Fatal("expected sync after 3 complete frames")
	}
	if unprocessed != len(partial) {
		t.Errorf("unprocessed = %d, want %d", unprocessed, len(partial))
	}
	if len(buf.Audio) != 3*417 {
		t.Errorf("buf.Audio trimmed to %d bytes, want %d (3 complete frames only)", len(buf.Audio), 3*417)
	}
}

func TestDetectAACFrame(t *testing.T) {
	// 7-byte ADTS header, no CRC: syncword 0xFFF, MPEG-4, AAC LC,
	// 44100Hz (index 4), 2-channel, frame length covering header+1 byte.
	frameLen := 8
	hdr := make([]byte, frameLen)
	hdr[0] = 0xFF
	hdr[1] = 0xF1 // sync tail + MPEG-4 + layer 00 + protection_absent=1
	hdr[2] = byte(4<<2) | (2 >> 2) // profile bits ignored by our parser, sampleIdx=4
	hdr[3] = byte((2 & 0x03) << 6) // channelCfg low bits
	hdr[3] |= byte((frameLen >> 11) & 0x03)
	hdr[4] = byte((frameLen >> 3) & 0xFF)
	hdr[5] = byte((frameLen & 0x07) << 5)

	info, size := detectAAC(hdr)
	if size != frameLen {
		t.Fatalf("detectAAC size = %d, want %d", size, frameLen)
	}
	if info.frameType != TypeAAC {
		t.Errorf("frameType = %v, want TypeAAC", info.frameType)
	}
	if info.sampleRate != 44100 {
		t.Errorf("sampleRate = %d, want 44100", info.sampleRate)
	}
}

func TestDataInsertPrependsLeftoverToNextChunk(t *testing.T) {
	s := New("test")
	full := mp3Frame128(t)

	first := full[:200]
	second := full[200:]

	buf1 := refbuf.New(append([]byte(nil), first...))
	unprocessed := s.CompleteFrames(buf1)
	if unprocessed >= 0 {
		t.Fatalf("first chunk should not sync yet, got unprocessed=%d", unprocessed)
	}
	s.DataInsert(buf1.Audio)

	var rest []byte
	rest = append(rest, second...)
	for i := 0; i < 2; i++ {
		rest = append(rest, mp3Frame128(t)...)
	}
	buf2 := refbuf.New(rest)
	unprocessed = s.CompleteFrames(buf2)
	if !s.Synced() {
		t.Fatal("expected sync once the leftover is merged with enough trailing frames")
	}
	if unprocessed != 0 {
		t.Errorf("unprocessed = %d, want 0", unprocessed)
	}
}
