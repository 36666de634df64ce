// Package sourceformat implements the mp3/aac SourceFormat: it reads
// bytes from an upstream connection into fixed-size RefBufs, optionally
// strips inline ICY metadata, validates MPEG/AAC frames via mpegsync,
// attaches the current metadata snapshot, and emits ICY/FLV/iceblock
// metadata blocks on demand.
//
// Grounded on original_source/src/format_mp3.c (complete_read,
// format_mp3_get_no_meta, format_mp3_get_filter_meta, mp3_set_title,
// write_mp3_to_file, swap_client) and stream.Buffer /
// stream.Mount for the Go concurrency idiom (explicit mutex, no global
// state).
package sourceformat

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/gocast/gocast/internal/mpegsync"
	"github.com/gocast/gocast/internal/refbuf"
)

// Defaults from format_mp3.c.
const (
	DefaultInterval       = 16000 // egress ICY interval a mount advertises by default
	DefaultCharset        = "ISO-8859-1"
	DefaultQueueBlockSize = 1400
	maxUnsyncedBytes      = 8000 // dead-stream threshold
)

// ErrDeadStream is returned by GetBuffer when MpegSync cannot find a
// frame sync within maxUnsyncedBytes of raw data.
var ErrDeadStream = errors.New("sourceformat: stream declared dead, no frame sync found")

// AudioCodecID values used in the FLV onMetaData audiocodecid field.
const (
	flvCodecMPEG = 2
	flvCodecAAC  = 10
)

// Settings are the per-mount knobs applied by ApplySettings.
type Settings struct {
	Charset                string
	QueueBlockSize         int
	InlineMetadataInterval int // 0 disables ingress ICY filtering
	DumpFilePath           string
}

// Format is one mp3/aac SourceFormat instance: the authoritative
// metadata owner and audio-frame validator for a single mount's
// producer side. Not safe for concurrent Read/SetTag calls without
// going through the methods below, which take the internal mutex
// (the "source.lock" equivalent).
type Format struct {
	mu sync.Mutex

	sync *mpegsync.Sync

	charset                string
	queueBlockSize         int
	inlineMetadataInterval int

	// pending tag edits, serialized by mu (source lock)
	pendingArtist, pendingTitle, pendingURL string
	pendingCharset                          string
	updateMetadata                          UpdateState

	// committed, currently-published values
	artist, title, streamURL string

	// current emitted metadata snapshot; nil means "not yet built",
	// in which case the shared blank block is attached instead.
	metadata *refbuf.MetaBuf

	// ingress queue-fill state
	readData            []byte
	offset               int // bytes since last ICY insert on ingress
	buildMetadata        []byte
	buildMetadataOffset  int
	buildMetadataLen     int

	dumpFile     io.WriteCloser
	dumpDisabled bool

	seq int64

	// raw bytes forwarded without a frame sync since the last synced block
	unsyncedBytes int
}

// New creates a Format with sensible defaults; call ApplySettings to
// customize per-mount.
func New(tag string) *Format {
	return &Format{
		sync:           mpegsync.New(tag),
		charset:        DefaultCharset,
		queueBlockSize: DefaultQueueBlockSize,
	}
}

// ApplySettings applies mount configuration, matching
// format_mp3.c's format_mp3_apply_settings. An upstream-advertised
// icy-metaint (icyMetaint > 0) overrides Settings.InlineMetadataInterval,
// mirroring the original's preference for what the upstream actually sends.
func (f *Format) ApplySettings(s Settings, icyMetaint int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.charset = s.Charset
	if f.charset == "" {
		f.charset = DefaultCharset
	}
	f.queueBlockSize = s.QueueBlockSize
	if f.queueBlockSize <= 0 {
		f.queueBlockSize = DefaultQueueBlockSize
	}
	f.inlineMetadataInterval = s.InlineMetadataInterval
	if icyMetaint > 0 {
		f.inlineMetadataInterval = icyMetaint
	}
}

// SetTag stages a title/artist/url update. tag == "" commits the
// pending edits, transitioning updateMetadata to UpdateNeedsConversion
// (if charset needs ISO-8859-1 decoding) or UpdateUTF8 otherwise. The
// actual ICY/FLV/iceblock rebuild happens lazily on the next GetBuffer
// call, matching complete_read's "call mp3_set_title before each read
// attempt if the flag is set".
func (f *Format) SetTag(tag, value, charset string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch tag {
	case "title":
		f.pendingTitle = value
	case "artist":
		f.pendingArtist = value
	case "url":
		f.pendingURL = value
	case "":
		f.pendingCharset = charset
		if charset != "" && charset != "UTF-8" {
			f.updateMetadata = UpdateNeedsConversion
		} else {
			f.updateMetadata = UpdateUTF8
		}
		return
	}
}

// commitMetadata rebuilds the ICY/FLV/iceblock chain from the pending
// tag values, converting charset if needed. Must be called with mu held.
func (f *Format) commitMetadata() error {
	if f.updateMetadata == UpdateClean {
		return nil
	}
	charset := f.pendingCharset
	artist, err := toUTF8(f.pendingArtist, charset)
	if err != nil {
		return err
	}
	title, err := toUTF8(f.pendingTitle, charset)
	if err != nil {
		return err
	}
	url, err := toUTF8(f.pendingURL, charset)
	if err != nil {
		return err
	}

	icy, err := buildICYPayload(artist, title, url)
	if err != nil {
		// Overflow: abort the update, keep old metadata.
		f.updateMetadata = UpdateClean
		return err
	}

	codecID := flvCodecMPEG
	channels, sampleRate, bitrate := 2, 44100, 0
	if f.sync.Synced() {
		channels, sampleRate, bitrate = f.sync.Channels(), f.sync.SampleRate(), f.sync.Bitrate()
		if f.sync.Type() == mpegsync.TypeAAC {
			codecID = flvCodecAAC
		}
	}
	flv := buildFLVScriptTag(artist, title, url, channels, sampleRate, codecID, bitrate)
	iceblock := buildIceblock(artist, title, url)

	if f.metadata != nil {
		f.metadata.Release()
	}
	f.metadata = refbuf.NewMeta(icy, flv, iceblock)
	f.artist, f.title, f.streamURL = artist, title, url
	f.updateMetadata = UpdateClean
	return nil
}

// currentMetadata returns the metadata snapshot to attach to a newly
// filled audio block, retaining a reference on the caller's behalf.
func (f *Format) currentMetadata() *refbuf.MetaBuf {
	if f.metadata == nil {
		return refbuf.Blank().Ref()
	}
	return f.metadata.Ref()
}

// parseICYIngest updates pending tag state from an inline ICY block
// read from the upstream, matching format_mp3.c's parse grammar. Keys other
// than StreamTitle/StreamUrl are skipped to the next ';'.
func (f *Format) parseICYIngest(payload []byte) {
	s := string(payload)
	if idx := indexZero(s); idx >= 0 {
		s = s[:idx]
	}
	changed := false
	for len(s) > 0 {
		eq := indexByte(s, '=')
		if eq < 0 {
			break
		}
		key := s[:eq]
		rest := s[eq+1:]
		var val string
		var consumed int
		if len(rest) > 0 && rest[0] == '\'' {
			end := indexOf(rest[1:], "';")
			if end < 0 {
				break
			}
			val = rest[1 : 1+end]
			consumed = 1 + end + 2
		} else {
			end := indexByte(rest, ';')
			if end < 0 {
				break
			}
			val = rest[:end]
			consumed = end + 1
		}
		switch key {
		case "StreamTitle":
			f.pendingTitle = val
			changed = true
		case "StreamUrl":
			f.pendingURL = val
			changed = true
		}
		if consumed <= 0 || consumed > len(rest) {
			break
		}
		s = rest[consumed:]
	}
	if changed {
		f.pendingCharset = "UTF-8"
		f.updateMetadata = UpdateUTF8
	}
}

// feedRaw runs raw upstream bytes through the ingress state machine
// (no-meta passthrough, or filter-meta ICY stripping), appending
// completed queueBlockSize audio blocks to completed. Must be called
// with mu held.
func (f *Format) feedRaw(raw []byte) (completed [][]byte) {
	if f.readData == nil {
		f.readData = make([]byte, 0, f.queueBlockSize)
	}
	for len(raw) > 0 {
		switch {
		case f.inlineMetadataInterval <= 0:
			n := min(f.queueBlockSize-len(f.readData), len(raw))
			f.readData = append(f.readData, raw[:n]...)
			raw = raw[n:]

		case f.buildMetadataLen > 0:
			need := f.buildMetadataLen - f.buildMetadataOffset
			n := min(need, len(raw))
			f.buildMetadata = append(f.buildMetadata, raw[:n]...)
			f.buildMetadataOffset += n
			raw = raw[n:]
			if f.buildMetadataOffset == f.buildMetadataLen {
				f.parseICYIngest(f.buildMetadata)
				f.buildMetadata, f.buildMetadataLen, f.buildMetadataOffset = nil, 0, 0
				f.offset = 0
			}

		case f.offset < f.inlineMetadataInterval:
			mp3Block := f.inlineMetadataInterval - f.offset
			n := min(mp3Block, len(raw))
			n = min(n, f.queueBlockSize-len(f.readData))
			if n == 0 {
				completed = append(completed, f.popBlock())
				continue
			}
			f.readData = append(f.readData, raw[:n]...)
			f.offset += n
			raw = raw[n:]

		default: // offset == inlineMetadataInterval: next byte is the ICY length byte
			// The length byte is consumed here, so only the 16*L
			// payload bytes remain to be collected.
			L := int(raw[0])
			raw = raw[1:]
			blockLen := 16 * L
			if blockLen == 0 {
				// L==0: a literal single-NUL block, treated as "no change".
				f.offset = 0
			} else {
				f.buildMetadataLen = blockLen
				f.buildMetadata = make([]byte, 0, blockLen)
				f.buildMetadataOffset = 0
			}
		}

		if len(f.readData) == f.queueBlockSize {
			completed = append(completed, f.popBlock())
		}
	}
	return completed
}

func (f *Format) popBlock() []byte {
	b := f.readData
	f.readData = make([]byte, 0, f.queueBlockSize)
	return b
}

// GetBuffer performs one producer step: read whatever the upstream has
// ready, run it through the ICY filter (if configured), validate
// complete MPEG/AAC frames, and return a new RefBuf when a full audio
// block is ready. Returns (nil, nil) when more data is needed to fill
// the current block, and ErrDeadStream once mpegsync can't find a sync
// within maxUnsyncedBytes.
func (f *Format) GetBuffer(r io.Reader) (*refbuf.Buf, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.updateMetadata != UpdateClean {
		// A conversion failure here only aborts this update, not the read.
		_ = f.commitMetadata()
	}

	raw := make([]byte, f.queueBlockSize)
	n, err := r.Read(raw)
	if n == 0 {
		if err != nil {
			return nil, err
		}
		return nil, nil
	}

	completed := f.feedRaw(raw[:n])
	for _, audio := range completed {
		buf := refbuf.New(audio)
		unprocessed := f.sync.CompleteFrames(buf)
		if unprocessed < 0 {
			f.unsyncedBytes += -unprocessed
			if f.unsyncedBytes > maxUnsyncedBytes {
				return nil, ErrDeadStream
			}
			// Not yet synced but within tolerance: forward unvalidated.
		} else {
			f.unsyncedBytes = 0
			if unprocessed > 0 {
				// The unparsed tail follows buf.Audio in the same backing
				// array, which includes any leftover merged in front.
				end := len(buf.Audio) + unprocessed
				f.sync.DataInsert(buf.Audio[len(buf.Audio):end])
			}
		}
		buf.Meta = f.currentMetadata()
		f.seq++
		buf.Seq = f.seq
		if f.dumpFile != nil {
			f.writeDumpFile(buf.Audio)
		}
		return buf, nil
	}
	return nil, nil
}

// SetDumpFile enables (or, with nil, disables) the append-only dump
// file. Matches write_mp3_to_file's short-write handling: any partial
// write closes and disables the file for the rest of the stream.
func (f *Format) SetDumpFile(w io.WriteCloser) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dumpFile = w
	f.dumpDisabled = false
}

func (f *Format) writeDumpFile(data []byte) {
	if f.dumpDisabled || f.dumpFile == nil || len(data) == 0 {
		return
	}
	n, err := f.dumpFile.Write(data)
	if err != nil || n != len(data) {
		f.dumpFile.Close()
		f.dumpFile = nil
		f.dumpDisabled = true
	}
}

// SwapClient hands the Format's MpegSync over to a newly reconnected
// upstream connection, per slave.c's/format_mp3.c's swap_client. The
// detector is re-initialised with a tag naming both the new and the old
// connection; its leftover bytes and learned codec parameters are
// discarded, so sync is measured again from the new stream.
func (f *Format) SwapClient(newTag string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sync.Setup(fmt.Sprintf("%s (was %s)", newTag, f.sync.Tag()))
}

// Sync exposes the underlying frame detector, mostly for tests and for
// FLV codec-id selection by callers that build their own script tags.
func (f *Format) Sync() *mpegsync.Sync { return f.sync }

// Tags returns the currently committed artist/title/url, for callers
// (e.g. a relay client feeding a mount) that need to mirror the
// SourceFormat's metadata into a display layer of their own instead of
// just forwarding the raw ICY/FLV/iceblock blocks.
func (f *Format) Tags() (artist, title, url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.artist, f.title, f.streamURL
}

// small helpers kept local to avoid importing strings in two places
// with overlapping semantics to format_mp3.c's raw pointer scanning.

func indexByte(s string, c byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == c {
			return i
		}
	}
	return -1
}

func indexZero(s string) int {
	return indexByte(s, 0)
}

func indexOf(s, sub string) int {
	if len(sub) == 0 {
		return 0
	}
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}
