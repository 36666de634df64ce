// Package listenerwriter drains a mount's shared RefBuf queue to one
// downstream socket, choosing between plain, ICY-interleaved, and
// iceblock wire shapes per listener request. FLV packaging is
// delegated to an external packager (not implemented here; see
// format_flac.c's "delegated" note).
//
// Grounded on stream.Buffer's cursor idioms (ReadFromInto,
// sync point alignment) for the consumer-side position bookkeeping,
// reworked to walk a refbuf.Buf chain instead of a flat ring buffer.
package listenerwriter

import (
	"errors"
	"net"
	"time"

	"github.com/gocast/gocast/internal/refbuf"
)

// Mode selects the on-wire shape a listener receives.
type Mode int

const (
	ModePlain Mode = iota
	ModeICY
	ModeIceblock
)

// Listener flag bits, mirroring Icecast's client.flags bitmask.
const (
	flagInMetadata uint32 = 1 << iota
	flagUsingBlankMeta
)

// plainCap is the per-step cap on plain-mode audio sends.
const plainCap = 2900

// ErrShortWrite is returned when the underlying connection accepted
// fewer bytes than offered without reporting an error (when it did
// report one, that error is returned instead); the caller should back
// off and retry from the recorded resume point.
var ErrShortWrite = errors.New("listenerwriter: short write")

// Source is the minimal view of a mount queue a Writer needs: fetch
// the Buf at or after a sequence number, and learn whether the queue
// has grown past the one currently held.
type Source interface {
	// Next returns the queue entry whose Seq is the smallest value
	// >= after, or nil if the producer hasn't produced one yet.
	Next(after int64) *refbuf.Buf
}

// Writer is one listener's cursor into a mount's queue.
type Writer struct {
	conn net.Conn
	src  Source
	mode Mode

	interval       int // egress ICY interval in bytes, 0 disables
	sinceMetaBlock int

	lastMeta      *refbuf.MetaBuf // metadata this listener last fully delivered
	metadataBuf   []byte          // envelope currently being drained (ICY or iceblock prefix)
	metadataOff   int
	flags         uint32

	cur       *refbuf.Buf // audio block currently being drained
	pos       int         // bytes consumed from cur
	queuePos  int64       // cumulative audio bytes delivered (excludes envelopes)
	nextSeq   int64

	icePrefix   [2]byte // iceblock length prefix for the in-flight chunk
	iceOff      int     // bytes of the current iceblock record written so far
	iceMeta     []byte  // pending iceblock metadata record for this record, nil if none
	iceChunkLen int     // audio bytes framed by icePrefix; 0 means no record in flight

	scheduleDelay time.Duration
}

// New creates a Writer for one listener connection. interval is the
// ICY byte interval (0 to disable ICY framing); mode selects the
// envelope shape, independent of interval for the iceblock case.
func New(conn net.Conn, src Source, mode Mode, interval int) *Writer {
	return &Writer{
		conn:     conn,
		src:      src,
		mode:     mode,
		interval: interval,
		flags:    flagUsingBlankMeta,
	}
}

// Step performs one scheduling quantum: fetch more queue data if
// needed, write as much as the socket accepts without blocking, and
// report how long to wait before the next Step. A non-nil error means
// the listener should be dropped.
func (w *Writer) Step() (time.Duration, error) {
	if w.cur == nil {
		next := w.src.Next(w.nextSeq)
		if next == nil {
			return 200 * time.Millisecond, nil
		}
		w.cur = next.Ref()
		w.pos = 0
		w.nextSeq = next.Seq + 1
	}

	switch w.mode {
	case ModeICY:
		return w.stepICY()
	case ModeIceblock:
		return w.stepIceblock()
	default:
		return w.stepPlain()
	}
}

// stepPlain implements format_generic.c's Plain mode: send
// min(len-pos, 2900) bytes, no envelope at all.
func (w *Writer) stepPlain() (time.Duration, error) {
	remaining := len(w.cur.Audio) - w.pos
	n := remaining
	if n > plainCap {
		n = plainCap
	}
	if n <= 0 {
		w.advanceBuf()
		return 0, nil
	}
	written, err := w.conn.Write(w.cur.Audio[w.pos : w.pos+n])
	w.pos += written
	w.queuePos += int64(written)
	if written < n {
		return w.backoff(), wrapShort(err)
	}
	if w.pos >= len(w.cur.Audio) {
		w.advanceBuf()
	}
	return 0, nil
}

// stepICY implements the ICY-interleaved mode: audio is capped so the
// next byte lands exactly on an interval boundary; at the boundary, an
// ICY block (or a single NUL if metadata hasn't changed) is
// scatter-sent ahead of the next audio chunk.
func (w *Writer) stepICY() (time.Duration, error) {
	if w.interval <= 0 {
		return w.stepPlain()
	}

	if w.metadataBuf == nil && w.sinceMetaBlock == w.interval {
		w.prepareICYBlock()
	}

	if w.metadataBuf != nil {
		audioCap := len(w.cur.Audio) - w.pos
		if audioCap > w.interval {
			audioCap = w.interval
		}
		if audioCap > plainCap {
			audioCap = plainCap
		}
		remainMeta := len(w.metadataBuf) - w.metadataOff
		bufs := net.Buffers{w.metadataBuf[w.metadataOff:]}
		if audioCap > 0 {
			bufs = append(bufs, w.cur.Audio[w.pos:w.pos+audioCap])
		}
		n, err := bufs.WriteTo(w.conn)
		consumed := int(n)
		if consumed >= remainMeta {
			w.metadataOff = 0
			w.metadataBuf = nil
			w.flags &^= flagInMetadata
			consumed -= remainMeta
			w.pos += consumed
			w.queuePos += int64(consumed)
			w.sinceMetaBlock = consumed
		} else {
			w.metadataOff += consumed
			w.flags |= flagInMetadata
			return w.backoff(), wrapShort(err)
		}
		if err != nil {
			return w.backoff(), wrapShort(err)
		}
		if w.pos >= len(w.cur.Audio) {
			w.advanceBuf()
		}
		return 0, nil
	}

	toBoundary := w.interval - w.sinceMetaBlock
	remaining := len(w.cur.Audio) - w.pos
	n := remaining
	if n > toBoundary {
		n = toBoundary
	}
	if n > plainCap {
		n = plainCap
	}
	if n <= 0 {
		w.advanceBuf()
		return 0, nil
	}
	written, err := w.conn.Write(w.cur.Audio[w.pos : w.pos+n])
	w.pos += written
	w.queuePos += int64(written)
	w.sinceMetaBlock += written
	if written < n {
		return w.backoff(), wrapShort(err)
	}
	if w.pos >= len(w.cur.Audio) {
		w.advanceBuf()
	}
	return 0, nil
}

// prepareICYBlock decides what envelope bytes to send at this
// interval boundary: the real ICY block if the attached metadata
// differs from lastMeta, else a single zero byte (unless the current
// listener is already on the shared blank, in which case there is
// nothing new to say and a zero byte is still sent to hold the wire
// format: a single zero byte stands in for an empty metadata block.
func (w *Writer) prepareICYBlock() {
	meta := w.cur.Meta
	if meta != nil && meta != w.lastMeta {
		w.metadataBuf = meta.ICY
		w.lastMeta = meta
		if meta.IsBlank() {
			w.flags |= flagUsingBlankMeta
		} else {
			w.flags &^= flagUsingBlankMeta
		}
	} else {
		w.metadataBuf = []byte{0}
	}
	w.metadataOff = 0
}

// stepIceblock implements the length-prefixed iceblock mode: every
// audio record is framed with a 2-byte length; metadata changes are
// prepended as their own iceblock-framed text record in the same send.
//
// A record (metadata + prefix + chunk) is decided once, up front, and
// held in iceMeta/icePrefix/iceChunkLen until fully written; iceOff
// tracks bytes already on the wire so a short WriteTo resumes from
// where it left off instead of re-deriving and resending a fresh
// prefix for the same audio range.
func (w *Writer) stepIceblock() (time.Duration, error) {
	if w.iceChunkLen == 0 {
		meta := w.cur.Meta
		if meta != nil && meta != w.lastMeta && len(meta.Iceblock) > 0 {
			w.iceMeta = meta.Iceblock
			w.lastMeta = meta
		} else {
			w.iceMeta = nil
		}

		remaining := len(w.cur.Audio) - w.pos
		n := remaining
		if n > plainCap {
			n = plainCap
		}
		if n <= 0 {
			w.advanceBuf()
			return 0, nil
		}
		w.iceChunkLen = n
		w.icePrefix = [2]byte{byte((n>>8)&0x7F) | 0x80, byte(n & 0xFF)}
		w.iceOff = 0
	}

	chunk := w.cur.Audio[w.pos : w.pos+w.iceChunkLen]
	metaLen := len(w.iceMeta)
	total := metaLen + 2 + w.iceChunkLen

	var bufs net.Buffers
	switch {
	case w.iceOff < metaLen:
		bufs = net.Buffers{w.iceMeta[w.iceOff:], w.icePrefix[:], chunk}
	case w.iceOff < metaLen+2:
		bufs = net.Buffers{w.icePrefix[w.iceOff-metaLen:], chunk}
	default:
		bufs = net.Buffers{chunk[w.iceOff-metaLen-2:]}
	}

	sent, err := bufs.WriteTo(w.conn)
	w.iceOff += int(sent)
	if w.iceOff < total {
		return w.backoff(), wrapShort(err)
	}

	n := w.iceChunkLen
	w.pos += n
	w.queuePos += int64(n)
	w.iceChunkLen = 0
	w.iceOff = 0
	w.iceMeta = nil
	if w.pos >= len(w.cur.Audio) {
		w.advanceBuf()
	}
	return 0, nil
}

func (w *Writer) advanceBuf() {
	w.cur.Release()
	w.cur = nil
	w.pos = 0
}

func (w *Writer) backoff() time.Duration {
	d := w.scheduleDelay
	if d < 50*time.Millisecond {
		d = 50 * time.Millisecond
	} else if d < 150*time.Millisecond {
		d += 20 * time.Millisecond
	}
	w.scheduleDelay = d
	return d
}

func wrapShort(err error) error {
	if err != nil {
		return err
	}
	return ErrShortWrite
}

// QueuePos reports the cumulative audio bytes delivered to this
// listener, excluding any ICY/iceblock envelope bytes.
func (w *Writer) QueuePos() int64 { return w.queuePos }

// UsingBlankMeta reports whether this listener's last delivered
// metadata block was the shared blank (never independently released).
func (w *Writer) UsingBlankMeta() bool { return w.flags&flagUsingBlankMeta != 0 }

// Close releases any buffer this writer still holds a reference to.
func (w *Writer) Close() error {
	if w.cur != nil {
		w.cur.Release()
		w.cur = nil
	}
	return nil
}
