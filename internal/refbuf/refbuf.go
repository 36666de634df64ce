// Package refbuf implements the reference-counted audio block shared
// between one producer (a SourceFormat) and many consumers (ListenerWriters).
package refbuf

import "sync/atomic"

// Flag bits carried on a Buf.
const (
	// FlagSync marks a Buf whose Audio begins on a validated MPEG/AAC
	// frame boundary, safe as a listener resume point.
	FlagSync uint32 = 1 << iota
)

// MetaBuf is the three-way encoding of one metadata update: an ICY
// block, an FLV onMetaData script tag, and an iceblock text record.
// Any of the three may be nil if that envelope hasn't been built (a
// listener that never requested it never pays for it).
//
// This replaces the C implementation's linked refbuf_t.associated chain
// (audio -> icy -> flv -> iceblock) with a flat tagged struct: a
// listener picks its envelope by field access instead of walking a list.
type MetaBuf struct {
	ICY      []byte
	FLV      []byte
	Iceblock []byte

	refcount atomic.Int32
}

// blank is the shared, never-freed "no title yet" metadata block,
// process-wide, matching format_mp3.c's static blank_meta. It is never
// released: Release is a no-op on this specific pointer.
var blank = &MetaBuf{ICY: []byte("\x01StreamTitle='';\x00")}

// Blank returns the shared blank metadata block.
func Blank() *MetaBuf { return blank }

// NewMeta wraps a built set of envelopes with an initial refcount of 1.
func NewMeta(icy, flv, iceblock []byte) *MetaBuf {
	m := &MetaBuf{ICY: icy, FLV: flv, Iceblock: iceblock}
	m.refcount.Store(1)
	return m
}

// Ref increments the refcount and returns the same pointer, for the
// common "retain a reference" call pattern.
func (m *MetaBuf) Ref() *MetaBuf {
	if m == blank {
		return m
	}
	m.refcount.Add(1)
	return m
}

// Release decrements the refcount. It is a deliberate no-op on the
// shared blank block.
func (m *MetaBuf) Release() {
	if m == blank {
		return
	}
	m.refcount.Add(-1)
}

// IsBlank reports whether m is the shared process-wide blank block.
func (m *MetaBuf) IsBlank() bool { return m == blank }

// Buf is one audio block plus the metadata snapshot that was current
// when the block was filled. data is immutable once shared with more
// than one consumer (refcount > 1); callers must never write into
// Audio past that point.
type Buf struct {
	Audio []byte
	Meta  *MetaBuf // attached metadata snapshot, nil if none yet
	Flags uint32
	Seq   int64 // monotonic sequence number in the mount queue

	refcount atomic.Int32
}

// New creates a Buf with an initial refcount of 1.
func New(audio []byte) *Buf {
	b := &Buf{Audio: audio}
	b.refcount.Store(1)
	return b
}

// Ref increments the refcount (a consumer taking a reference).
func (b *Buf) Ref() *Buf {
	b.refcount.Add(1)
	return b
}

// Release decrements the refcount. Callers must not touch Audio/Meta
// after the count could reach zero on their release.
func (b *Buf) Release() {
	if b.refcount.Add(-1) == 0 {
		if b.Meta != nil {
			b.Meta.Release()
		}
	}
}

// RefCount reports the current reference count, for tests.
func (b *Buf) RefCount() int32 { return b.refcount.Load() }

// Len returns the audio payload length.
func (b *Buf) Len() int { return len(b.Audio) }

// HasSync reports whether this block begins on a validated frame boundary.
func (b *Buf) HasSync() bool { return b.Flags&FlagSync != 0 }
