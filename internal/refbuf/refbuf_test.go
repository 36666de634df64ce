package refbuf

import "testing"

func TestBlankIsSharedAndNeverFreed(t *testing.T) {
	b1 := Blank()
	b2 := Blank()
	if b1 != b2 {
		t.Fatal("Blank() returned different pointers on two calls")
	}
	if !b1.IsBlank() {
		t.Fatal("Blank().IsBlank() = false")
	}
	if string(b1.ICY) != "\x01StreamTitle='';\x00" {
		t.Errorf("blank ICY payload = %q, want the 17-byte blank block", b1.ICY)
	}

	ref := b1.Ref()
	ref.Release()
	ref.Release()
	ref.Release() // deliberately over-released: must stay a no-op
	if !Blank().IsBlank() {
		t.Fatal("blank block was mutated by Ref/Release")
	}
}

func TestMetaBufRefcount(t *testing.T) {
	m := NewMeta([]byte("icy"), []byte("flv"), []byte("ice"))
	m.Ref()
	m.Release()
	m.Release()
	// No observable refcount accessor on MetaBuf by design (only Buf
	// exposes RefCount, for listener-visible accounting); this test
	// only asserts Ref/Release don't panic across the pair.
}

func TestBufReleaseReleasesMeta(t *testing.T) {
	m := NewMeta([]byte("icy"), nil, nil)
	b := New([]byte("audio"))
	b.Meta = m

	other := b.Ref()
	if b.RefCount() != 2 {
		t.Fatalf("RefCount after Ref = %d, want 2", b.RefCount())
	}
	b.Release()
	if b.RefCount() != 1 {
		t.Fatalf("RefCount after first Release = %d, want 1", b.RefCount())
	}
	other.Release()
	if b.RefCount() != 0 {
		t.Fatalf("RefCount after second Release = %d, want 0", b.RefCount())
	}
}

func TestBufFlagsAndLen(t *testing.T) {
	b := New([]byte("abcde"))
	if b.Len() != 5 {
		t.Errorf("Len() = %d, want 5", b.Len())
	}
	if b.HasSync() {
		t.Error("HasSync() = true before any flag set")
	}
	b.Flags |= FlagSync
	if !b.HasSync() {
		t.Error("HasSync() = false after FlagSync set")
	}
}
