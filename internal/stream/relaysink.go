package stream

import "github.com/gocast/gocast/internal/refbuf"

// RelaySink adapts a MountManager into a relay.Sink (see
// internal/relay), so RelayController can publish buffers pulled from
// an upstream master straight into the same mount/listener machinery a
// locally-connected source writes to. Grounded on the relay client
// only ever needing two operations on the thing it feeds: "here is
// more audio" and "I am live/not live", matching slave.c's relay_read
// forwarding directly into its target source.
type RelaySink struct {
	mm *MountManager
}

// NewRelaySink wraps mm for use as a relay.Sink.
func NewRelaySink(mm *MountManager) *RelaySink {
	return &RelaySink{mm: mm}
}

// PublishBuffer writes one RefBuf's audio into localmount's buffer.
// The mount does not keep a RefBuf chain of its own (listener delivery
// still walks the byte-ring buffer, see internal/server/listener.go),
// so the RefBuf is released immediately after its audio is copied out.
func (s *RelaySink) PublishBuffer(localmount string, buf *refbuf.Buf) {
	defer buf.Release()

	mount, err := s.mm.GetOrCreateMount(localmount)
	if err != nil {
		return
	}
	if !mount.IsActive() {
		if startErr := mount.StartSource("relay"); startErr != nil && startErr != ErrSourceConnected {
			return
		}
	}
	// WaitForDataContext's cond.Broadcast wakeup happens inside
	// Buffer.Write itself; no separate notify step is needed here.
	mount.WriteData(buf.Audio)
}

// SetSourceActive starts or stops localmount's source state to track
// whether the relay currently has a live upstream connection.
func (s *RelaySink) SetSourceActive(localmount string, active bool) {
	mount, err := s.mm.GetOrCreateMount(localmount)
	if err != nil {
		return
	}
	if active && !mount.IsActive() {
		mount.StartSource("relay")
	} else if !active && mount.IsActive() {
		mount.StopSource()
	}
}

// UpdateTags mirrors an artist/title pair onto the mount's display
// metadata, independent of PublishBuffer. It is not part of relay.Sink,
// and the relay client does not call it.
func (s *RelaySink) UpdateTags(localmount, artist, title string) {
	mount := s.mm.GetMount(localmount)
	if mount == nil {
		return
	}
	mount.UpdateMetadata(&Metadata{Artist: artist, Title: title})
}
