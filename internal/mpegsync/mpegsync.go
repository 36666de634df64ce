// Package mpegsync detects MPEG audio and ADTS AAC frame boundaries in a
// raw byte stream, trimming a buffer to end on a complete frame and
// reporting the codec parameters once enough consecutive frames have
// validated.
//
// The MP3 table-driven header decode is carried over from
// stream.DetectMP3Frame; AAC ADTS framing is added alongside it so one
// detector covers both formats SourceFormat needs to validate.
package mpegsync

import "github.com/gocast/gocast/internal/refbuf"

// FrameType identifies which codec's framing matched.
type FrameType int

const (
	TypeUnknown FrameType = iota
	TypeMP3
	TypeAAC
)

// defaultNumFrames is how many consecutive valid frames must be seen
// before a stream is declared synced, absent a CheckNumFrames call.
const defaultNumFrames = 3

// maxUnsyncedBytes is format_mp3.c's dead-stream threshold: if no frame
// has synced within this many bytes, the source is declared dead.
const maxUnsyncedBytes = 8000

// Sync is a per-stream frame boundary detector. It is not safe for
// concurrent use; one Sync belongs to one SourceFormat instance.
type Sync struct {
	tag      string
	leftover []byte

	required   int
	framesSeen int
	synced     bool

	frameType  FrameType
	layer      int
	channels   int
	sampleRate int
	bitrate    int
}

// New creates a Sync identified by tag (used only for logging by callers).
func New(tag string) *Sync {
	return &Sync{tag: tag, required: defaultNumFrames}
}

// Setup (re)initializes the detector with a new identifying tag,
// discarding any accumulated leftover and sync state. Used by
// SourceFormat.SwapClient when a reconnect replaces the upstream client.
func (s *Sync) Setup(tag string) {
	*s = Sync{tag: tag, required: defaultNumFrames}
}

// Tag returns the current identifying tag.
func (s *Sync) Tag() string { return s.tag }

// CheckNumFrames configures how many consecutive valid frames are
// required before the stream is declared synced.
func (s *Sync) CheckNumFrames(n int) {
	if n > 0 {
		s.required = n
	}
}

// DataInsert stashes leftover trailing bytes from a previous chunk to
// be prepended to the data examined by the next CompleteFrames call.
func (s *Sync) DataInsert(leftover []byte) {
	if len(leftover) == 0 {
		s.leftover = nil
		return
	}
	s.leftover = append([]byte(nil), leftover...)
}

// Synced reports whether a codec has been identified.
func (s *Sync) Synced() bool { return s.synced }

// Layer, Channels, SampleRate, Bitrate, and Type report the most
// recently detected codec parameters. Valid only once Synced() is true.
func (s *Sync) Layer() int          { return s.layer }
func (s *Sync) Channels() int       { return s.channels }
func (s *Sync) SampleRate() int     { return s.sampleRate }
func (s *Sync) Bitrate() int        { return s.bitrate }
func (s *Sync) Type() FrameType     { return s.frameType }

// CompleteFrames trims buf.Audio downward to end on the last complete
// MPEG/AAC frame boundary found, folding in any leftover bytes queued by
// a prior DataInsert. Once synced, it returns the number of trailing
// bytes that remain unparsed (not a multiple of a frame) — the caller
// should hand these to DataInsert so they prefix the next chunk. Before
// sync is established it leaves buf.Audio untouched (forwarded as-is)
// and returns a negative count whose magnitude is the number of bytes
// seen without a sync; the caller declares the stream dead once that
// magnitude exceeds its own threshold.
func (s *Sync) CompleteFrames(buf *refbuf.Buf) int {
	data := buf.Audio
	if len(s.leftover) > 0 {
		merged := make([]byte, 0, len(s.leftover)+len(data))
		merged = append(merged, s.leftover...)
		merged = append(merged, data...)
		data = merged
		s.leftover = nil
	}

	pos := 0
	for pos < len(data) {
		info, size := detectFrame(data[pos:])
		if size <= 0 {
			break
		}
		if pos+size > len(data) {
			break // trailing partial frame, stop before it
		}
		if !s.synced {
			s.framesSeen++
			s.frameType = info.frameType
			s.layer = info.layer
			s.channels = info.channels
			s.sampleRate = info.sampleRate
			s.bitrate = info.bitrate
			if s.framesSeen >= s.required {
				s.synced = true
			}
		}
		pos += size
	}

	if !s.synced {
		// Nothing has synced yet in this chunk: forward the data
		// unvalidated rather than discarding it, and report a negative
		// count whose magnitude is the bytes still awaiting sync so the
		// caller can apply the dead-stream threshold.
		buf.Audio = data
		if len(data) == 0 {
			return -1
		}
		return -len(data)
	}

	unprocessed := len(data) - pos
	buf.Audio = data[:pos]
	if pos > 0 {
		buf.Flags |= refbuf.FlagSync
	}
	return unprocessed
}

type frameInfo struct {
	frameType  FrameType
	layer      int
	channels   int
	sampleRate int
	bitrate    int
}

// detectFrame tries MP3 first, then ADTS AAC, returning the decoded
// header info and frame size in bytes, or size <= 0 if neither matched.
func detectFrame(data []byte) (frameInfo, int) {
	if info, size := detectMP3(data); size > 0 {
		return info, size
	}
	if info, size := detectAAC(data); size > 0 {
		return info, size
	}
	return frameInfo{}, 0
}

var mp3BitratesV1L1 = []int{0, 32, 64, 96, 128, 160, 192, 224, 256, 288, 320, 352, 384, 416, 448, 0}
var mp3BitratesV1L2 = []int{0, 32, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320, 384, 0}
var mp3BitratesV1L3 = []int{0, 32, 40, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320, 0}
var mp3BitratesV2 = []int{0, 8, 16, 24, 32, 40, 48, 56, 64, 80, 96, 112, 128, 144, 160, 0}

var mp3SampleV1 = []int{44100, 48000, 32000, 0}
var mp3SampleV2 = []int{22050, 24000, 16000, 0}
var mp3SampleV25 = []int{11025, 12000, 8000, 0}

// detectMP3 parses an MPEG 1 layer 1/2/3 or MPEG 2/2.5 layer 3 frame
// header (MPEG 2/2.5 layers 1 and 2 are rejected), matching
// stream.DetectMP3Frame's table layout.
func detectMP3(data []byte) (frameInfo, int) {
	if len(data) < 4 {
		return frameInfo{}, 0
	}
	if data[0] != 0xFF || (data[1]&0xE0) != 0xE0 {
		return frameInfo{}, 0
	}

	version := (data[1] >> 3) & 0x03
	layer := (data[1] >> 1) & 0x03
	bitrateIdx := (data[2] >> 4) & 0x0F
	samplingIdx := (data[2] >> 2) & 0x03
	padding := int((data[2] >> 1) & 0x01)
	channelMode := (data[3] >> 6) & 0x03

	if bitrateIdx == 0 || bitrateIdx == 15 || samplingIdx == 3 {
		return frameInfo{}, 0
	}

	var bitrate, sampleRate, layerNum int
	switch version {
	case 3: // MPEG1
		switch layer {
		case 1:
			bitrate = mp3BitratesV1L3[bitrateIdx] * 1000
			layerNum = 3
		case 2:
			bitrate = mp3BitratesV1L2[bitrateIdx] * 1000
			layerNum = 2
		case 3:
			bitrate = mp3BitratesV1L1[bitrateIdx] * 1000
			layerNum = 1
		default:
			return frameInfo{}, 0
		}
		sampleRate = mp3SampleV1[samplingIdx]
	case 2: // MPEG2
		if layer != 1 {
			return frameInfo{}, 0
		}
		bitrate = mp3BitratesV2[bitrateIdx] * 1000
		layerNum = 3
		sampleRate = mp3SampleV2[samplingIdx]
	case 0: // MPEG2.5
		if layer != 1 {
			return frameInfo{}, 0
		}
		bitrate = mp3BitratesV2[bitrateIdx] * 1000
		layerNum = 3
		sampleRate = mp3SampleV25[samplingIdx]
	default:
		return frameInfo{}, 0
	}

	if bitrate == 0 || sampleRate == 0 {
		return frameInfo{}, 0
	}

	var frameSize int
	switch layerNum {
	case 1:
		frameSize = (12*bitrate/sampleRate + padding) * 4
	case 2, 3:
		if version == 3 {
			frameSize = 144*bitrate/sampleRate + padding
		} else {
			frameSize = 72*bitrate/sampleRate + padding
		}
	}
	if frameSize <= 0 {
		return frameInfo{}, 0
	}

	channels := 2
	if channelMode == 3 {
		channels = 1
	}

	return frameInfo{
		frameType:  TypeMP3,
		layer:      layerNum,
		channels:   channels,
		sampleRate: sampleRate,
		bitrate:    bitrate,
	}, frameSize
}

var aacSampleRates = []int{96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050,
	16000, 12000, 11025, 8000, 7350, 0, 0, 0}

// detectAAC parses a 7-byte ADTS header (no CRC) or 9-byte (with CRC),
// returning the frame size encoded in the header.
func detectAAC(data []byte) (frameInfo, int) {
	if len(data) < 7 {
		return frameInfo{}, 0
	}
	// 12-bit syncword 0xFFF
	if data[0] != 0xFF || (data[1]&0xF0) != 0xF0 {
		return frameInfo{}, 0
	}
	protectionAbsent := data[1] & 0x01
	sampleIdx := (data[2] >> 2) & 0x0F
	channelCfg := ((data[2] & 0x01) << 2) | ((data[3] >> 6) & 0x03)
	frameLen := (int(data[3]&0x03) << 11) | (int(data[4]) << 3) | (int(data[5]>>5) & 0x07)

	if sampleIdx >= 13 {
		return frameInfo{}, 0
	}
	headerLen := 7
	if protectionAbsent == 0 {
		headerLen = 9
	}
	if frameLen < headerLen {
		return frameInfo{}, 0
	}

	channels := int(channelCfg)
	if channels == 0 {
		channels = 2
	}

	return frameInfo{
		frameType:  TypeAAC,
		layer:      0,
		channels:   channels,
		sampleRate: aacSampleRates[sampleIdx],
	}, frameLen
}
