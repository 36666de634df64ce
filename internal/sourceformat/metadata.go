package sourceformat

import (
	"fmt"
	"math"
	"strings"

	"golang.org/x/text/encoding/charmap"
)

// UpdateState is the tri-state pending-metadata flag from format_mp3.c's data
// model: clean (nothing pending), needs-conversion (a set_tag call is
// waiting on a non-UTF-8 charset), or already-UTF-8 (ready to commit
// without further conversion).
type UpdateState int

const (
	UpdateClean UpdateState = iota
	UpdateNeedsConversion
	UpdateUTF8
)

// maxICYPayload is 255*16 bytes, the largest payload a single length
// byte can address.
const maxICYPayload = 255 * 16

// toUTF8 converts charset-encoded bytes to UTF-8. Only ISO-8859-1 is a
// real historical charset in this protocol; anything else (including
// empty, meaning "unspecified") passes through unchanged.
func toUTF8(s string, charset string) (string, error) {
	switch strings.ToUpper(charset) {
	case "", "UTF-8", "UTF8":
		return s, nil
	case "ISO-8859-1", "ISO8859-1", "LATIN1":
		decoded, err := charmap.ISO8859_1.NewDecoder().String(s)
		if err != nil {
			return "", fmt.Errorf("charset conversion from %s: %w", charset, err)
		}
		return decoded, nil
	default:
		return s, nil
	}
}

// buildICYPayload renders "StreamTitle='[artist - ]title';" optionally
// followed by "StreamUrl='url';", zero-padded to a 16*L+1 byte block,
// per format_mp3.c's mp3_set_title. Returns an error if the payload
// would overflow the single length byte (255*16 bytes).
func buildICYPayload(artist, title, streamURL string) ([]byte, error) {
	var sb strings.Builder
	sb.WriteString("StreamTitle='")
	if artist != "" && title != "" {
		sb.WriteString(artist)
		sb.WriteString(" - ")
		sb.WriteString(title)
	} else {
		sb.WriteString(title)
	}
	sb.WriteString("';")
	if streamURL != "" {
		sb.WriteString("StreamUrl='")
		sb.WriteString(streamURL)
		sb.WriteString("';")
	}

	payload := sb.String()
	// +1 for the length byte itself counted into the 16*L+1 rule.
	usable := len(payload) + 1
	if usable > maxICYPayload+1 {
		return nil, fmt.Errorf("metadata update overflow: %d bytes exceeds %d byte limit", usable-1, maxICYPayload)
	}

	blockLen := 1
	if usable > 1 {
		blockLen = (usable-1+15)/16
	}
	out := make([]byte, 1+blockLen*16)
	out[0] = byte(blockLen)
	copy(out[1:], payload)
	return out, nil
}

// buildFLVScriptTag renders an onMetaData AMF0 ECMA-array script tag
// carrying the same metadata fields.
func buildFLVScriptTag(artist, title, streamURL string, channels, sampleRate int, codecID int, bitrate int) []byte {
	var b amf0Writer
	b.writeAMFString("onMetaData")
	entries := [][2]string{
		{"name", title},
		{"description", title},
	}
	b.writeECMAArrayHeader(len(entries) + 5)
	for _, e := range entries {
		b.writeProperty(e[0], func(w *amf0Writer) { w.writeAMFString(e[1]) })
	}
	b.writeProperty("stereo", func(w *amf0Writer) { w.writeAMFBool(channels >= 2) })
	b.writeProperty("audiosamplerate", func(w *amf0Writer) { w.writeAMFNumber(float64(sampleRate)) })
	if bitrate > 0 {
		b.writeProperty("audiodatarate", func(w *amf0Writer) { w.writeAMFNumber(float64(bitrate) / 1000) })
	}
	b.writeProperty("audiocodecid", func(w *amf0Writer) { w.writeAMFNumber(float64(codecID)) })
	b.writeProperty("artist", func(w *amf0Writer) { w.writeAMFString(artist) })
	b.writeProperty("title", func(w *amf0Writer) { w.writeAMFString(title) })
	b.writeProperty("URL", func(w *amf0Writer) { w.writeAMFString(streamURL) })
	b.writeObjectEnd()
	return b.buf
}

// buildIceblock renders the self-delimited text metadata record:
// "mode=updinfo\n..." terminated by NUL, framed with the 2-byte
// big-endian length prefix whose first byte's high bit is set.
func buildIceblock(artist, title, streamURL string) []byte {
	var sb strings.Builder
	sb.WriteString("mode=updinfo\n")
	sb.WriteString("artist=")
	sb.WriteString(artist)
	sb.WriteString("\n")
	sb.WriteString("title=")
	sb.WriteString(title)
	sb.WriteString("\n")
	if streamURL != "" {
		sb.WriteString("URL=")
		sb.WriteString(streamURL)
		sb.WriteString("\n")
	}
	body := append([]byte(sb.String()), 0)

	out := make([]byte, 2+len(body))
	out[0] = byte((len(body)>>8)&0x7F) | 0x80
	out[1] = byte(len(body) & 0xFF)
	copy(out[2:], body)
	return out
}

// amf0Writer is a minimal AMF0 encoder, just enough for one onMetaData
// ECMA-array script tag; it is not a general-purpose AMF codec.
type amf0Writer struct {
	buf []byte
}

const (
	amf0Number    = 0x00
	amf0Boolean   = 0x01
	amf0String    = 0x02
	amf0ECMAArray = 0x08
	amf0ObjectEnd = 0x09
)

func (w *amf0Writer) writeAMFString(s string) {
	w.buf = append(w.buf, amf0String)
	w.writeAMFStringBody(s)
}

func (w *amf0Writer) writeAMFStringBody(s string) {
	l := len(s)
	w.buf = append(w.buf, byte(l>>8), byte(l))
	w.buf = append(w.buf, s...)
}

func (w *amf0Writer) writeAMFNumber(v float64) {
	w.buf = append(w.buf, amf0Number)
	bits := math.Float64bits(v)
	for i := 7; i >= 0; i-- {
		w.buf = append(w.buf, byte(bits>>(8*uint(i))))
	}
}

func (w *amf0Writer) writeAMFBool(v bool) {
	w.buf = append(w.buf, amf0Boolean)
	if v {
		w.buf = append(w.buf, 1)
	} else {
		w.buf = append(w.buf, 0)
	}
}

func (w *amf0Writer) writeECMAArrayHeader(count int) {
	w.buf = append(w.buf, amf0ECMAArray)
	w.buf = append(w.buf, byte(count>>24), byte(count>>16), byte(count>>8), byte(count))
}

func (w *amf0Writer) writeProperty(name string, value func(*amf0Writer)) {
	w.writeAMFStringBody(name)
	value(w)
}

func (w *amf0Writer) writeObjectEnd() {
	w.buf = append(w.buf, 0, 0, amf0ObjectEnd)
}

