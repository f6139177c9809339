package chat

import (
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Decoder turns a chunked UTF-8 byte stream into text. A multi-byte sequence
// split across chunks is held back until the rest of it arrives; invalid
// bytes decode to U+FFFD.
type Decoder struct {
	t       transform.Transformer
	pending []byte
}

// NewDecoder returns a Decoder with no pending bytes.
func NewDecoder() *Decoder {
	return &Decoder{t: unicode.UTF8.NewDecoder()}
}

// Decode returns the text completed by chunk.
func (d *Decoder) Decode(chunk []byte) string {
	src := append(d.pending, chunk...)
	d.pending = nil
	return d.decode(src, false)
}

// Flush returns whatever is still pending as replacement characters and
// resets the decoder.
func (d *Decoder) Flush() string {
	src := d.pending
	d.pending = nil
	out := d.decode(src, true)
	d.t.Reset()
	return out
}

func (d *Decoder) decode(src []byte, atEOF bool) string {
	if len(src) == 0 {
		return ""
	}

	var out strings.Builder
	// Each invalid byte can grow into a 3-byte replacement character.
	dst := make([]byte, 3*len(src)+4)

	for {
		nDst, nSrc, err := d.t.Transform(dst, src, atEOF)
		out.Write(dst[:nDst])
		src = src[nSrc:]

		switch err {
		case nil:
			return out.String()
		case transform.ErrShortSrc:
			d.pending = append(d.pending, src...)
			return out.String()
		case transform.ErrShortDst:
			if nSrc == 0 && nDst == 0 {
				dst = make([]byte, 2*len(dst))
			}
		default:
			// The UTF-8 decoder replaces bad input instead of failing; keep
			// the remainder verbatim if it ever does.
			out.Write(src)
			return out.String()
		}
	}
}
