package upstream

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

// frame is one decoded line of a framed upstream stream.
type frame struct {
	text string
	done bool
}

// frameDecoder turns one non-empty line into a frame. ok is false for lines
// that carry nothing (comments, keep-alives, unparseable chunks). A non-nil
// error ends the stream.
type frameDecoder func(line []byte) (f frame, ok bool, err error)

// frameReader strips provider framing from a line-oriented stream and yields
// the bare text. Text is handed out as soon as each line is decoded.
type frameReader struct {
	body    io.ReadCloser
	br      *bufio.Reader
	decode  frameDecoder
	pending []byte
	err     error
}

func newFrameReader(body io.ReadCloser, decode frameDecoder) *frameReader {
	return &frameReader{
		body:   body,
		br:     bufio.NewReader(body),
		decode: decode,
	}
}

func (r *frameReader) Read(p []byte) (int, error) {
	for len(r.pending) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		r.next()
	}

	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

// next reads one line and appends its text to pending, recording the
// terminal error if the stream ended.
func (r *frameReader) next() {
	line, readErr := r.br.ReadBytes('\n')

	if line = bytes.TrimSpace(line); len(line) > 0 {
		f, ok, err := r.decode(line)
		if err != nil {
			r.err = err
			return
		}
		if ok {
			r.pending = append(r.pending, f.text...)
			if f.done {
				r.err = io.EOF
				return
			}
		}
	}

	if readErr != nil {
		if errors.Is(readErr, io.EOF) {
			// The provider never sent its end marker.
			readErr = io.ErrUnexpectedEOF
		}
		r.err = readErr
	}
}

func (r *frameReader) Close() error {
	return r.body.Close()
}
