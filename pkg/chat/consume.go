package chat

import (
	"context"
	"errors"
	"io"
)

const readSize = 4096

// Consume reads a reply stream to its end, applying every chunk to s as it
// arrives and calling onUpdate after each visible change. A clean end of
// stream finalizes the exchange; any other read error fails it.
func Consume(ctx context.Context, r io.Reader, s *Session, onUpdate func()) (Entry, error) {
	notify := func() {
		if onUpdate != nil {
			onUpdate()
		}
	}

	buf := make([]byte, readSize)
	for {
		if err := ctx.Err(); err != nil {
			err = s.Fail(err)
			notify()
			return Entry{}, err
		}

		n, err := r.Read(buf)
		if n > 0 && s.Apply(buf[:n]) {
			notify()
		}

		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			reply, ferr := s.Finish()
			notify()
			return reply, ferr
		default:
			err = s.Fail(err)
			notify()
			return Entry{}, err
		}
	}
}
