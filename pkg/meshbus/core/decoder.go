package core

import (
	"github.com/gammazero/deque"
	"github.com/jabolina/go-meshbus/pkg/meshbus/types"
	"github.com/prometheus/common/log"
)

// FrameReader accumulates raw stream bytes and slices them back into
// framed messages. Frames arrive concatenated without delimiters, so
// the reader keeps whatever tail did not complete a frame yet.
//
// Not safe for concurrent use, every stream is drained by exactly one
// goroutine.
type FrameReader struct {
	buf    []byte
	frames deque.Deque
}

func NewFrameReader() *FrameReader {
	return &FrameReader{}
}

// Append feeds freshly read bytes and decodes every complete frame
// into the pending queue. Frames with an unknown type id or a decoder
// rejection are dropped with a warning and decoding continues at the
// next frame boundary.
func (r *FrameReader) Append(b []byte) {
	r.buf = append(r.buf, b...)

	for {
		if len(r.buf) < types.HeaderSize {
			return
		}

		_, length := types.Header(r.buf)
		size := types.HeaderSize + int(length)
		if len(r.buf) < size {
			return
		}

		if message := types.Decode(r.buf[:size]); message != nil {
			r.frames.PushBack(message)
		} else {
			log.Warnf("dropping undecodable frame of %d bytes", size)
		}
		r.buf = r.buf[size:]
	}
}

// Next pops the oldest decoded message, nil when more bytes are needed.
func (r *FrameReader) Next() types.Message {
	if r.frames.Len() == 0 {
		return nil
	}
	return r.frames.PopFront().(types.Message)
}

// Pending reports how many decoded messages wait to be consumed.
func (r *FrameReader) Pending() int {
	return r.frames.Len()
}
