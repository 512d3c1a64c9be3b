package syncproto

import (
	"encoding/binary"
	"fmt"

	"github.com/danmuck/adbctl/internal/protocol"
)

type EventType int

const (
	EventData EventType = iota
	EventEnd
	EventError
)

// Event is one decoded step of a RECV stream.
type Event struct {
	Type EventType
	Data []byte
	Text string
}

// PullDecoder reassembles DATA/DONE frames from arbitrarily split reads.
// Bytes at a frame boundary accumulate in a residual buffer until the tag
// and length are complete.
type PullDecoder struct {
	residual  []byte
	remaining uint32
	done      bool
	err       error
	total     int
}

// Feed consumes one read. Events are emitted in stream order.
func (d *PullDecoder) Feed(p []byte, emit func(Event)) error {
	for !d.done && d.err == nil {
		if d.remaining > 0 {
			if len(p) == 0 {
				return nil
			}
			n := len(p)
			if uint32(n) > d.remaining {
				n = int(d.remaining)
			}
			chunk := make([]byte, n)
			copy(chunk, p[:n])
			d.remaining -= uint32(n)
			d.total += n
			p = p[n:]
			emit(Event{Type: EventData, Data: chunk})
			continue
		}

		if len(p) > 0 {
			d.residual = append(d.residual, p...)
			p = nil
		}
		if len(d.residual) < TagLen {
			return nil
		}

		switch string(d.residual[:TagLen]) {
		case TagDone:
			d.done = true
			d.residual = nil
			emit(Event{Type: EventEnd})
			return nil
		case TagData:
			if len(d.residual) < HeaderLen {
				return nil
			}
			length := binary.LittleEndian.Uint32(d.residual[TagLen:HeaderLen])
			if length > MaxChunkSize {
				d.err = fmt.Errorf("%w: DATA length %d", ErrChunkTooLarge, length)
				return d.err
			}
			p = d.residual[HeaderLen:]
			d.residual = nil
			d.remaining = length
		default:
			text := string(d.residual)
			d.residual = nil
			emit(Event{Type: EventError, Text: text})
			return nil
		}
	}
	return d.err
}

// Done reports whether DONE has been seen.
func (d *PullDecoder) Done() bool {
	return d.done
}

// Total is the count of payload bytes emitted so far.
func (d *PullDecoder) Total() int {
	return d.total
}

// Finish is called at end of stream; anything short of DONE is incomplete.
func (d *PullDecoder) Finish() error {
	if d.err != nil {
		return d.err
	}
	if d.done {
		return nil
	}
	return fmt.Errorf("%w: pull ended without DONE (pending=%d residual=%d)",
		protocol.ErrSyncIncomplete, d.remaining, len(d.residual))
}
