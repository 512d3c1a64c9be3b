package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/danmuck/adbctl/internal/observability"
	"github.com/danmuck/adbctl/internal/protocol"
	"github.com/danmuck/adbctl/internal/protocol/session"
	"github.com/danmuck/adbctl/internal/protocol/syncproto"
	"github.com/rs/zerolog/log"
)

type PullEventType int

const (
	PullData PullEventType = iota
	PullEnd
	PullError
	PullFailed
)

func (t PullEventType) String() string {
	switch t {
	case PullData:
		return "data"
	case PullEnd:
		return "end"
	case PullError:
		return "error"
	case PullFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// PullEvent is delivered in stream order. Data events carry file bytes,
// Error events carry server text that was not a DATA or DONE frame, and
// Failed carries the terminal error.
type PullEvent struct {
	Type PullEventType
	Data []byte
	Text string
	Err  error
}

// Download is the consumer side of one pull.
type Download struct {
	sess       *session.Session
	remotePath string
	onEvent    func(PullEvent)
	decoder    syncproto.PullDecoder
	done       chan struct{}
	err        error
}

const readBufferSize = 32 * 1024

// Pull sends RECV for remotePath on sess and streams the file to onEvent.
func Pull(ctx context.Context, sess *session.Session, remotePath string, onEvent func(PullEvent)) *Download {
	d := &Download{
		sess:       sess,
		remotePath: remotePath,
		onEvent:    onEvent,
		done:       make(chan struct{}),
	}
	go d.run(ctx)
	return d
}

// Wait blocks until the pull has ended and returns its terminal error.
func (d *Download) Wait() error {
	<-d.done
	return d.err
}

func (d *Download) Done() <-chan struct{} {
	return d.done
}

// Cancel closes the session; Wait then reports a connection error.
func (d *Download) Cancel() error {
	return d.sess.Close()
}

// Received is valid after Wait returns.
func (d *Download) Received() int {
	<-d.done
	return d.decoder.Total()
}

func (d *Download) emit(ev PullEvent) {
	if d.onEvent != nil {
		d.onEvent(ev)
	}
}

func (d *Download) run(ctx context.Context) {
	start := time.Now()
	err := d.stream(ctx)
	_ = d.sess.Close()
	observability.RecordSession("pull.stream", err, time.Since(start))
	if err != nil {
		log.Warn().
			Str("session", d.sess.ID()).
			Str("path", d.remotePath).
			Err(err).
			Msg("transfer.Download failed")
		d.emit(PullEvent{Type: PullFailed, Err: err})
	} else {
		log.Debug().
			Str("session", d.sess.ID()).
			Str("path", d.remotePath).
			Int("bytes", d.decoder.Total()).
			Msg("transfer.Download complete")
	}
	d.err = err
	close(d.done)
}

func (d *Download) stream(ctx context.Context) error {
	if err := d.sess.Run(ctx); err != nil {
		return err
	}
	req, err := syncproto.EncodeRequest(syncproto.TagRecv, []byte(d.remotePath))
	if err != nil {
		return err
	}
	if _, err := d.sess.Write(req); err != nil {
		return fmt.Errorf("%w: send RECV: %w", protocol.ErrConnection, err)
	}

	buf := make([]byte, readBufferSize)
	for {
		n, rerr := d.sess.Read(buf)
		if n > 0 {
			ferr := d.decoder.Feed(buf[:n], func(ev syncproto.Event) {
				switch ev.Type {
				case syncproto.EventData:
					observability.RecordSyncBytes(observability.DirectionPull, len(ev.Data))
					d.emit(PullEvent{Type: PullData, Data: ev.Data})
				case syncproto.EventEnd:
					d.emit(PullEvent{Type: PullEnd})
				case syncproto.EventError:
					d.emit(PullEvent{Type: PullError, Text: ev.Text})
				}
			})
			if ferr != nil {
				return ferr
			}
			if d.decoder.Done() {
				return nil
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return d.decoder.Finish()
			}
			if d.sess.Closed() && ctx.Err() != nil {
				return fmt.Errorf("%w: pull %s: %w", protocol.ErrConnection, d.remotePath, ctx.Err())
			}
			return fmt.Errorf("%w: pull %s: %w", protocol.ErrConnection, d.remotePath, rerr)
		}
	}
}
