package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"sync"
	"time"

	"github.com/danmuck/adbctl/internal/observability"
	"github.com/danmuck/adbctl/internal/protocol"
	"github.com/danmuck/adbctl/internal/protocol/frame"
	"github.com/danmuck/adbctl/internal/protocol/session"
	"github.com/danmuck/adbctl/internal/protocol/syncproto"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultRemoteDir is where Device.Push places bare file names.
	DefaultRemoteDir = "/data/local/tmp"
	DefaultMode      = os.FileMode(0o777)
)

var (
	ErrUploadRejected = errors.New("transfer: upload rejected")
	ErrUploadClosed   = errors.New("transfer: upload already closed")
)

// RemotePath resolves a bare name under DefaultRemoteDir.
func RemotePath(name string) string {
	if path.IsAbs(name) {
		return name
	}
	return path.Join(DefaultRemoteDir, name)
}

type pendingChunk struct {
	data []byte
	done bool
}

// Upload is the producer side of one push. Write and Close never block on
// the network; chunks queue until the SEND handshake is ready.
type Upload struct {
	sess       *session.Session
	remotePath string
	mode       os.FileMode
	now        func() time.Time

	mu      sync.Mutex
	pending []pendingChunk
	failed  error
	closed  bool
	wake    chan struct{}

	done     chan struct{}
	err      error
	onResult func(error)
	sent     int
}

// Push starts the sync handshake on sess and streams producer data to remotePath.
func Push(ctx context.Context, sess *session.Session, remotePath string, mode os.FileMode, onResult func(error)) *Upload {
	u := &Upload{
		sess:       sess,
		remotePath: remotePath,
		mode:       mode,
		now:        time.Now,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
		onResult:   onResult,
	}
	go u.run(ctx)
	return u
}

// Write queues p as one or more DATA chunks. It returns ErrUploadRejected
// once the handshake or stream has failed.
func (u *Upload) Write(p []byte) (int, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.failed != nil {
		return 0, fmt.Errorf("%w: %w", ErrUploadRejected, u.failed)
	}
	if u.closed {
		return 0, ErrUploadClosed
	}
	for _, c := range syncproto.SplitChunks(p) {
		buf := make([]byte, len(c))
		copy(buf, c)
		u.pending = append(u.pending, pendingChunk{data: buf})
	}
	u.signal()
	return len(p), nil
}

// Close queues end-of-stream. The outcome arrives through Wait or onResult.
func (u *Upload) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.failed != nil {
		return fmt.Errorf("%w: %w", ErrUploadRejected, u.failed)
	}
	if u.closed {
		return nil
	}
	u.closed = true
	u.pending = append(u.pending, pendingChunk{done: true})
	u.signal()
	return nil
}

// Abort closes the session without sending DONE.
func (u *Upload) Abort() error {
	return u.sess.Close()
}

// Wait blocks until the upload has finished and returns its outcome.
func (u *Upload) Wait() error {
	<-u.done
	return u.err
}

func (u *Upload) Done() <-chan struct{} {
	return u.done
}

// Sent is the number of payload bytes written to the socket.
func (u *Upload) Sent() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.sent
}

func (u *Upload) signal() {
	select {
	case u.wake <- struct{}{}:
	default:
	}
}

func (u *Upload) run(ctx context.Context) {
	start := time.Now()
	err := u.stream(ctx)
	_ = u.sess.Close()
	observability.RecordSession("push.stream", err, time.Since(start))
	if err != nil {
		u.fail(err)
		log.Warn().
			Str("session", u.sess.ID()).
			Str("path", u.remotePath).
			Err(err).
			Msg("transfer.Upload failed")
	} else {
		log.Debug().
			Str("session", u.sess.ID()).
			Str("path", u.remotePath).
			Int("bytes", u.Sent()).
			Msg("transfer.Upload complete")
	}
	u.err = err
	close(u.done)
	if u.onResult != nil {
		u.onResult(err)
	}
}

func (u *Upload) fail(err error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.failed == nil {
		u.failed = err
	}
	if dropped := len(u.pending); dropped > 0 {
		log.Debug().
			Str("session", u.sess.ID()).
			Int("chunks", dropped).
			Msg("transfer.Upload dropped pending chunks")
	}
	u.pending = nil
}

func (u *Upload) stream(ctx context.Context) error {
	if err := u.sess.Run(ctx); err != nil {
		return err
	}
	header, err := syncproto.EncodeRequest(syncproto.TagSend, syncproto.EncodePathMode(u.remotePath, u.mode))
	if err != nil {
		return err
	}
	if _, err := u.sess.Write(header); err != nil {
		return fmt.Errorf("%w: send SEND header: %w", protocol.ErrConnection, err)
	}
	for {
		select {
		case <-u.wake:
		case <-u.sess.Done():
			return fmt.Errorf("%w: push %s: %w", protocol.ErrConnection, u.remotePath, session.ErrSessionClosed)
		}
		batch := u.takePending()
		for _, c := range batch {
			if c.done {
				return u.finish()
			}
			if len(c.data) == 0 {
				continue
			}
			b, err := syncproto.EncodeData(c.data)
			if err != nil {
				return err
			}
			if _, err := u.sess.Write(b); err != nil {
				return fmt.Errorf("%w: send DATA: %w", protocol.ErrConnection, err)
			}
			u.mu.Lock()
			u.sent += len(c.data)
			u.mu.Unlock()
			observability.RecordSyncBytes(observability.DirectionPush, len(c.data))
		}
	}
}

func (u *Upload) takePending() []pendingChunk {
	u.mu.Lock()
	defer u.mu.Unlock()
	batch := u.pending
	u.pending = nil
	return batch
}

// finish sends DONE and waits for the single closing status.
func (u *Upload) finish() error {
	if _, err := u.sess.Write(syncproto.EncodeDone(u.now())); err != nil {
		return fmt.Errorf("%w: send DONE: %w", protocol.ErrConnection, err)
	}
	status, raw, err := frame.ReadStatus(u.sess)
	if err != nil {
		return fmt.Errorf("%w: await push status: %w", protocol.ErrConnection, err)
	}
	if status != frame.StatusOkay {
		cmdErr := &protocol.CommandError{Command: syncproto.TagSend + " " + u.remotePath, Status: string(raw)}
		if status == frame.StatusFail {
			cmdErr.Status = frame.TokenFail
			if msg, err := syncproto.ReadFailMessage(u.sess); err == nil {
				cmdErr.Message = msg
			}
		}
		log.Error().
			Str("session", u.sess.ID()).
			Str("path", u.remotePath).
			Str("status", cmdErr.Status).
			Msg("transfer.Upload push file failed")
		return cmdErr
	}
	return nil
}
