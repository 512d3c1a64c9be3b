package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/adbctl/internal/protocol"
	"github.com/danmuck/adbctl/internal/protocol/frame"
	"github.com/danmuck/adbctl/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

// JDWPEvent is one snapshot of debuggable process ids.
type JDWPEvent struct {
	Pids []int
}

// DeviceEntry is one line of a track-devices list.
type DeviceEntry struct {
	Serial string
	State  string
}

// DeviceListEvent is one full device list snapshot.
type DeviceListEvent struct {
	Devices []DeviceEntry
}

// Tracker reads length-prefixed snapshots until closed.
type Tracker struct {
	sess   *session.Session
	done   chan struct{}
	err    error
	events int
}

func startTracker(ctx context.Context, sess *session.Session, deliver func([]byte) error) *Tracker {
	t := &Tracker{sess: sess, done: make(chan struct{})}
	go func() {
		t.err = t.run(ctx, deliver)
		_ = sess.Close()
		if t.err != nil {
			log.Debug().
				Str("session", sess.ID()).
				Str("op", sess.Operation()).
				Err(t.err).
				Msg("device.Tracker stopped")
		}
		close(t.done)
	}()
	return t
}

func (t *Tracker) run(ctx context.Context, deliver func([]byte) error) error {
	if err := t.sess.Run(ctx); err != nil {
		return err
	}
	for {
		msg, err := frame.ReadMessage(t.sess)
		if err != nil {
			if t.sess.Closed() && ctx.Err() == nil {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return fmt.Errorf("%w: tracker stream ended: %w", protocol.ErrConnection, err)
			}
			return fmt.Errorf("%w: tracker read: %w", protocol.ErrConnection, err)
		}
		if err := deliver(msg); err != nil {
			return err
		}
		t.events++
	}
}

func (t *Tracker) Close() error {
	return t.sess.Close()
}

// Wait returns nil after Close, otherwise the error that ended the stream.
func (t *Tracker) Wait() error {
	<-t.done
	return t.err
}

func (t *Tracker) Done() <-chan struct{} {
	return t.done
}

// Delivered is valid after Wait returns.
func (t *Tracker) Delivered() int {
	<-t.done
	return t.events
}

// ParseJDWP parses one newline separated pid list.
func ParseJDWP(payload []byte) (JDWPEvent, error) {
	var ev JDWPEvent
	for _, field := range strings.Fields(string(payload)) {
		pid, err := strconv.Atoi(field)
		if err != nil {
			return JDWPEvent{}, fmt.Errorf("%w: jdwp pid %q", protocol.ErrProtocol, field)
		}
		ev.Pids = append(ev.Pids, pid)
	}
	return ev, nil
}

// ParseDeviceList parses one "serial\tstate" per line list.
func ParseDeviceList(payload []byte) (DeviceListEvent, error) {
	var ev DeviceListEvent
	for _, line := range strings.Split(string(payload), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		serial, state, ok := strings.Cut(line, "\t")
		if !ok {
			return DeviceListEvent{}, fmt.Errorf("%w: device line %q", protocol.ErrProtocol, line)
		}
		ev.Devices = append(ev.Devices, DeviceEntry{Serial: serial, State: strings.TrimSpace(state)})
	}
	return ev, nil
}

// TrackJDWP streams the debuggable process list of the device.
func (d *Device) TrackJDWP(ctx context.Context, onEvent func(JDWPEvent)) *Tracker {
	return startTracker(ctx, d.transport("track-jdwp", protocol.CommandTrackJDWP), func(b []byte) error {
		ev, err := ParseJDWP(b)
		if err != nil {
			return err
		}
		if onEvent != nil {
			onEvent(ev)
		}
		return nil
	})
}

// Monitor streams device list snapshots on its own connection.
func Monitor(ctx context.Context, cfg session.Config, onEvent func(DeviceListEvent)) *Tracker {
	sess := session.New(cfg, session.Request{
		Operation: "track-devices",
		Commands:  []string{protocol.CommandTrackDevices},
	})
	return startTracker(ctx, sess, func(b []byte) error {
		ev, err := ParseDeviceList(b)
		if err != nil {
			return err
		}
		if onEvent != nil {
			onEvent(ev)
		}
		return nil
	})
}

// WatchDevices keeps a Monitor running, reconnecting with backoff, until ctx ends.
func WatchDevices(ctx context.Context, cfg session.Config, onEvent func(DeviceListEvent)) error {
	cfg = cfg.WithDefaults()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	attempt := 0
	for {
		t := Monitor(ctx, cfg, onEvent)
		err := t.Wait()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if t.Delivered() > 0 {
			attempt = 0
		}
		attempt++
		log.Warn().
			Int("attempt", attempt).
			Str("addr", cfg.Address).
			Err(err).
			Msg("device.WatchDevices reconnecting")
		if err := session.SleepBackoff(ctx, cfg.Backoff, attempt, rng); err != nil {
			return err
		}
	}
}
