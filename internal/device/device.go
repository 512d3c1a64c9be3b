// Package device is the public operation surface for one Android device.
//
// Ownership boundary:
// - device addressing and per-operation session construction
// - forward table bookkeeping
// - stream readers for shell, log, track-jdwp and track-devices
//
// Every call opens its own session; nothing per-call is stored on Device.
package device

import (
	"context"
	"os"
	"sync"

	"github.com/danmuck/adbctl/internal/framebuffer"
	"github.com/danmuck/adbctl/internal/protocol"
	"github.com/danmuck/adbctl/internal/protocol/session"
	"github.com/danmuck/adbctl/internal/transfer"
	"github.com/rs/zerolog/log"
)

// Forward is one local to remote mapping accepted by the adb server.
type Forward struct {
	Local  string
	Remote string
}

type Device struct {
	serial string
	cfg    session.Config

	mu       sync.Mutex
	forwards []Forward
}

func New(serial string, cfg session.Config) *Device {
	return &Device{serial: serial, cfg: cfg.WithDefaults()}
}

func (d *Device) Serial() string {
	return d.serial
}

func (d *Device) newSession(op string, commands []string) *session.Session {
	return session.New(d.cfg, session.Request{Operation: op, Commands: commands})
}

func (d *Device) transport(op, command string) *session.Session {
	return d.newSession(op, protocol.TransportSequence(d.serial, command))
}

// submitAndClose runs a session whose only result is its status.
func submitAndClose(ctx context.Context, s *session.Session, onResult func(error)) *session.Session {
	s.Start(ctx, func(err error) {
		_ = s.Close()
		if onResult != nil {
			onResult(err)
		}
	})
	return s
}

// Reboot reboots the device into phase ("" for a normal boot).
func (d *Device) Reboot(ctx context.Context, phase string, onResult func(error)) *session.Session {
	log.Info().Str("serial", d.serial).Str("phase", phase).Msg("device.Device reboot")
	return submitAndClose(ctx, d.transport("reboot", protocol.RebootCommand(phase)), onResult)
}

// Push uploads to name, placing bare names under /data/local/tmp with mode 0777.
func (d *Device) Push(ctx context.Context, name string, onResult func(error)) *transfer.Upload {
	return d.PushFile(ctx, transfer.RemotePath(name), transfer.DefaultMode, onResult)
}

func (d *Device) PushFile(ctx context.Context, remotePath string, mode os.FileMode, onResult func(error)) *transfer.Upload {
	return transfer.Push(ctx, d.transport("push", protocol.CommandSync), remotePath, mode, onResult)
}

func (d *Device) Pull(ctx context.Context, remotePath string, onEvent func(transfer.PullEvent)) *transfer.Download {
	return transfer.Pull(ctx, d.transport("pull", protocol.CommandSync), remotePath, onEvent)
}

// FrameBuffer captures one screen frame. Closing the returned session
// aborts the capture.
func (d *Device) FrameBuffer(ctx context.Context, onResult func(*framebuffer.Frame, error)) *session.Session {
	s := d.transport("framebuffer", protocol.CommandFramebuffer)
	framebuffer.Capture(ctx, s, onResult)
	return s
}

// Shell runs command and streams its output. Write feeds the remote stdin.
func (d *Device) Shell(ctx context.Context, command string, onEvent func(StreamEvent)) *Stream {
	return startStream(ctx, d.transport("shell", protocol.ShellCommand(command)), onEvent)
}

// Log streams the named device log buffer.
func (d *Device) Log(ctx context.Context, name string, onEvent func(StreamEvent)) *Stream {
	return startStream(ctx, d.transport("log", protocol.LogCommand(name)), onEvent)
}
