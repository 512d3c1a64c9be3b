package device

import (
	"context"
	"slices"

	"github.com/danmuck/adbctl/internal/protocol"
	"github.com/danmuck/adbctl/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

// Forward asks the adb server to forward local to remote. The mapping is
// recorded only after the server accepts it.
func (d *Device) Forward(ctx context.Context, local, remote string, onResult func(error)) *session.Session {
	s := d.newSession("forward", []string{protocol.ForwardCommand(d.serial, local, remote)})
	return submitAndClose(ctx, s, func(err error) {
		if err == nil {
			d.recordForward(Forward{Local: local, Remote: remote})
			log.Debug().
				Str("serial", d.serial).
				Str("local", local).
				Str("remote", remote).
				Msg("device.Device forward recorded")
		}
		if onResult != nil {
			onResult(err)
		}
	})
}

func (d *Device) ForwardTCP(ctx context.Context, localPort, remotePort int, onResult func(error)) *session.Session {
	return d.Forward(ctx, protocol.TCPSpec(localPort), protocol.TCPSpec(remotePort), onResult)
}

func (d *Device) ForwardJDWP(ctx context.Context, localPort, pid int, onResult func(error)) *session.Session {
	return d.Forward(ctx, protocol.TCPSpec(localPort), protocol.JDWPSpec(pid), onResult)
}

// RemoveForwards kills every recorded forward in one session. With nothing
// recorded the session completes without connecting.
func (d *Device) RemoveForwards(ctx context.Context, onResult func(error)) *session.Session {
	snapshot := d.Forwards()
	cmds := make([]string, 0, len(snapshot))
	for _, f := range snapshot {
		cmds = append(cmds, protocol.KillForwardCommand(d.serial, f.Local, f.Remote))
	}
	return submitAndClose(ctx, d.newSession("killforward", cmds), func(err error) {
		if err == nil {
			d.dropForwards(snapshot)
		}
		if onResult != nil {
			onResult(err)
		}
	})
}

// Forwards returns the recorded forward table.
func (d *Device) Forwards() []Forward {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.forwards)
}

func (d *Device) recordForward(f Forward) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !slices.Contains(d.forwards, f) {
		d.forwards = append(d.forwards, f)
	}
}

func (d *Device) dropForwards(removed []Forward) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.forwards = slices.DeleteFunc(d.forwards, func(f Forward) bool {
		return slices.Contains(removed, f)
	})
}
