package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/danmuck/adbctl/internal/config"
	"github.com/danmuck/adbctl/internal/device"
	"github.com/danmuck/adbctl/internal/framebuffer"
	"github.com/danmuck/adbctl/internal/protocol"
	"github.com/danmuck/adbctl/internal/transfer"
	"github.com/mattn/go-isatty"
	"github.com/zeebo/blake3"
)

var errNoSerial = errors.New("no device serial (use --serial, ANDROID_SERIAL, or serial in config)")

type command struct {
	usage   string
	minArgs int
	run     func(ctx context.Context, cfg config.ClientConfig, args []string) error
}

var commandOrder = []string{
	"devices", "shell", "reboot", "push", "pull", "forward", "jdwp", "log", "screencap", "config",
}

var commands = map[string]command{
	"devices":   {usage: "", run: runDevices},
	"shell":     {usage: "<cmd...>", minArgs: 1, run: runShell},
	"reboot":    {usage: "[bootloader|recovery|...]", run: runReboot},
	"push":      {usage: "<local> <remote>", minArgs: 2, run: runPush},
	"pull":      {usage: "<remote> <local>", minArgs: 2, run: runPull},
	"forward":   {usage: "<local> <remote> (held until interrupted)", minArgs: 2, run: runForward},
	"jdwp":      {usage: "", run: runJDWP},
	"log":       {usage: "<main|system|radio|events>", minArgs: 1, run: runLog},
	"screencap": {usage: "<out.png|out.bmp>", minArgs: 1, run: runScreencap},
	"config":    {usage: "<path> [--force]", minArgs: 1, run: runConfigInit},
}

func openDevice(cfg config.ClientConfig) (*device.Device, error) {
	if strings.TrimSpace(cfg.Serial) == "" {
		return nil, errNoSerial
	}
	return device.New(cfg.Serial, cfg.SessionConfig()), nil
}

// await blocks on a single-result callback.
func await(ctx context.Context, start func(func(error))) error {
	result := make(chan error, 1)
	start(func(err error) { result <- err })
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func runDevices(ctx context.Context, cfg config.ClientConfig, _ []string) error {
	err := device.WatchDevices(ctx, cfg.SessionConfig(), func(ev device.DeviceListEvent) {
		fmt.Println("List of devices attached")
		for _, d := range ev.Devices {
			fmt.Printf("%s\t%s\n", d.Serial, d.State)
		}
		fmt.Println()
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func runShell(ctx context.Context, cfg config.ClientConfig, args []string) error {
	d, err := openDevice(cfg)
	if err != nil {
		return err
	}
	st := d.Shell(ctx, strings.Join(args, " "), func(ev device.StreamEvent) {
		if ev.Type == device.StreamOutput {
			_, _ = os.Stdout.Write(ev.Data)
		}
	})
	if !isatty.IsTerminal(os.Stdin.Fd()) {
		go func() {
			_, _ = io.Copy(st, os.Stdin)
		}()
	}
	return st.Wait()
}

func runReboot(ctx context.Context, cfg config.ClientConfig, args []string) error {
	d, err := openDevice(cfg)
	if err != nil {
		return err
	}
	phase := ""
	if len(args) > 0 {
		phase = args[0]
	}
	return await(ctx, func(done func(error)) { d.Reboot(ctx, phase, done) })
}

func runPush(ctx context.Context, cfg config.ClientConfig, args []string) error {
	d, err := openDevice(cfg)
	if err != nil {
		return err
	}
	local, remote := args[0], args[1]
	f, err := os.Open(local)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}

	up := d.PushFile(ctx, transfer.RemotePath(remote), info.Mode().Perm(), nil)
	hasher := blake3.New()
	n, err := io.Copy(io.MultiWriter(up, hasher), f)
	if err != nil {
		_ = up.Abort()
		_ = up.Wait()
		return err
	}
	if err := up.Close(); err != nil {
		return err
	}
	if err := up.Wait(); err != nil {
		return err
	}
	fmt.Printf("%s: %d bytes pushed blake3=%s\n", remote, n, hex.EncodeToString(hasher.Sum(nil)))
	return nil
}

func runPull(ctx context.Context, cfg config.ClientConfig, args []string) error {
	d, err := openDevice(cfg)
	if err != nil {
		return err
	}
	remote, local := args[0], args[1]
	f, err := os.Create(local)
	if err != nil {
		return err
	}
	defer f.Close()

	hasher := blake3.New()
	out := io.MultiWriter(f, hasher)
	var writeErr error
	var remoteText []string
	dl := d.Pull(ctx, remote, func(ev transfer.PullEvent) {
		switch ev.Type {
		case transfer.PullData:
			if writeErr == nil {
				_, writeErr = out.Write(ev.Data)
			}
		case transfer.PullError:
			remoteText = append(remoteText, ev.Text)
		}
	})
	if err := dl.Wait(); err != nil {
		if len(remoteText) > 0 {
			return fmt.Errorf("%w: %s", err, strings.Join(remoteText, "; "))
		}
		return err
	}
	if writeErr != nil {
		return writeErr
	}
	fmt.Printf("%s: %d bytes pulled blake3=%s\n", local, dl.Received(), hex.EncodeToString(hasher.Sum(nil)))
	return nil
}

func runForward(ctx context.Context, cfg config.ClientConfig, args []string) error {
	d, err := openDevice(cfg)
	if err != nil {
		return err
	}
	if err := await(ctx, func(done func(error)) { d.Forward(ctx, args[0], args[1], done) }); err != nil {
		return err
	}
	fmt.Printf("forwarding %s -> %s\n", args[0], args[1])
	<-ctx.Done()

	cleanup, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return await(cleanup, func(done func(error)) { d.RemoveForwards(cleanup, done) })
}

func runJDWP(ctx context.Context, cfg config.ClientConfig, _ []string) error {
	d, err := openDevice(cfg)
	if err != nil {
		return err
	}
	tr := d.TrackJDWP(ctx, func(ev device.JDWPEvent) {
		for _, pid := range ev.Pids {
			fmt.Println(pid)
		}
		fmt.Println()
	})
	err = tr.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func runLog(ctx context.Context, cfg config.ClientConfig, args []string) error {
	d, err := openDevice(cfg)
	if err != nil {
		return err
	}
	st := d.Log(ctx, args[0], func(ev device.StreamEvent) {
		if ev.Type == device.StreamOutput {
			_, _ = os.Stdout.Write(ev.Data)
		}
	})
	return st.Wait()
}

func runScreencap(ctx context.Context, cfg config.ClientConfig, args []string) error {
	d, err := openDevice(cfg)
	if err != nil {
		return err
	}
	format, err := framebuffer.FormatFromPath(args[0])
	if err != nil {
		return err
	}
	type result struct {
		frame *framebuffer.Frame
		err   error
	}
	ch := make(chan result, 1)
	d.FrameBuffer(ctx, func(f *framebuffer.Frame, err error) { ch <- result{f, err} })
	var res result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return ctx.Err()
	}
	if res.err != nil {
		return res.err
	}
	out, err := os.Create(args[0])
	if err != nil {
		return err
	}
	if err := framebuffer.Encode(out, res.frame, format); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	h := res.frame.Header
	fmt.Printf("%s: %dx%d bpp=%d\n", args[0], h.Width, h.Height, h.BPP)
	return nil
}

func runConfigInit(_ context.Context, _ config.ClientConfig, args []string) error {
	force := len(args) > 1 && args[1] == "--force"
	if err := config.WriteTemplate(args[0], force); err != nil {
		return err
	}
	fmt.Printf("wrote config template to %s (adb server default %s:%d)\n", args[0], protocol.DefaultHost, protocol.DefaultPort)
	return nil
}
