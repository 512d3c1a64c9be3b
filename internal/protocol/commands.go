package protocol

import (
	"fmt"
	"strconv"
)

const (
	// DefaultPort is the port the adb server listens on.
	DefaultPort = 5037
	DefaultHost = "127.0.0.1"

	CommandTrackDevices = "host:track-devices"
	CommandTrackJDWP    = "track-jdwp"
	CommandSync         = "sync:"
	CommandFramebuffer  = "framebuffer:"
)

func TransportCommand(serial string) string {
	return "host:transport:" + serial
}

func ShellCommand(command string) string {
	return "shell:" + command
}

// RebootCommand accepts an empty phase for a plain reboot.
func RebootCommand(phase string) string {
	return "reboot:" + phase
}

func LogCommand(name string) string {
	return "log:" + name
}

func ForwardCommand(serial, local, remote string) string {
	return fmt.Sprintf("host-serial:%s:forward:%s;%s", serial, local, remote)
}

func KillForwardCommand(serial, local, remote string) string {
	return fmt.Sprintf("host-serial:%s:killforward:%s;%s", serial, local, remote)
}

func TCPSpec(port int) string {
	return "tcp:" + strconv.Itoa(port)
}

func JDWPSpec(pid int) string {
	return "jdwp:" + strconv.Itoa(pid)
}

// TransportSequence prefixes a transport-scoped command with the device selection.
func TransportSequence(serial string, command string) []string {
	return []string{TransportCommand(serial), command}
}
