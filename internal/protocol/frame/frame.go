package frame

import (
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/danmuck/adbctl/internal/protocol"
)

const (
	LengthPrefixLen = 4
	StatusLen       = 4
	MaxPayloadLen   = 0xFFFF
)

// Status is the 4-byte token the adb server answers each request with.
type Status int

const (
	StatusUnknown Status = iota
	StatusOkay
	StatusFail
)

const (
	TokenOkay = "OKAY"
	TokenFail = "FAIL"
)

var (
	ErrPayloadTooLarge = fmt.Errorf("%w: frame: payload too large", protocol.ErrProtocol)
	ErrInvalidLength   = fmt.Errorf("%w: frame: invalid length prefix", protocol.ErrProtocol)
	ErrShortStatus     = errors.New("frame: short status")
)

func (s Status) String() string {
	switch s {
	case StatusOkay:
		return TokenOkay
	case StatusFail:
		return TokenFail
	default:
		return "UNKNOWN"
	}
}

// Encode builds the request frame for one command.
func Encode(command string) ([]byte, error) {
	if len(command) > MaxPayloadLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(command))
	}
	out := make([]byte, 0, LengthPrefixLen+len(command))
	out = fmt.Appendf(out, "%04x", len(command))
	out = append(out, command...)
	return out, nil
}

// ParseLength decodes a 4 hex digit length prefix.
func ParseLength(prefix []byte) (int, error) {
	if len(prefix) < LengthPrefixLen {
		return 0, fmt.Errorf("%w: short prefix %q", ErrInvalidLength, prefix)
	}
	n, err := strconv.ParseUint(string(prefix[:LengthPrefixLen]), 16, 16)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidLength, prefix[:LengthPrefixLen])
	}
	return int(n), nil
}

// DecodeStatus inspects the first four bytes as an ASCII status token.
func DecodeStatus(b []byte) Status {
	if len(b) < StatusLen {
		return StatusUnknown
	}
	switch string(b[:StatusLen]) {
	case TokenOkay:
		return StatusOkay
	case TokenFail:
		return StatusFail
	default:
		return StatusUnknown
	}
}

// ReadStatus reads exactly one status token and returns the raw bytes with it.
func ReadStatus(r io.Reader) (Status, []byte, error) {
	var raw [StatusLen]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return StatusUnknown, nil, ErrShortStatus
		}
		return StatusUnknown, nil, err
	}
	return DecodeStatus(raw[:]), raw[:], nil
}

// ReadMessage reads one length-prefixed payload.
func ReadMessage(r io.Reader) ([]byte, error) {
	var prefix [LengthPrefixLen]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	n, err := ParseLength(prefix[:])
	if err != nil {
		return nil, err
	}
	payload := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
	}
	return payload, nil
}

func WriteRequest(w io.Writer, command string) error {
	b, err := Encode(command)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}
