// Package syncproto owns the SYNC file transfer wire format.
package syncproto

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/danmuck/adbctl/internal/protocol"
)

const (
	TagSend = "SEND"
	TagRecv = "RECV"
	TagData = "DATA"
	TagDone = "DONE"
	TagOkay = "OKAY"
	TagFail = "FAIL"

	TagLen    = 4
	HeaderLen = 8

	// MaxChunkSize bounds one DATA payload.
	MaxChunkSize = 64 * 1024
)

var (
	ErrChunkTooLarge = fmt.Errorf("%w: syncproto: chunk exceeds %d bytes", protocol.ErrProtocol, MaxChunkSize)
	ErrInvalidTag    = fmt.Errorf("%w: syncproto: tag must be 4 bytes", protocol.ErrProtocol)
)

// EncodeRequest builds a SEND or RECV header followed by its payload.
func EncodeRequest(tag string, payload []byte) ([]byte, error) {
	if len(tag) != TagLen {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTag, tag)
	}
	out := make([]byte, HeaderLen, HeaderLen+len(payload))
	copy(out, tag)
	binary.LittleEndian.PutUint32(out[TagLen:], uint32(len(payload)))
	return append(out, payload...), nil
}

// EncodeData builds one DATA frame.
func EncodeData(chunk []byte) ([]byte, error) {
	if len(chunk) > MaxChunkSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrChunkTooLarge, len(chunk))
	}
	return EncodeRequest(TagData, chunk)
}

// EncodeDone builds the DONE frame carrying the file modification time.
func EncodeDone(mtime time.Time) []byte {
	out := make([]byte, HeaderLen)
	copy(out, TagDone)
	binary.LittleEndian.PutUint32(out[TagLen:], uint32(mtime.Unix()))
	return out
}

// EncodePathMode renders the SEND target: the path, a comma, then the
// permission bits in decimal.
func EncodePathMode(path string, mode os.FileMode) []byte {
	return []byte(path + "," + strconv.FormatUint(uint64(mode.Perm()), 10))
}

// SplitChunks cuts p into slices of at most MaxChunkSize without copying.
func SplitChunks(p []byte) [][]byte {
	if len(p) == 0 {
		return nil
	}
	out := make([][]byte, 0, (len(p)+MaxChunkSize-1)/MaxChunkSize)
	for len(p) > MaxChunkSize {
		out = append(out, p[:MaxChunkSize])
		p = p[MaxChunkSize:]
	}
	return append(out, p)
}

// ReadFailMessage reads the little-endian length-prefixed text that follows
// a sync FAIL tag.
func ReadFailMessage(r io.Reader) (string, error) {
	var head [TagLen]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return "", err
	}
	n := binary.LittleEndian.Uint32(head[:])
	if n > MaxChunkSize {
		return "", fmt.Errorf("%w: sync message length %d", ErrChunkTooLarge, n)
	}
	msg := make([]byte, n)
	if _, err := io.ReadFull(r, msg); err != nil {
		return "", err
	}
	return string(msg), nil
}
