package serialport

import (
	"bytes"
	"context"
	"io"
	"strings"
	"unicode/utf8"
)

// LineHandler receives one decoded line, without its terminator.
type LineHandler func(line string)

const maxLine = 4096

// readLines reads from port until ctx is cancelled, EOF or a read error,
// handing each complete non-empty line to handle. A partial line pending at
// cancellation is discarded.
func readLines(ctx context.Context, port io.Reader, handle LineHandler) error {
	buf := make([]byte, 256)
	var pending []byte

	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := port.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			for {
				i := bytes.IndexByte(pending, '\n')
				if i < 0 {
					break
				}
				if line := decodeASCII(pending[:i]); line != "" {
					handle(line)
				}
				pending = pending[i+1:]
			}
			if len(pending) > maxLine {
				handle(decodeASCII(pending))
				pending = nil
			}
		}
		if err == io.EOF {
			if line := decodeASCII(pending); line != "" {
				handle(line)
			}
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// decodeASCII maps bytes outside 7-bit ASCII to U+FFFD and strips the
// trailing carriage return.
func decodeASCII(b []byte) string {
	b = bytes.TrimRight(b, "\r")
	var sb strings.Builder
	sb.Grow(len(b))
	for _, c := range b {
		if c < utf8.RuneSelf {
			sb.WriteByte(c)
		} else {
			sb.WriteRune(utf8.RuneError)
		}
	}
	return sb.String()
}
