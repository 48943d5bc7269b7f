package imap

import (
	"bufio"
	"errors"
	"io"
	"net"
	"time"
)

// DefaultMaxLineBytes bounds a single CRLF-terminated line before LineTooLong
// fires. It is overridable per Framer for tests and configuration.
const DefaultMaxLineBytes = 8192

// Framer is the LineProtocolFramer: a bounded-line reader/writer pair over
// a network connection. Writes are UTF-8 without a byte-order-mark and are
// explicitly flushed after every write.
type Framer struct {
	conn         net.Conn
	reader       *bufio.Reader
	writer       *bufio.Writer
	maxLineBytes int
}

// NewFramer wraps conn with line-bounded read/write helpers.
func NewFramer(conn net.Conn, maxLineBytes int) *Framer {
	if maxLineBytes <= 0 {
		maxLineBytes = DefaultMaxLineBytes
	}
	return &Framer{
		conn:         conn,
		reader:       bufio.NewReaderSize(conn, maxLineBytes+64),
		writer:       bufio.NewWriterSize(conn, 4096),
		maxLineBytes: maxLineBytes,
	}
}

// ReadLine reads one CRLF-terminated line, stripped of the trailing CRLF.
// It returns a *Error of KindLineTooLong if more than maxLineBytes are
// seen before a terminator, and io.EOF unmodified on orderly close.
func (f *Framer) ReadLine(deadline time.Time) (string, error) {
	if !deadline.IsZero() {
		_ = f.conn.SetReadDeadline(deadline)
	}

	var line []byte
	for {
		chunk, isPrefix, err := f.reader.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", io.EOF
			}
			return "", wrapErr(KindTransportError, "read failed", err)
		}
		line = append(line, chunk...)
		if len(line) > f.maxLineBytes {
			return "", newErr(KindLineTooLong, "line exceeds maximum length")
		}
		if !isPrefix {
			break
		}
	}
	return string(line), nil
}

// ReadN reads exactly n raw bytes, used for literal continuations.
func (f *Framer) ReadN(n int) ([]byte, error) {
	if n < 0 || n > f.maxLineBytes*4 {
		return nil, newErr(KindLineTooLong, "literal exceeds maximum length")
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(f.reader, buf); err != nil {
		return nil, wrapErr(KindTransportError, "literal read failed", err)
	}
	return buf, nil
}

// WriteLine writes s followed by CRLF and flushes.
func (f *Framer) WriteLine(s string) error {
	if _, err := f.writer.WriteString(s); err != nil {
		return wrapErr(KindTransportError, "write failed", err)
	}
	if _, err := f.writer.WriteString("\r\n"); err != nil {
		return wrapErr(KindTransportError, "write failed", err)
	}
	return f.Flush()
}

// Flush pushes buffered bytes to the socket.
func (f *Framer) Flush() error {
	if err := f.writer.Flush(); err != nil {
		return wrapErr(KindTransportError, "flush failed", err)
	}
	return nil
}

// Close sends a best-effort BYE line (if bye is non-empty) and closes the
// underlying connection. Errors from the BYE write (broken pipe, a client
// that already hung up) are swallowed — the session is ending either way.
func (f *Framer) Close(bye string) error {
	if bye != "" {
		_ = f.WriteLine(bye)
	}
	return f.conn.Close()
}
