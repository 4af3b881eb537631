package engine

import (
	"errors"
	"io"
	"net"
)

// isWouldBlock reports whether err is the "nothing ready right now" signal
// from a deadline-bounded Read/Write, the emulated-non-blocking-I/O
// equivalent of EAGAIN/EWOULDBLOCK for a stdlib net.Conn.
func isWouldBlock(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}

// isEOF reports whether err indicates the peer closed its write side.
func isEOF(err error) bool {
	return errors.Is(err, io.EOF)
}
