package transport

import (
	"fmt"
	"net"
	"time"
)

// DialTimeout is how long NewConnection waits for TCP connect to complete
// before reporting ConnectionFailed. It is a transport-level concern, not
// one of the fixed session timeouts the core defines.
const DialTimeout = 10 * time.Second

// DialNonBlocking opens addr and disables Nagle's algorithm, since a FIXT
// session is latency-sensitive request/response traffic, not bulk
// throughput. The connect itself blocks for up to DialTimeout. The returned
// connection is a plain net.Conn whose Read/Write block unless the caller
// sets deadlines; callers register it with a Poller to learn when calling
// those would make progress (dial, then register).
func DialNonBlocking(addr string) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		if err := tcp.SetNoDelay(true); err != nil {
			conn.Close()
			return nil, fmt.Errorf("transport: set no-delay on %s: %w", addr, err)
		}
	}
	return conn, nil
}
