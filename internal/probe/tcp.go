package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// TCPChecker reports healthy when a TCP connection to the address succeeds.
type TCPChecker struct {
	address string
	dialer  net.Dialer
}

func NewTCP(address string) (*TCPChecker, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, errors.New("tcp probe: address is required")
	}
	if _, _, err := net.SplitHostPort(address); err != nil {
		return nil, fmt.Errorf("tcp probe: invalid address %q: %w", address, err)
	}
	return &TCPChecker{address: address}, nil
}

func (c *TCPChecker) Check(ctx context.Context) error {
	conn, err := c.dialer.DialContext(ctx, "tcp", c.address)
	if err != nil {
		return fmt.Errorf("tcp probe: %w", err)
	}
	_ = conn.Close()
	return nil
}
