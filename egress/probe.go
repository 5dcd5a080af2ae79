package egress

import (
	"context"
	"net"
	"time"
)

// Prober checks whether an egress endpoint is reachable.
type Prober interface {
	Probe(ctx context.Context, endpoint string) error
}

// TCPProber dials the endpoint with a bounded timeout. Most VPN
// endpoints do not answer TCP on the tunnel port itself, but the
// handshake reaching a listener (or being refused quickly) still
// separates live hosts from black holes.
type TCPProber struct {
	Timeout time.Duration
}

func NewTCPProber(timeout time.Duration) *TCPProber {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &TCPProber{Timeout: timeout}
}

func (p *TCPProber) Probe(ctx context.Context, endpoint string) error {
	d := net.Dialer{Timeout: p.Timeout}
	conn, err := d.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		return err
	}
	conn.Close()
	return nil
}
