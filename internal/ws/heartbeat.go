package ws

import (
	"time"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog/log"
)

// KeepaliveConfig holds ping tuning parameters.
type KeepaliveConfig struct {
	Interval time.Duration // how often to ping
}

// DefaultKeepaliveConfig returns a KeepaliveConfig pinging every interval.
func DefaultKeepaliveConfig(interval time.Duration) KeepaliveConfig {
	return KeepaliveConfig{Interval: interval}
}

// StartKeepalive begins a background goroutine that periodically sends
// protocol-level ping frames so idle connections are not reaped by proxies.
// A failed ping closes the connection, which surfaces as a read error to the
// owner. The goroutine exits when the connection is closed.
func StartKeepalive(conn *Conn, config KeepaliveConfig) {
	if config.Interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-conn.Done():
				return
			case <-ticker.C:
				if err := conn.WritePing(); err != nil {
					log.Warn().Err(err).Str("component", "ws").Str("conn", conn.ID).
						Msg("keepalive ping failed, closing connection")
					_ = conn.Close()
					return
				}
			}
		}
	}()
}

// WritePing sends a masked ping frame (opcode 0x9). The write mutex ensures
// this does not interleave with other outbound frames.
func (c *Conn) WritePing() error {
	return c.write(ws.OpPing, nil)
}
