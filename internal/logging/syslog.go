// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package logging

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"
)

// SyslogConfig controls forwarding of log output to a remote syslog
// collector over UDP or TCP.
type SyslogConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Protocol string `yaml:"protocol"` // "udp" or "tcp"
	Tag      string `yaml:"tag"`
	Facility int    `yaml:"facility"` // RFC 3164 facility code
}

// DefaultSyslogConfig returns forwarding disabled with standard defaults.
func DefaultSyslogConfig() SyslogConfig {
	return SyslogConfig{
		Enabled:  false,
		Port:     514,
		Protocol: "udp",
		Tag:      "sentinel",
		Facility: 1,
	}
}

// SyslogWriter formats each write as an RFC 3164 message and sends it to the
// configured collector. Writes never block logging: a failed send drops the
// line and triggers a reconnect on the next write.
type SyslogWriter struct {
	mu   sync.Mutex
	cfg  SyslogConfig
	conn net.Conn
	host string
}

// NewSyslogWriter validates cfg, applies defaults, and dials the collector.
func NewSyslogWriter(cfg SyslogConfig) (*SyslogWriter, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("syslog host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 514
	}
	if cfg.Protocol == "" {
		cfg.Protocol = "udp"
	}
	if cfg.Tag == "" {
		cfg.Tag = "sentinel"
	}

	hostname, _ := os.Hostname()
	w := &SyslogWriter{cfg: cfg, host: hostname}
	if err := w.connect(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *SyslogWriter) connect() error {
	addr := net.JoinHostPort(w.cfg.Host, strconv.Itoa(w.cfg.Port))
	conn, err := net.DialTimeout(w.cfg.Protocol, addr, 3*time.Second)
	if err != nil {
		return fmt.Errorf("syslog dial %s: %w", addr, err)
	}
	w.conn = conn
	return nil
}

// Write implements io.Writer. Severity is fixed at informational; level
// filtering happens in the logger before the write reaches us.
func (w *SyslogWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	pri := w.cfg.Facility*8 + 6
	msg := fmt.Sprintf("<%d>%s %s %s: %s",
		pri, time.Now().Format(time.Stamp), w.host, w.cfg.Tag, p)

	if w.conn == nil {
		if err := w.connect(); err != nil {
			return len(p), nil
		}
	}
	if _, err := w.conn.Write([]byte(msg)); err != nil {
		w.conn.Close()
		w.conn = nil
	}
	return len(p), nil
}

// Close shuts down the collector connection.
func (w *SyslogWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return nil
	}
	err := w.conn.Close()
	w.conn = nil
	return err
}
