// Package network supervises the host's link to the LAN: choosing an
// interface, waiting for it to hold an IPv4 lease, and answering whether
// it still does.
package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/nugget/presence-node/internal/backoff"
	"github.com/nugget/presence-node/internal/config"
)

// ErrNoInterface is returned when no usable interface exists.
var ErrNoInterface = errors.New("no usable network interface")

// ErrNoLease is returned while the chosen interface has no IPv4 address.
var ErrNoLease = errors.New("no IPv4 lease")

// Link is one interface as seen by a scan.
type Link struct {
	Name     string
	Up       bool
	Loopback bool
	IPv4     net.IP // nil when the interface holds no IPv4 address
}

// HasLease reports whether the link holds a non-zero IPv4 address.
func (l Link) HasLease() bool {
	return l.IPv4 != nil && !l.IPv4.IsUnspecified()
}

// Scanner lists the host's interfaces.
type Scanner interface {
	Scan() ([]Link, error)
}

// ScanFunc adapts a function to [Scanner].
type ScanFunc func() ([]Link, error)

// Scan calls f.
func (f ScanFunc) Scan() ([]Link, error) { return f() }

// SystemScanner reads interfaces from the operating system.
var SystemScanner Scanner = ScanFunc(scanSystem)

func scanSystem() ([]Link, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}

	links := make([]Link, 0, len(ifaces))
	for _, iface := range ifaces {
		l := Link{
			Name:     iface.Name,
			Up:       iface.Flags&net.FlagUp != 0,
			Loopback: iface.Flags&net.FlagLoopback != 0,
		}
		addrs, err := iface.Addrs()
		if err != nil {
			links = append(links, l)
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			if ip4 := ipnet.IP.To4(); ip4 != nil {
				l.IPv4 = ip4
				break
			}
		}
		links = append(links, l)
	}
	return links, nil
}

// Supervisor tracks one chosen interface. It is used from the
// orchestrator goroutine only; the mutex guards reads from the
// diagnostics paths.
type Supervisor struct {
	cfg     config.NetworkConfig
	scanner Scanner
	retry   backoff.Config
	now     func() time.Time
	logger  *slog.Logger

	mu            sync.Mutex
	iface         string
	lastConnected time.Time
}

// New creates a Supervisor that scans the operating system's interfaces.
func New(cfg config.NetworkConfig, logger *slog.Logger) *Supervisor {
	return NewWithScanner(cfg, SystemScanner, logger)
}

// NewWithScanner creates a Supervisor over an arbitrary scanner.
func NewWithScanner(cfg config.NetworkConfig, scanner Scanner, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		cfg:     cfg,
		scanner: scanner,
		retry: backoff.Config{
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     5 * time.Second,
			Multiplier:   2.0,
		},
		now:    time.Now,
		logger: logger,
	}
}

// Connect picks an interface and blocks until it holds an IPv4 lease,
// cfg.ConnectTimeout elapses, or ctx is cancelled. The configured
// interface is preferred; when the scan does not list it the first up,
// non-loopback interface is used.
func (s *Supervisor) Connect(ctx context.Context) error {
	if s.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		defer cancel()
	}

	warned := false
	err := backoff.Retry(ctx, s.retry, "network connect", s.logger, func(context.Context) error {
		links, err := s.scanner.Scan()
		if err != nil {
			return err
		}

		l, fallback, err := s.choose(links)
		if err != nil {
			return err
		}
		if fallback && !warned {
			s.logger.Warn("configured interface not found, using first available",
				"configured", s.cfg.Interface, "interface", l.Name)
			warned = true
		}

		s.mu.Lock()
		s.iface = l.Name
		s.mu.Unlock()

		if !l.Up || !l.HasLease() {
			return fmt.Errorf("%s: %w", l.Name, ErrNoLease)
		}

		s.mu.Lock()
		s.lastConnected = s.now()
		s.mu.Unlock()
		s.logger.Info("network connected", "interface", l.Name, "ipv4", l.IPv4.String())
		return nil
	})
	if err != nil {
		return fmt.Errorf("network connect: %w", err)
	}
	return nil
}

// choose selects the interface to supervise. fallback is true when a
// configured interface was requested but not found.
func (s *Supervisor) choose(links []Link) (l Link, fallback bool, err error) {
	if s.cfg.Interface != "" {
		for _, l := range links {
			if l.Name == s.cfg.Interface {
				return l, false, nil
			}
		}
		fallback = true
	}

	// Prefer an interface that already holds a lease.
	var candidate *Link
	for i := range links {
		if !links[i].Up || links[i].Loopback {
			continue
		}
		if links[i].HasLease() {
			return links[i], fallback, nil
		}
		if candidate == nil {
			candidate = &links[i]
		}
	}
	if candidate == nil {
		return Link{}, fallback, ErrNoInterface
	}
	return *candidate, fallback, nil
}

// IsConnected reports whether the chosen interface is up and holds a
// non-zero IPv4 address. It is false before the first Connect.
func (s *Supervisor) IsConnected() bool {
	s.mu.Lock()
	name := s.iface
	s.mu.Unlock()
	if name == "" {
		return false
	}

	links, err := s.scanner.Scan()
	if err != nil {
		s.logger.Debug("interface scan failed", "error", err)
		return false
	}
	for _, l := range links {
		if l.Name != name {
			continue
		}
		if l.Up && l.HasLease() {
			s.mu.Lock()
			s.lastConnected = s.now()
			s.mu.Unlock()
			return true
		}
		return false
	}
	return false
}

// Interface returns the name of the supervised interface, empty before
// the first Connect.
func (s *Supervisor) Interface() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.iface
}

// LastConnectedAt returns the last time a check observed the link up.
func (s *Supervisor) LastConnectedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastConnected
}
