package netutil

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
)

// ErrNoBindAddr is returned when neither the preferred address nor any
// fallback candidate could be bound.
var ErrNoBindAddr = errors.New("netutil: no available relay bind address")

// Listen binds the preferred address, then each candidate in order when the
// preferred one is busy and fallback is enabled. The returned listener is
// already bound, so the caller serves on exactly the port that was selected.
func Listen(preferred string, candidates []string, autoFallback bool) (net.Listener, error) {
	var errs []error
	if preferred != "" {
		ln, err := net.Listen("tcp", preferred)
		if err == nil {
			return ln, nil
		}
		if !autoFallback {
			return nil, fmt.Errorf("netutil: bind %s: %w", preferred, err)
		}
		slog.Warn("preferred relay address unavailable, trying fallbacks", "addr", preferred, "error", err)
		errs = append(errs, err)
	}

	for _, addr := range candidates {
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			return ln, nil
		}
		errs = append(errs, err)
	}
	return nil, fmt.Errorf("%w: %w", ErrNoBindAddr, errors.Join(errs...))
}

// Port returns the TCP port of ln, or 0 for non-TCP listeners.
func Port(ln net.Listener) int {
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}
