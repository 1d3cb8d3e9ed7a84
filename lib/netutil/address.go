// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"fmt"
	"net"
	"strings"
)

// ParseAddress splits a listen or dial address into the network and
// address arguments for net.Listen and net.Dial.
func ParseAddress(address string) (network, target string, err error) {
	switch {
	case address == "":
		return "", "", fmt.Errorf("empty address")
	case strings.HasPrefix(address, "unix://"):
		path := strings.TrimPrefix(address, "unix://")
		if path == "" {
			return "", "", fmt.Errorf("address %q has no socket path", address)
		}
		return "unix", path, nil
	case strings.HasPrefix(address, "tcp://"):
		target = strings.TrimPrefix(address, "tcp://")
	case strings.Contains(address, "://"):
		return "", "", fmt.Errorf("address %q has unsupported scheme", address)
	default:
		target = address
	}

	if _, _, err := net.SplitHostPort(target); err != nil {
		return "", "", fmt.Errorf("address %q: %w", address, err)
	}
	return "tcp", target, nil
}

// FormatAddress is the inverse of ParseAddress.
func FormatAddress(network, target string) string {
	return network + "://" + target
}
