// Copyright (C) 2025 Forkbomb B.V.
// License: AGPL-3.0-only

package avd

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
)

const (
	// Console ports the emulator accepts; it also binds port+1 for adb.
	MinConsolePort = 5554
	MaxConsolePort = 5682
)

// FindFreeEvenPort returns the first free even port in [start, end) whose
// successor is free as well.
func FindFreeEvenPort(start, end int) (int, error) {
	return findFreeEvenPort(start, end, nil)
}

func findFreeEvenPort(start, end int, skip map[int]struct{}) (int, error) {
	if start%2 != 0 {
		start++
	}
	for p := start; p < end; p += 2 {
		if _, held := skip[p]; held {
			continue
		}
		if isPortFree(p) && isPortFree(p+1) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("no free even port found in %d..%d", start, end)
}

// Ports handed out by ReserveConsolePort and not yet released. The emulator
// binds its port a while after it is picked, so concurrent launches in one
// process must not rely on the bind probe alone.
var (
	reservedMu    sync.Mutex
	reservedPorts = map[int]struct{}{}
)

// ReserveConsolePort picks a free even port like FindFreeEvenPort, skipping
// ports already reserved in this process. release is idempotent.
func ReserveConsolePort(start, end int) (port int, release func(), err error) {
	reservedMu.Lock()
	defer reservedMu.Unlock()
	port, err = findFreeEvenPort(start, end, reservedPorts)
	if err != nil {
		return 0, func() {}, err
	}
	reservedPorts[port] = struct{}{}
	var once sync.Once
	release = func() {
		once.Do(func() {
			reservedMu.Lock()
			delete(reservedPorts, port)
			reservedMu.Unlock()
		})
	}
	return port, release, nil
}

func isPortFree(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}

func serialForPort(port int) string { return fmt.Sprintf("emulator-%d", port) }

// portFromSerial parses "emulator-5554" into 5554.
func portFromSerial(serial string) (int, error) {
	if !strings.HasPrefix(serial, "emulator-") {
		return 0, fmt.Errorf("invalid serial format: %s (expected emulator-XXXX)", serial)
	}
	port, err := strconv.Atoi(strings.TrimPrefix(serial, "emulator-"))
	if err != nil {
		return 0, fmt.Errorf("invalid serial format: %s: %w", serial, err)
	}
	return port, nil
}
