// Package bpfgo reads IPv4 addresses out of pinned eBPF maps so they can be
// labelled by the resolver.
package bpfgo

import (
	"fmt"

	"github.com/cilium/ebpf"
)

const (
	PinIP4Down = "/sys/fs/bpf/ip4_bytes_down"
	PinIP4Up   = "/sys/fs/bpf/ip4_bytes_up"
)

func openPinned(path string) (*ebpf.Map, error) {
	return ebpf.LoadPinnedMap(path, nil)
}

// KeyToIPv4 decodes a map key holding an address in network byte order,
// read as a little-endian uint32.
func KeyToIPv4(key uint32) string {
	return fmt.Sprintf("%d.%d.%d.%d",
		byte(key),
		byte(key>>8),
		byte(key>>16),
		byte(key>>24),
	)
}

// ReadIPv4Keys returns the address of every key in the pinned map at path.
// The map must have 4-byte keys; values are ignored.
func ReadIPv4Keys(path string) ([]string, error) {
	m, err := openPinned(path)
	if err != nil {
		return nil, fmt.Errorf("open pinned map %s: %w", path, err)
	}
	defer m.Close()

	if m.KeySize() != 4 {
		return nil, fmt.Errorf("pinned map %s: key size %d, want 4", path, m.KeySize())
	}

	var (
		out []string
		key uint32
		val = make([]byte, m.ValueSize())
	)
	iter := m.Iterate()
	for iter.Next(&key, &val) {
		out = append(out, KeyToIPv4(key))
	}
	if err := iter.Err(); err != nil {
		return out, fmt.Errorf("iterate %s: %w", path, err)
	}
	return out, nil
}
