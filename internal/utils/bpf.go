// Package utils holds helpers shared by device backends and the CLI.
package utils

import (
	"fmt"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"golang.org/x/net/bpf"
)

// CompileBpf compiles a tcpdump expression for Ethernet frames into raw
// BPF instructions suitable for a packet socket.
func CompileBpf(filter string, snapLen int) ([]bpf.RawInstruction, error) {
	pcapBpf, err := pcap.CompileBPFFilter(layers.LinkTypeEthernet, snapLen, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to compile BPF filter %q: %w", filter, err)
	}

	// pcap.BPFInstruction and bpf.RawInstruction share layout: Code->Op, Jt, Jf, K
	rawBpf := make([]bpf.RawInstruction, len(pcapBpf))
	for i, ins := range pcapBpf {
		rawBpf[i] = bpf.RawInstruction{Op: ins.Code, Jt: ins.Jt, Jf: ins.Jf, K: ins.K}
	}
	return rawBpf, nil
}

// ValidateFilter reports whether filter compiles. The empty filter is valid.
func ValidateFilter(filter string) error {
	if filter == "" {
		return nil
	}
	_, err := CompileBpf(filter, 65535)
	return err
}
