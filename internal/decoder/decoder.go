// Package decoder classifies stream frames by their L2-L4 layers.
package decoder

import (
	"fmt"
	"strings"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Summary describes one decoded frame.
type Summary struct {
	Length  int
	Layers  []gopacket.LayerType
	Src     string // network source, empty without an IP layer
	Dst     string
	SrcPort uint16
	DstPort uint16
}

// String renders the summary as "Ethernet/IPv4/UDP 10.0.0.1:53 > 10.0.0.2:53 (60 bytes)".
func (s Summary) String() string {
	names := make([]string, len(s.Layers))
	for i, l := range s.Layers {
		names[i] = l.String()
	}
	out := strings.Join(names, "/")
	if s.Src != "" {
		if s.SrcPort != 0 || s.DstPort != 0 {
			out += fmt.Sprintf(" %s:%d > %s:%d", s.Src, s.SrcPort, s.Dst, s.DstPort)
		} else {
			out += fmt.Sprintf(" %s > %s", s.Src, s.Dst)
		}
	}
	return fmt.Sprintf("%s (%d bytes)", out, s.Length)
}

// Decoder is not safe for concurrent use; it reuses its layer structs.
type Decoder struct {
	parser *gopacket.DecodingLayerParser

	eth     layers.Ethernet
	dot1q   layers.Dot1Q
	ip4     layers.IPv4
	ip6     layers.IPv6
	tcp     layers.TCP
	udp     layers.UDP
	payload gopacket.Payload

	decoded []gopacket.LayerType

	statistics
}

type statistics struct {
	ipv4Count  uint64
	ipv6Count  uint64
	tcpCount   uint64
	udpCount   uint64
	otherCount uint64
}

// Counts is a snapshot of the per-protocol frame counters.
type Counts struct {
	IPv4, IPv6, TCP, UDP, Other uint64
}

func NewDecoder() *Decoder {
	d := &Decoder{}
	d.parser = gopacket.NewDecodingLayerParser(
		layers.LayerTypeEthernet,
		&d.eth,
		&d.dot1q,
		&d.ip4,
		&d.ip6,
		&d.tcp,
		&d.udp,
		&d.payload,
	)
	d.parser.IgnoreUnsupported = true
	return d
}

// Decode parses frame and updates the counters. Frames that stop short of
// a known L3 layer are counted as other; truncated headers are errors.
func (d *Decoder) Decode(frame []byte) (Summary, error) {
	s := Summary{Length: len(frame)}
	if err := d.parser.DecodeLayers(frame, &d.decoded); err != nil {
		return s, fmt.Errorf("decode frame: %w", err)
	}
	s.Layers = append(s.Layers, d.decoded...)

	l3 := false
	for _, lt := range d.decoded {
		switch lt {
		case layers.LayerTypeIPv4:
			d.ipv4Count++
			l3 = true
			s.Src, s.Dst = d.ip4.SrcIP.String(), d.ip4.DstIP.String()
		case layers.LayerTypeIPv6:
			d.ipv6Count++
			l3 = true
			s.Src, s.Dst = d.ip6.SrcIP.String(), d.ip6.DstIP.String()
		case layers.LayerTypeTCP:
			d.tcpCount++
			s.SrcPort, s.DstPort = uint16(d.tcp.SrcPort), uint16(d.tcp.DstPort)
		case layers.LayerTypeUDP:
			d.udpCount++
			s.SrcPort, s.DstPort = uint16(d.udp.SrcPort), uint16(d.udp.DstPort)
		}
	}
	if !l3 {
		d.otherCount++
	}
	return s, nil
}

// Counts returns the counters accumulated since NewDecoder.
func (d *Decoder) Counts() Counts {
	return Counts{
		IPv4:  d.ipv4Count,
		IPv6:  d.ipv6Count,
		TCP:   d.tcpCount,
		UDP:   d.udpCount,
		Other: d.otherCount,
	}
}
