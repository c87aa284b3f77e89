package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"icc.tech/flowsync/internal/config"
)

// PcapReplay replays a capture file as timestamped streams, keyed by the
// UDP/TCP destination port of each packet. Packets for unmapped ports are
// skipped. Capture timestamps become domain time; the per-stream order of
// a capture file is already chronological, so monotonicity holds.
type PcapReplay struct {
	path    string
	streams map[uint16]string
}

// NewPcapReplay builds a replay source from its config.
func NewPcapReplay(cfg config.PcapSourceConfig) (*PcapReplay, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("pcap path is required")
	}
	streams := make(map[uint16]string, len(cfg.Streams))
	for _, s := range cfg.Streams {
		streams[s.Port] = s.Name
	}
	return &PcapReplay{path: cfg.Path, streams: streams}, nil
}

func (p *PcapReplay) Name() string { return "pcap:" + p.path }

// Run reads the capture file to EOF, emitting one event per mapped packet.
func (p *PcapReplay) Run(ctx context.Context, out chan<- Event) error {
	f, err := os.Open(p.path)
	if err != nil {
		err = fmt.Errorf("failed to open pcap file: %w", err)
		send(ctx, out, Event{Err: err})
		return err
	}
	defer f.Close()

	reader, err := pcapgo.NewReader(f)
	if err != nil {
		err = fmt.Errorf("failed to parse pcap file %s: %w", p.path, err)
		send(ctx, out, Event{Err: err})
		return err
	}

	for {
		data, ci, err := reader.ReadPacketData()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			err = fmt.Errorf("failed to read packet: %w", err)
			send(ctx, out, Event{Err: err})
			return err
		}

		stream, payload, ok := p.classify(data)
		if !ok {
			continue
		}

		msg := &Message{
			Stream:  stream,
			TS:      captureTime(ci),
			Payload: payload,
		}
		if !send(ctx, out, Event{Key: stream, Message: msg}) {
			return ctx.Err()
		}
	}
}

// classify maps a raw packet to a configured stream by destination port.
func (p *PcapReplay) classify(data []byte) (stream string, payload []byte, ok bool) {
	packet := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.NoCopy)

	var dstPort uint16
	switch {
	case packet.Layer(layers.LayerTypeUDP) != nil:
		udp := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
		dstPort = uint16(udp.DstPort)
		payload = udp.Payload
	case packet.Layer(layers.LayerTypeTCP) != nil:
		tcp := packet.Layer(layers.LayerTypeTCP).(*layers.TCP)
		dstPort = uint16(tcp.DstPort)
		payload = tcp.Payload
	default:
		return "", nil, false
	}

	stream, ok = p.streams[dstPort]
	return stream, payload, ok
}

// captureTime converts a capture timestamp to domain time, flooring
// pre-epoch timestamps to zero.
func captureTime(ci gopacket.CaptureInfo) time.Duration {
	sec := ci.Timestamp.Unix()
	if sec < 0 {
		slog.Warn("negative capture timestamp floored to zero", "ts", ci.Timestamp)
		return 0
	}
	return time.Duration(sec)*time.Second + time.Duration(ci.Timestamp.Nanosecond())
}
