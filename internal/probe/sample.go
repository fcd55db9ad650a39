package probe

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"time"

	"github.com/LordPrinz/dzajtcper/internal/model"
)

// SampleSize is the size of one perf sample emitted by the tcp_probe program:
//
//	struct cwnd_event { u32 pid; u8 saddr[4]; u8 daddr[4]; u16 sport; u16 dport; u32 snd_cwnd; };
//
// Addresses are in network byte order; the other fields are host order.
const SampleSize = 20

// DecodeSample converts a raw perf sample into a tuple stamped with at.
func DecodeSample(raw []byte, at time.Time) (model.RawTuple, error) {
	if len(raw) < SampleSize {
		return model.RawTuple{}, fmt.Errorf("short sample: %d bytes", len(raw))
	}
	order := binary.NativeEndian
	return model.RawTuple{
		Timestamp: at,
		PID:       int64(order.Uint32(raw[0:4])),
		SAddr:     netip.AddrFrom4([4]byte(raw[4:8])).String(),
		DAddr:     netip.AddrFrom4([4]byte(raw[8:12])).String(),
		SPort:     int(order.Uint16(raw[12:14])),
		DPort:     int(order.Uint16(raw[14:16])),
		Cwnd:      int64(order.Uint32(raw[16:20])),
	}, nil
}
