package probe

import (
	"fmt"
	"time"

	"github.com/LordPrinz/dzajtcper/internal/model"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// TupleStruct converts a raw tuple into a protobuf Struct. A zero timestamp
// is sent as an empty string so the receiver stamps it on arrival.
func TupleStruct(t model.RawTuple) (*structpb.Struct, error) {
	ts := ""
	if !t.Timestamp.IsZero() {
		ts = t.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	return structpb.NewStruct(map[string]interface{}{
		"timestamp": ts,
		"pid":       t.PID,
		"saddr":     t.SAddr,
		"sport":     t.SPort,
		"daddr":     t.DAddr,
		"dport":     t.DPort,
		"cwnd":      t.Cwnd,
	})
}

// EncodeTuple serializes a raw tuple for the wire.
func EncodeTuple(t model.RawTuple) ([]byte, error) {
	s, err := TupleStruct(t)
	if err != nil {
		return nil, fmt.Errorf("failed to build tuple message: %w", err)
	}
	return proto.Marshal(s)
}

// DecodeTuple parses a message produced by EncodeTuple. Range checks are
// left to the capture adapter; only the message shape is validated here.
func DecodeTuple(data []byte) (model.RawTuple, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return model.RawTuple{}, fmt.Errorf("failed to unmarshal tuple: %w", err)
	}
	f := s.GetFields()

	var t model.RawTuple
	if ts := f["timestamp"].GetStringValue(); ts != "" {
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return model.RawTuple{}, fmt.Errorf("invalid tuple timestamp %q: %w", ts, err)
		}
		t.Timestamp = parsed
	}
	for _, key := range []string{"pid", "saddr", "sport", "daddr", "dport", "cwnd"} {
		if _, ok := f[key]; !ok {
			return model.RawTuple{}, fmt.Errorf("tuple is missing field '%s'", key)
		}
	}
	t.PID = int64(f["pid"].GetNumberValue())
	t.SAddr = f["saddr"].GetStringValue()
	t.SPort = int(f["sport"].GetNumberValue())
	t.DAddr = f["daddr"].GetStringValue()
	t.DPort = int(f["dport"].GetNumberValue())
	t.Cwnd = int64(f["cwnd"].GetNumberValue())
	return t, nil
}
