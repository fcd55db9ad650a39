package probe

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/LordPrinz/dzajtcper/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

func TestTupleCodec(t *testing.T) {
	in := model.RawTuple{
		Timestamp: time.Date(2024, 3, 1, 12, 0, 0, 123456000, time.UTC),
		PID:       4242,
		SAddr:     "10.0.0.1",
		SPort:     40000,
		DAddr:     "2001:db8::1",
		DPort:     443,
		Cwnd:      10,
	}
	data, err := EncodeTuple(in)
	require.NoError(t, err)
	out, err := DecodeTuple(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	data, err = EncodeTuple(model.RawTuple{PID: 1, SAddr: "a", DAddr: "b"})
	require.NoError(t, err)
	out, err = DecodeTuple(data)
	require.NoError(t, err)
	assert.True(t, out.Timestamp.IsZero(), "unstamped tuples stay unstamped")
}

func TestDecodeTuple_Rejects(t *testing.T) {
	_, err := DecodeTuple([]byte{0xff, 0xff})
	assert.Error(t, err)

	s, err := structpb.NewStruct(map[string]interface{}{"pid": 1})
	require.NoError(t, err)
	data, err := proto.Marshal(s)
	require.NoError(t, err)
	_, err = DecodeTuple(data)
	assert.ErrorContains(t, err, "missing field")
}

func TestDecodeSample(t *testing.T) {
	raw := make([]byte, SampleSize)
	binary.NativeEndian.PutUint32(raw[0:], 321)
	copy(raw[4:8], []byte{192, 168, 1, 10})
	copy(raw[8:12], []byte{93, 184, 216, 34})
	binary.NativeEndian.PutUint16(raw[12:], 51515)
	binary.NativeEndian.PutUint16(raw[14:], 443)
	binary.NativeEndian.PutUint32(raw[16:], 42)

	at := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	tup, err := DecodeSample(raw, at)
	require.NoError(t, err)
	assert.Equal(t, model.RawTuple{
		Timestamp: at, PID: 321,
		SAddr: "192.168.1.10", SPort: 51515,
		DAddr: "93.184.216.34", DPort: 443,
		Cwnd: 42,
	}, tup)

	_, err = DecodeSample(raw[:12], at)
	assert.Error(t, err)
}

func TestQueue_DropsWhenFullAndDrainsOnShutdown(t *testing.T) {
	q := newQueue(2)
	for i := 0; i < 3; i++ {
		q.enqueue(model.RawTuple{PID: int64(i)})
	}
	assert.EqualValues(t, 1, q.Lost())

	q.shutdown()
	q.enqueue(model.RawTuple{PID: 9})

	ctx := context.Background()
	first, err := q.next(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, first.PID)
	second, err := q.next(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, second.PID)

	_, err = q.next(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestQueue_NextHonoursContext(t *testing.T) {
	q := newQueue(1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := q.next(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestSubscriber_Handle(t *testing.T) {
	s := newSubscriber("cwnd.tuples.raw", 4, nil)
	data, err := EncodeTuple(model.RawTuple{PID: 5, SAddr: "10.0.0.1", SPort: 1, DAddr: "10.0.0.2", DPort: 2, Cwnd: 3})
	require.NoError(t, err)

	s.handle(data)
	s.handle([]byte("garbage"))
	assert.EqualValues(t, 1, s.Lost())

	require.NoError(t, s.Close())
	tup, err := s.Next(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 3, tup.Cwnd)

	_, err = s.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)

	var _ model.TupleSource = s
	var _ model.LossReporter = s
}
