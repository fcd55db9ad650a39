package model

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionKey(t *testing.T) {
	assert.Equal(t, "10.0.0.1:443->10.0.0.2:51000", ConnectionKey("10.0.0.1", 443, "10.0.0.2", 51000))
}

func TestNewEventRecord(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 123456789, time.FixedZone("CET", 3600))

	rec, err := NewEventRecord(ts, 42, "10.0.0.1", 443, "10.0.0.2", 51000, 10)
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.1:443->10.0.0.2:51000", rec.ConnectionKey)
	assert.Equal(t, time.UTC, rec.Timestamp.Location())
	assert.Equal(t, 123456000, rec.Timestamp.Nanosecond())
	assert.True(t, rec.Timestamp.Equal(ts.Truncate(time.Microsecond)))
}

func TestNewEventRecord_CanonicalIPv6(t *testing.T) {
	rec, err := NewEventRecord(time.Now(), 1, "2001:DB8:0:0::1", 80, "::1", 1234, 3)
	require.NoError(t, err)
	assert.Equal(t, "2001:db8::1", rec.SAddr)
	assert.Equal(t, "2001:db8::1:80->::1:1234", rec.ConnectionKey)
}

func TestRawTupleRecord_Validation(t *testing.T) {
	valid := RawTuple{PID: 1, SAddr: "10.0.0.1", SPort: 1, DAddr: "10.0.0.2", DPort: 2, Cwnd: 10}
	ts := time.Now()

	tests := []struct {
		name  string
		mut   func(*RawTuple)
		field string
	}{
		{"negative pid", func(r *RawTuple) { r.PID = -1 }, "pid"},
		{"negative sport", func(r *RawTuple) { r.SPort = -1 }, "sport"},
		{"dport too large", func(r *RawTuple) { r.DPort = 70000 }, "dport"},
		{"negative cwnd", func(r *RawTuple) { r.Cwnd = -5 }, "cwnd"},
		{"bad saddr", func(r *RawTuple) { r.SAddr = "not-an-ip" }, "saddr"},
		{"bad daddr", func(r *RawTuple) { r.DAddr = "300.1.1.1" }, "daddr"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tuple := valid
			tt.mut(&tuple)
			_, err := tuple.Record(ts)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrValidation))

			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.field, verr.Field)
		})
	}

	rec, err := valid.Record(ts)
	require.NoError(t, err)
	assert.Equal(t, valid.Cwnd, rec.Tuple().Cwnd)
}

func TestTypedErrorsAreDistinct(t *testing.T) {
	nf := &NotFoundError{Ref: "latest"}
	empty := &EmptySessionError{SessionID: "session_x"}

	assert.True(t, errors.Is(nf, ErrNotFound))
	assert.False(t, errors.Is(nf, ErrEmptySession))
	assert.True(t, errors.Is(empty, ErrEmptySession))
	assert.False(t, errors.Is(empty, ErrNotFound))
	assert.Contains(t, (&SessionOwnershipError{SessionID: "s", Owner: "pid 7"}).Error(), "pid 7")
}
