package filter

import (
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/LordPrinz/dzajtcper/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func rec(t *testing.T, sec int, pid uint32, saddr string, sport uint16, daddr string, dport uint16, cwnd uint32) model.EventRecord {
	t.Helper()
	r, err := model.NewEventRecord(t0.Add(time.Duration(sec)*time.Second), pid, saddr, sport, daddr, dport, cwnd)
	require.NoError(t, err)
	return r
}

func sample(t *testing.T) []model.EventRecord {
	return []model.EventRecord{
		rec(t, 0, 100, "10.0.0.1", 51000, "10.0.0.2", 443, 10),
		rec(t, 1, 100, "10.0.0.1", 51000, "10.0.0.2", 80, 20),
		rec(t, 2, 200, "192.168.1.5", 22, "10.0.1.7", 443, 30),
		rec(t, 3, 200, "192.168.1.5", 22, "10.0.1.7", 8080, 40),
		rec(t, 4, 300, "172.16.0.1", 5000, "8.8.8.8", 53, 50),
	}
}

func u32(v uint32) *uint32 { return &v }

func TestByDestPort_PreservesOrder(t *testing.T) {
	records := sample(t)
	got := Apply(records, ByDestPort(443))
	require.Len(t, got, 2)
	assert.Equal(t, records[0], got[0])
	assert.Equal(t, records[2], got[1])
}

func TestApply_NoPredicatesIsIdentity(t *testing.T) {
	records := sample(t)
	assert.Equal(t, records, Apply(records))
	assert.Equal(t, records, Apply(records, And()))
}

func TestApply_IdempotentAndOrderIndependent(t *testing.T) {
	records := sample(t)
	cw, err := ByCwndRange(u32(15), nil)
	require.NoError(t, err)
	src, err := BySourceAddress("10.0.*")
	require.NoError(t, err)

	once := Apply(records, cw, src)
	twice := Apply(once, cw, src)
	swapped := Apply(records, src, cw)
	sequential := Apply(Apply(records, src), cw)

	assert.Equal(t, once, twice)
	assert.Equal(t, once, swapped)
	assert.Equal(t, once, sequential)
	require.Len(t, once, 1)
	assert.EqualValues(t, 20, once[0].Cwnd)
}

func TestByCwndRange(t *testing.T) {
	_, err := ByCwndRange(u32(50), u32(10))
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrInvalidFilter))

	records := sample(t)
	p, err := ByCwndRange(u32(20), u32(40))
	require.NoError(t, err)
	assert.Len(t, Apply(records, p), 3, "bounds are inclusive")

	p, err = ByCwndRange(nil, u32(10))
	require.NoError(t, err)
	assert.Len(t, Apply(records, p), 1)

	p, err = ByCwndRange(nil, nil)
	require.NoError(t, err)
	assert.Len(t, Apply(records, p), 5)
}

func TestAddressPatterns(t *testing.T) {
	records := sample(t)
	tests := []struct {
		name    string
		build   func(string) (Predicate, error)
		pattern string
		want    int
	}{
		{"exact source", BySourceAddress, "192.168.1.5", 2},
		{"exact does not prefix", BySourceAddress, "10.0.0", 0},
		{"prefix", ByDestAddress, "10.0.*", 4},
		{"substring", BySourceAddress, "*168.1*", 2},
		{"suffix", ByDestAddress, "*.8", 1},
		{"any", ByDestAddress, "*", 5},
		{"connection exact", ByConnection, "10.0.0.1:51000->10.0.0.2:443", 1},
		{"connection prefix", ByConnection, "10.0.0.1:51000->*", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := tt.build(tt.pattern)
			require.NoError(t, err)
			assert.Len(t, Apply(records, p), tt.want)
		})
	}

	for _, bad := range []string{"", "10.*.1", "**"} {
		_, err := BySourceAddress(bad)
		assert.True(t, errors.Is(err, model.ErrInvalidFilter), "pattern %q", bad)
	}
}

func TestByTimeRange(t *testing.T) {
	records := sample(t)
	start, end := t0.Add(time.Second), t0.Add(3*time.Second)

	p, err := ByTimeRange(&start, &end)
	require.NoError(t, err)
	assert.Len(t, Apply(records, p), 3)

	p, err = ByTimeRange(&end, nil)
	require.NoError(t, err)
	assert.Len(t, Apply(records, p), 2)

	_, err = ByTimeRange(&end, &start)
	assert.True(t, errors.Is(err, model.ErrInvalidFilter))
}

func TestByPIDAndPorts(t *testing.T) {
	records := sample(t)
	assert.Len(t, Apply(records, ByPID(200)), 2)
	assert.Len(t, Apply(records, BySourcePort(22), ByDestPort(8080)), 1)
	assert.Empty(t, Apply(records, ByPID(100), ByPID(200)))
}

func TestParseQuery(t *testing.T) {
	v := url.Values{}
	v.Set("pid", "100")
	v.Set("dport", "443")
	v.Set("cwnd_min", "5")
	v.Set("saddr", "10.0.*")

	q, err := ParseQuery(v.Get)
	require.NoError(t, err)
	assert.False(t, q.IsZero())

	preds, err := q.Predicates()
	require.NoError(t, err)
	assert.Len(t, preds, 4)
	assert.Len(t, Apply(sample(t), preds...), 1)

	empty, err := ParseQuery(url.Values{}.Get)
	require.NoError(t, err)
	assert.True(t, empty.IsZero())

	for _, bad := range []url.Values{
		{"cwnd_min": {"50"}, "cwnd_max": {"10"}},
		{"sport": {"70000"}},
		{"pid": {"-1"}},
		{"start": {"yesterday"}},
	} {
		_, err := ParseQuery(bad.Get)
		assert.True(t, errors.Is(err, model.ErrInvalidFilter), "query %v", bad)
	}
}

func TestSelectors(t *testing.T) {
	records := append(sample(t), rec(t, 5, 200, "192.168.1.5", 22, "10.0.1.7", 443, 35))

	top := TopConnections(records, 1)
	require.Len(t, top, 2)
	assert.Equal(t, "192.168.1.5:22->10.0.1.7:443", top[0].ConnectionKey)

	pids := TopPIDs(records, 1)
	require.Len(t, pids, 3)
	for _, r := range pids {
		assert.EqualValues(t, 200, r.PID)
	}

	recent := Recent(records, 2*time.Second)
	assert.Len(t, recent, 3)
	assert.Empty(t, Recent(nil, time.Minute))
}

func TestSelection(t *testing.T) {
	records := append(sample(t), rec(t, 5, 200, "192.168.1.5", 22, "10.0.1.7", 443, 35))

	sel, err := ParseSelection(url.Values{"top_pids": {"1"}, "recent": {"3s"}}.Get)
	require.NoError(t, err)
	assert.Equal(t, []string{"recent 3s", "top 1 pids"}, sel.Strings())

	// recent keeps seconds 2..5, of which pid 200 owns three.
	got := sel.Apply(records)
	require.Len(t, got, 3)
	for _, r := range got {
		assert.EqualValues(t, 200, r.PID)
	}

	assert.Len(t, Selection{}.Apply(records), len(records))

	_, err = ParseSelection(url.Values{"top_connections": {"0"}}.Get)
	assert.True(t, errors.Is(err, model.ErrInvalidFilter))
	_, err = ParseSelection(url.Values{"recent": {"soon"}}.Get)
	assert.True(t, errors.Is(err, model.ErrInvalidFilter))
}

func TestPredicateStrings(t *testing.T) {
	cw, _ := ByCwndRange(u32(1), nil)
	assert.Equal(t, "pid=1 AND cwnd in [1, +inf]", And(ByPID(1), cw).String())
	assert.Equal(t, "all", And().String())
}
