package aggregate

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/LordPrinz/dzajtcper/internal/model"
)

// KeyFields lists the record fields a Grouping may key on.
var KeyFields = []string{"pid", "saddr", "sport", "daddr", "dport", "connection_key"}

// Group is one bucket of a Grouping.
type Group struct {
	Key    string                 `json:"key"`
	Fields map[string]interface{} `json:"fields"`
	Stats  Stats                  `json:"stats"`
}

// Grouping aggregates records by an arbitrary combination of key fields.
type Grouping struct {
	Name   string   `json:"name"`
	Fields []string `json:"key_fields"`
	Groups []Group  `json:"groups"`
}

// GroupBy aggregates records keyed on keyFields. Keys join the field values
// with "-", e.g. "10.0.0.2-443" for ["daddr", "dport"]. Groups are ordered
// by count, largest first.
func GroupBy(name string, records []model.EventRecord, keyFields []string) (Grouping, error) {
	if len(keyFields) == 0 {
		return Grouping{}, fmt.Errorf("grouping '%s' has no key fields", name)
	}
	for _, f := range keyFields {
		if !validKeyField(f) {
			return Grouping{}, fmt.Errorf("unknown key field: %s", f)
		}
	}

	accs := make(map[string]*accumulator)
	fields := make(map[string]map[string]interface{})
	for _, r := range records {
		f, key := keyAndFields(r, keyFields)
		acc, ok := accs[key]
		if !ok {
			acc = &accumulator{}
			accs[key] = acc
			fields[key] = f
		}
		acc.add(r.Cwnd, r.Timestamp)
	}

	g := Grouping{Name: name, Fields: keyFields, Groups: make([]Group, 0, len(accs))}
	for key, acc := range accs {
		g.Groups = append(g.Groups, Group{Key: key, Fields: fields[key], Stats: acc.stats()})
	}
	sort.Slice(g.Groups, func(i, j int) bool {
		if g.Groups[i].Stats.Count != g.Groups[j].Stats.Count {
			return g.Groups[i].Stats.Count > g.Groups[j].Stats.Count
		}
		return g.Groups[i].Key < g.Groups[j].Key
	})
	return g, nil
}

func validKeyField(f string) bool {
	for _, k := range KeyFields {
		if k == f {
			return true
		}
	}
	return false
}

// keyAndFields creates a unique string key and a field map for a record.
func keyAndFields(r model.EventRecord, keyFields []string) (map[string]interface{}, string) {
	parts := make([]string, len(keyFields))
	fields := make(map[string]interface{}, len(keyFields))

	for i, name := range keyFields {
		switch name {
		case "pid":
			parts[i] = strconv.FormatUint(uint64(r.PID), 10)
			fields[name] = r.PID
		case "saddr":
			parts[i] = r.SAddr
			fields[name] = r.SAddr
		case "sport":
			parts[i] = strconv.Itoa(int(r.SPort))
			fields[name] = r.SPort
		case "daddr":
			parts[i] = r.DAddr
			fields[name] = r.DAddr
		case "dport":
			parts[i] = strconv.Itoa(int(r.DPort))
			fields[name] = r.DPort
		case "connection_key":
			parts[i] = r.ConnectionKey
			fields[name] = r.ConnectionKey
		}
	}
	return fields, strings.Join(parts, "-")
}
