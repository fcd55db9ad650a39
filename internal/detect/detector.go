// Package detect evaluates Sigma rules against event records.
//
// Every record is presented to the rules as a flat event whose keys are the
// log column names (pid, saddr, sport, daddr, dport, cwnd, connection_key,
// timestamp) with string values. The common Sigma network field names
// (SourceIp, DestinationPort, ProcessId, ...) are mapped onto them.
package detect

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/LordPrinz/dzajtcper/internal/model"
	"github.com/bradleyjkemp/sigma-go"
	"github.com/bradleyjkemp/sigma-go/evaluator"
)

// maxExamples bounds the connection keys kept per detection.
const maxExamples = 5

// Detection aggregates the records matched by one rule.
type Detection struct {
	RuleID      string    `json:"rule_id"`
	Title       string    `json:"title"`
	Level       string    `json:"level,omitempty"`
	Matches     int       `json:"matches"`
	First       time.Time `json:"first"`
	Last        time.Time `json:"last"`
	Connections []string  `json:"connections"`
}

// Detector holds the compiled rules.
type Detector struct {
	rules  []*evaluator.RuleEvaluator
	logger *slog.Logger
}

// NewDetector creates a Detector with no rules.
func NewDetector(logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{logger: logger.With("component", "detect")}
}

func fieldConfig() sigma.Config {
	mappings := map[string]sigma.FieldMapping{}
	for _, name := range []string{"timestamp", "pid", "saddr", "sport", "daddr", "dport", "cwnd", "connection_key"} {
		mappings[name] = sigma.FieldMapping{TargetNames: []string{name}}
	}
	mappings["ProcessId"] = sigma.FieldMapping{TargetNames: []string{"pid"}}
	mappings["SourceIp"] = sigma.FieldMapping{TargetNames: []string{"saddr"}}
	mappings["SourcePort"] = sigma.FieldMapping{TargetNames: []string{"sport"}}
	mappings["DestinationIp"] = sigma.FieldMapping{TargetNames: []string{"daddr"}}
	mappings["DestinationPort"] = sigma.FieldMapping{TargetNames: []string{"dport"}}
	return sigma.Config{Title: "cwnd event log", FieldMappings: mappings}
}

// AddRule parses and compiles one rule document.
func (d *Detector) AddRule(content []byte) error {
	if sigma.InferFileType(content) != sigma.RuleFile {
		return fmt.Errorf("document is not a sigma rule")
	}
	rule, err := sigma.ParseRule(content)
	if err != nil {
		return fmt.Errorf("failed to parse sigma rule: %w", err)
	}
	if rule.ID == "" {
		rule.ID = rule.Title
	}
	d.rules = append(d.rules, evaluator.ForRule(rule, evaluator.WithConfig(fieldConfig())))
	return nil
}

// LoadRules compiles every .yml/.yaml rule in dir. Files that are not rules
// or fail to parse are skipped with a warning. It returns the number of
// rules loaded.
func (d *Detector) LoadRules(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read rules directory: %w", err)
	}

	count := 0
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || (ext != ".yml" && ext != ".yaml") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		content, err := os.ReadFile(path)
		if err != nil {
			d.logger.Warn("failed to read rule file", "path", path, "error", err)
			continue
		}
		if err := d.AddRule(content); err != nil {
			d.logger.Warn("skipping rule file", "path", path, "error", err)
			continue
		}
		count++
	}
	d.logger.Info("loaded sigma rules", "count", count, "dir", dir)
	return count, nil
}

// Len returns the number of compiled rules.
func (d *Detector) Len() int {
	return len(d.rules)
}

// Evaluate runs every rule over records and returns one Detection per rule
// that matched at least once, ordered by match count, largest first.
func (d *Detector) Evaluate(ctx context.Context, records []model.EventRecord) ([]Detection, error) {
	if len(d.rules) == 0 {
		return nil, nil
	}

	found := make(map[string]*Detection)
	seen := make(map[string]map[string]struct{})
	for _, r := range records {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		event := Event(r)
		for _, re := range d.rules {
			result, err := re.Matches(ctx, event)
			if err != nil {
				return nil, fmt.Errorf("failed to evaluate rule %s: %w", re.Rule.ID, err)
			}
			if !result.Match {
				continue
			}

			det, ok := found[re.Rule.ID]
			if !ok {
				det = &Detection{RuleID: re.Rule.ID, Title: re.Rule.Title, Level: re.Rule.Level, First: r.Timestamp}
				found[re.Rule.ID] = det
				seen[re.Rule.ID] = make(map[string]struct{})
			}
			det.Matches++
			det.Last = r.Timestamp
			if _, dup := seen[re.Rule.ID][r.ConnectionKey]; !dup && len(det.Connections) < maxExamples {
				seen[re.Rule.ID][r.ConnectionKey] = struct{}{}
				det.Connections = append(det.Connections, r.ConnectionKey)
			}
		}
	}

	out := make([]Detection, 0, len(found))
	for _, det := range found {
		out = append(out, *det)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Matches != out[j].Matches {
			return out[i].Matches > out[j].Matches
		}
		return out[i].RuleID < out[j].RuleID
	})
	return out, nil
}

// Event converts a record into the flat event map the rules see.
func Event(r model.EventRecord) map[string]interface{} {
	fields := r.Fields()
	event := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		event[k] = fmt.Sprint(v)
	}
	return event
}

