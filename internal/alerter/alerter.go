// Package alerter evaluates threshold rules against a session summary and
// optionally sends the triggered alerts as one email digest.
package alerter

import (
	"fmt"
	"html"
	"log/slog"
	"strings"

	"github.com/LordPrinz/dzajtcper/internal/aggregate"
	"github.com/LordPrinz/dzajtcper/internal/config"
	"github.com/LordPrinz/dzajtcper/internal/model"
)

// Metrics lists the summary metrics a rule may refer to.
var Metrics = []string{
	"records", "connections", "pids",
	"mean_cwnd", "median_cwnd", "min_cwnd", "max_cwnd", "p95_cwnd", "stddev_cwnd",
	"increases", "decreases",
}

// Alert is a rule that fired.
type Alert struct {
	Rule     string  `json:"rule"`
	Metric   string  `json:"metric"`
	Operator string  `json:"operator"`
	Limit    float64 `json:"threshold"`
	Observed float64 `json:"observed"`
}

// String renders the alert as a single line.
func (a Alert) String() string {
	return fmt.Sprintf("%s: %s %s %g (observed %g)", a.Rule, a.Metric, a.Operator, a.Limit, a.Observed)
}

// Alerter evaluates rules and forwards triggered alerts to a Notifier.
type Alerter struct {
	rules    []config.AlerterRule
	notifier model.Notifier
	logger   *slog.Logger
}

// NewAlerter creates an Alerter. Rules naming an unknown metric are rejected.
// notifier may be nil, in which case alerts are only returned.
func NewAlerter(cfg config.AlerterConfig, notifier model.Notifier, logger *slog.Logger) (*Alerter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	for _, r := range cfg.Rules {
		if !knownMetric(r.Metric) {
			return nil, fmt.Errorf("alerter rule '%s' refers to unknown metric '%s'", r.Name, r.Metric)
		}
	}
	return &Alerter{rules: cfg.Rules, notifier: notifier, logger: logger.With("component", "alerter")}, nil
}

// Evaluate returns the alerts triggered by sum, in rule order.
func (a *Alerter) Evaluate(sum aggregate.Summary) []Alert {
	return Evaluate(a.rules, sum)
}

// Notify evaluates the rules and, if any fire and a notifier is configured,
// sends one consolidated message. The triggered alerts are returned even if
// sending fails.
func (a *Alerter) Notify(sessionID string, sum aggregate.Summary) ([]Alert, error) {
	alerts := a.Evaluate(sum)
	if len(alerts) == 0 {
		return nil, nil
	}
	a.logger.Info("alert evaluation completed", "session", sessionID, "triggered", len(alerts))

	if a.notifier == nil {
		return alerts, nil
	}
	subject, body := Digest(sessionID, alerts)
	if err := a.notifier.Send(subject, body); err != nil {
		return alerts, fmt.Errorf("failed to send alert notification: %w", err)
	}
	a.logger.Info("alert notification sent", "session", sessionID)
	return alerts, nil
}

// Evaluate checks every rule against sum. An empty summary triggers nothing
// except rules on the record, connection and pid counts.
func Evaluate(rules []config.AlerterRule, sum aggregate.Summary) []Alert {
	var alerts []Alert
	for _, rule := range rules {
		value, ok := metric(sum, rule.Metric)
		if !ok {
			continue
		}
		if check(value, rule.Threshold, rule.Operator) {
			alerts = append(alerts, Alert{
				Rule:     rule.Name,
				Metric:   rule.Metric,
				Operator: rule.Operator,
				Limit:    rule.Threshold,
				Observed: value,
			})
		}
	}
	return alerts
}

// Digest builds the subject and HTML body of a notification for alerts.
func Digest(sessionID string, alerts []Alert) (subject, body string) {
	subject = fmt.Sprintf("cwnd alert summary for %s (%d triggered)", sessionID, len(alerts))

	parts := make([]string, 0, len(alerts))
	for _, a := range alerts {
		parts = append(parts, fmt.Sprintf("<h3>Alert: %s</h3>"+
			"<ul>"+
			"<li><b>Metric:</b> <code>%s</code></li>"+
			"<li><b>Condition:</b> <code>%s %.2f</code></li>"+
			"<li><b>Observed Value:</b> <code>%.2f</code></li>"+
			"</ul>",
			html.EscapeString(a.Rule), a.Metric, html.EscapeString(a.Operator), a.Limit, a.Observed))
	}
	body = "<h1>cwnd Alert Summary</h1>" +
		"<p>Session <code>" + html.EscapeString(sessionID) + "</code> triggered the following alerts:</p><hr>" +
		strings.Join(parts, "<hr>")
	return subject, body
}

func knownMetric(name string) bool {
	for _, m := range Metrics {
		if m == name {
			return true
		}
	}
	return false
}

func metric(sum aggregate.Summary, name string) (float64, bool) {
	switch name {
	case "records":
		return float64(sum.Totals.Records), true
	case "connections":
		return float64(sum.Totals.Connections), true
	case "pids":
		return float64(sum.Totals.PIDs), true
	case "increases", "decreases":
		var n int
		for _, c := range sum.ByConnection {
			if name == "increases" {
				n += c.Dynamics.Increases
			} else {
				n += c.Dynamics.Decreases
			}
		}
		return float64(n), true
	}

	// Distribution metrics are undefined without samples.
	if sum.Empty() {
		return 0, false
	}
	o := sum.Overall
	switch name {
	case "mean_cwnd":
		return o.Mean, true
	case "median_cwnd":
		return o.Median, true
	case "min_cwnd":
		return float64(o.Min), true
	case "max_cwnd":
		return float64(o.Max), true
	case "p95_cwnd":
		return o.P95, true
	case "stddev_cwnd":
		return o.StdDev, true
	}
	return 0, false
}

// check compares a value against a threshold based on an operator.
func check(value, threshold float64, operator string) bool {
	switch operator {
	case ">":
		return value > threshold
	case "<":
		return value < threshold
	case "=":
		return value == threshold
	case ">=":
		return value >= threshold
	case "<=":
		return value <= threshold
	default:
		return false
	}
}
