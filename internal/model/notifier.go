package model

// Notifier delivers an alert digest to an operator.
type Notifier interface {
	Send(subject, body string) error
}
