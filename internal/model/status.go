package model

import (
	"errors"
	"regexp"
	"strings"
	"time"
)

// ExecutionStatus is the single status shape written to storage and sent to
// subscribers, whether it came from a diff, an action or a failure.
type ExecutionStatus struct {
	Key          ResourceKey `json:"key"`
	LastAction   Action      `json:"lastAction"`
	Output       string      `json:"output"`
	Timestamp    time.Time   `json:"timestamp"`
	ErrorMessage string      `json:"errorMessage,omitempty"`
	ErrorStack   string      `json:"errorStack,omitempty"`
	Applied      bool        `json:"applied"`
}

func (s *ExecutionStatus) Failed() bool {
	return s.ErrorMessage != ""
}

// Classifier decides from diff output whether the live state matches the
// configuration.
type Classifier interface {
	Applied(output string) bool
}

var (
	noChangesUpToDate = regexp.MustCompile(`(?i)No changes\. (?:Infrastructure is up-to-date\.|Your infrastructure matches the configuration\.)`)
	planSummary       = regexp.MustCompile(`(?i)Plan: \d+ to add, \d+ to change, \d+ to destroy\.`)
	noChanges         = regexp.MustCompile(`(?i)No changes\.`)
)

// RegexClassifier matches the human-readable plan summary lines.
type RegexClassifier struct{}

func (RegexClassifier) Applied(output string) bool {
	switch {
	case noChangesUpToDate.MatchString(output):
		return true
	case planSummary.MatchString(output):
		return false
	case noChanges.MatchString(output):
		return true
	}
	return false
}

// DefaultClassifier is used when no classifier is configured.
var DefaultClassifier Classifier = RegexClassifier{}

func NewDiffStatus(key ResourceKey, output string, lastAction Action, c Classifier) *ExecutionStatus {
	if c == nil {
		c = DefaultClassifier
	}
	return &ExecutionStatus{
		Key:        key,
		LastAction: lastAction,
		Output:     output,
		Timestamp:  time.Now().UTC(),
		Applied:    c.Applied(output),
	}
}

// NewErrorStatus builds a failed status. When err carries process output that
// output is kept so subscribers can see what the tool printed before failing.
func NewErrorStatus(key ResourceKey, err error, lastAction Action) *ExecutionStatus {
	s := &ExecutionStatus{
		Key:          key,
		LastAction:   lastAction,
		Timestamp:    time.Now().UTC(),
		ErrorMessage: err.Error(),
		ErrorStack:   errorChain(err),
	}
	var pe *ProcessError
	if errors.As(err, &pe) {
		s.Output = pe.Output
	}
	return s
}

func errorChain(err error) string {
	var lines []string
	for e := err; e != nil; e = errors.Unwrap(e) {
		lines = append(lines, e.Error())
	}
	if len(lines) < 2 {
		return ""
	}
	return strings.Join(lines, "\n")
}
