package scheduler

import (
	"strings"

	"github.com/telroute/outdial/internal/store"
	"github.com/telroute/outdial/pkg/telephony"
)

// Outcome is the scheduler's verdict on a terminal call session.
type Outcome string

const (
	// OutcomeSuccess ends the lead's queue with a final disposition.
	OutcomeSuccess Outcome = "terminal-success"
	// OutcomeRetry schedules another attempt if any remain.
	OutcomeRetry Outcome = "retryable"
	// OutcomeFailure ends the lead's queue without a disposition.
	OutcomeFailure Outcome = "terminal-failure"
)

// Rule matches a terminal session on disposition, AMD result, hangup reason,
// and call status. Empty fields are wildcards; the first matching rule wins.
type Rule struct {
	Disposition  string
	AMDResult    telephony.AMDResult
	HangupReason string
	Status       telephony.CallStatus
	Outcome      Outcome
}

func (r Rule) matches(sess *store.CallSession) bool {
	if r.Disposition != "" && !strings.EqualFold(r.Disposition, sess.Disposition) {
		return false
	}
	if r.AMDResult != "" && r.AMDResult != sess.AMDResult {
		return false
	}
	if r.HangupReason != "" && !strings.EqualFold(r.HangupReason, sess.HangupReason) {
		return false
	}
	if r.Status != "" && r.Status != sess.Status {
		return false
	}
	return true
}

// Classifier maps terminal sessions to outcomes via an ordered rule table.
type Classifier struct {
	rules []Rule
}

// NewClassifier creates a classifier with the given rules ahead of the
// defaults. Pass nil to use the defaults alone.
func NewClassifier(rules []Rule) *Classifier {
	return &Classifier{rules: append(append([]Rule(nil), rules...), defaultRules...)}
}

// defaultRules encode the stock policy: explicit disqualification and
// completed conversations are final; no-answer-style outcomes and answering
// machines get another attempt.
var defaultRules = []Rule{
	{Disposition: "disqualified", Outcome: OutcomeSuccess},
	{Disposition: "do_not_call", Outcome: OutcomeFailure},
	{AMDResult: telephony.AMDMachine, Outcome: OutcomeRetry},
	{AMDResult: telephony.AMDFax, Outcome: OutcomeFailure},
	{Status: telephony.StatusNoAnswer, Outcome: OutcomeRetry},
	{Status: telephony.StatusBusy, Outcome: OutcomeRetry},
	{Status: telephony.StatusCancelled, Outcome: OutcomeRetry},
	{Status: telephony.StatusFailed, Outcome: OutcomeRetry},
	{Status: telephony.StatusCompleted, Outcome: OutcomeSuccess},
}

// Classify returns the outcome for a terminal session. Sessions with a
// recorded disposition are final even when no rule names the disposition.
func (c *Classifier) Classify(sess *store.CallSession) Outcome {
	for _, r := range c.rules {
		if r.matches(sess) {
			return r.Outcome
		}
	}
	if sess.Disposition != "" {
		return OutcomeSuccess
	}
	return OutcomeRetry
}
