package agent

import (
	"fmt"
	"strings"
)

// TriggerAction tells the engine what to do when a disqualifying phrase is
// heard.
type TriggerAction string

const (
	// ActionEndPolitely ends the call without marking the lead.
	ActionEndPolitely TriggerAction = "end_politely"
	// ActionDisqualify marks the lead disqualified and ends the call.
	ActionDisqualify TriggerAction = "disqualify"
)

// Trigger is one disqualifying phrase with its action.
type Trigger struct {
	Phrase string        `yaml:"phrase"`
	Action TriggerAction `yaml:"action"`
}

// Script is the call content configured per campaign: the greeting, the
// ordered qualifying questions, and the disqualifier list. Greeting and
// questions may contain {{first_name}}, {{last_name}}, and
// {{property_address}} placeholders.
type Script struct {
	Greeting  string    `yaml:"greeting"`
	Questions []string  `yaml:"questions"`
	Triggers  []Trigger `yaml:"triggers"`
}

// LeadVars are the lead-derived values substituted into the script. Empty
// values fall back to neutral defaults so the agent never reads a literal
// placeholder aloud.
type LeadVars struct {
	FirstName       string
	LastName        string
	PropertyAddress string
}

const (
	defaultName     = "there"
	defaultProperty = "the property"
)

// Substitute replaces template placeholders in s with the lead's values,
// using neutral defaults for anything missing.
func (v LeadVars) Substitute(s string) string {
	first := v.FirstName
	if first == "" {
		first = defaultName
	}
	last := v.LastName
	if last == "" {
		last = defaultName
	}
	property := v.PropertyAddress
	if property == "" {
		property = defaultProperty
	}
	return strings.NewReplacer(
		"{{first_name}}", first,
		"{{last_name}}", last,
		"{{property_address}}", property,
	).Replace(s)
}

// ComposeInstructions builds the engine behavior prompt from a script and the
// lead's variables: system behavior, the greeting, the ordered question list,
// and one instruction per disqualifying trigger.
func ComposeInstructions(script Script, vars LeadVars) string {
	var b strings.Builder

	b.WriteString("You are a professional phone agent on an outbound call. ")
	b.WriteString("Speak naturally and keep responses brief. ")
	b.WriteString("When the conversation ends, submit a qualification result ")
	b.WriteString("using the submit_qualification tool before hanging up.\n\n")

	if script.Greeting != "" {
		b.WriteString("Open the call with this greeting:\n")
		b.WriteString(vars.Substitute(script.Greeting))
		b.WriteString("\n\n")
	}

	if len(script.Questions) > 0 {
		b.WriteString("Ask these questions in order, one at a time:\n")
		for i, q := range script.Questions {
			fmt.Fprintf(&b, "%d. %s\n", i+1, vars.Substitute(q))
		}
		b.WriteString("\n")
	}

	if len(script.Triggers) > 0 {
		b.WriteString("If the caller says any of the following:\n")
		for _, trig := range script.Triggers {
			switch trig.Action {
			case ActionDisqualify:
				fmt.Fprintf(&b, "- %q: mark the lead disqualified and end the call.\n", trig.Phrase)
			default:
				fmt.Fprintf(&b, "- %q: end the call politely.\n", trig.Phrase)
			}
		}
	}

	return strings.TrimRight(b.String(), "\n")
}
