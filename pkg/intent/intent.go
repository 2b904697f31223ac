// Package intent classifies a user query against a configured set of
// named intents and decides, independently, whether the query needs
// tool access at all.
//
// Grounded on original_source/orchestrator/intent_patterns.py (keyword
// matching, required-tools-per-intent shape) and
// original_source/core/graph.py's _should_use_tools heuristic
// (keyword/regex gate on tool-schema injection).
package intent

import (
	"regexp"
	"strings"
)

// Intent is a configured trigger pattern with an optional slot that
// must be resolvable from the query before the intent can proceed
// without clarification.
type Intent struct {
	Name            string
	Keywords        []string
	Regexes         []*regexp.Regexp
	RequiredTools   []string
	Slot            string            // slot name, e.g. "destination"; empty if no slot required
	SlotKeywords    map[string]string // slot value -> trigger phrase that resolves it
	ClarifyTemplate string            // e.g. "Which destination did you mean?"
}

// Analysis is the classifier's verdict for one query.
type Analysis struct {
	Intent                *Intent
	Destination           string // resolved slot value, if any
	RequiresClarification bool
	ClarifyingQuestion    string
}

// defaultToolKeywords and defaultGreetings mirror the heuristic used to
// decide whether tool schemas are worth injecting into the prompt at
// all — independent of which (if any) named Intent matched.
var (
	defaultToolKeywords = []string{
		"search", "find", "look up", "google", "web", "online",
		"latest", "current", "recent", "news", "today",
		"calculate", "compute", "solve", "math", "equation",
		"sum", "multiply", "divide", "subtract", "add",
		"load", "fetch", "get", "download", "scrape",
		"website", "url", "page", "link",
	}
	defaultGreetings = []string{
		"hello", "hi", "hey", "greetings", "good morning", "good afternoon",
		"good evening", "how are you", "how do you do", "whats up", "what's up",
		"nice to meet", "thanks", "thank you", "bye", "goodbye", "see you",
	}
	defaultFactualKeywords = []string{
		"what is", "who is", "when did", "where is", "why did",
		"how does", "how did", "tell me about", "explain",
	}
	defaultOpinionWords = []string{"think", "feel", "opinion", "prefer", "like", "favorite"}

	mathExprPattern = regexp.MustCompile(`\d+\s*[+\-*/^]\s*\d+`)
	urlPattern      = regexp.MustCompile(`https?://`)
)

// Classifier evaluates Analyze as a pure function of (query, configured
// intents) — no internal state mutates between calls.
type Classifier struct {
	intents []Intent
}

// New builds a Classifier over the given intents, preserving
// declaration order for tie-breaking.
func New(intents []Intent) *Classifier {
	return &Classifier{intents: intents}
}

// Analyze returns the first intent (in declaration order) whose
// keywords or regexes match the lowercased query, resolving its slot
// if one is declared. If the slot cannot be resolved, the result asks
// for clarification instead of naming a destination.
func (c *Classifier) Analyze(query string) Analysis {
	lower := strings.ToLower(query)

	for i := range c.intents {
		in := &c.intents[i]
		if !matches(in, lower, query) {
			continue
		}

		if in.Slot == "" {
			return Analysis{Intent: in}
		}

		// When several triggers match, the lexically smallest slot value
		// wins, so the result does not depend on map iteration order.
		resolved, found := "", false
		for value, trigger := range in.SlotKeywords {
			if strings.Contains(lower, strings.ToLower(trigger)) && (!found || value < resolved) {
				resolved, found = value, true
			}
		}
		if found {
			return Analysis{Intent: in, Destination: resolved}
		}

		question := in.ClarifyTemplate
		if question == "" {
			question = "Could you clarify the " + in.Slot + "?"
		}
		return Analysis{
			Intent:                in,
			RequiresClarification: true,
			ClarifyingQuestion:    question,
		}
	}

	return Analysis{}
}

func matches(in *Intent, lower, original string) bool {
	for _, kw := range in.Keywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	for _, re := range in.Regexes {
		if re.MatchString(original) {
			return true
		}
	}
	return false
}

// RequiresTools answers the cheaper question of whether tool schemas
// are worth injecting into the prompt at all, independent of whether a
// named Intent matched. It is deliberately permissive toward "yes" for
// anything that isn't a clear greeting or opinion question, since the
// cost of over-including tool schemas is much lower than suppressing a
// query that genuinely needed one.
func RequiresTools(query string) bool {
	lower := strings.ToLower(query)

	for _, kw := range defaultToolKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	if mathExprPattern.MatchString(query) {
		return true
	}
	if urlPattern.MatchString(lower) {
		return true
	}
	for _, g := range defaultGreetings {
		if strings.Contains(lower, g) {
			return false
		}
	}
	for _, kw := range defaultFactualKeywords {
		if strings.Contains(lower, kw) {
			hasOpinion := false
			for _, w := range defaultOpinionWords {
				if strings.Contains(lower, w) {
					hasOpinion = true
					break
				}
			}
			if !hasOpinion {
				return true
			}
		}
	}
	return false
}
