// Package collabstate implements the Collaboration-state Codec (C8): it
// extracts a trailing `<collab_state>...</collab_state>` JSON block from
// an agent's raw response text, normalizes its fields, and never blocks
// the turn on a malformed block — the visible text is always usable.
package collabstate

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Phase is the adaptive conversation phase reported by an agent.
type Phase string

const (
	PhaseHandshake  Phase = "handshake"
	PhaseExplore    Phase = "explore"
	PhaseDeepDive   Phase = "deep_dive"
	PhaseSynthesize Phase = "synthesize"
	PhaseClose      Phase = "close"
)

var validPhases = map[Phase]bool{
	PhaseHandshake: true, PhaseExplore: true, PhaseDeepDive: true,
	PhaseSynthesize: true, PhaseClose: true,
}

// State is the normalized collaboration-state patch extracted from one
// agent response.
type State struct {
	Phase                   Phase    `json:"phase,omitempty"`
	OverlapScore            *float64 `json:"overlap_score,omitempty"`
	TurnCount               *int     `json:"turn_count,omitempty"`
	ActiveThreads           []string `json:"active_threads,omitempty"`
	CandidateCollaborations []string `json:"candidate_collaborations,omitempty"`
	OpenQuestions           []string `json:"open_questions,omitempty"`
	CloseSignal             bool     `json:"close_signal"`
	Confidence              *float64 `json:"confidence,omitempty"`
}

// Result is the codec's output for one response text.
type Result struct {
	CleanText   string
	StatePatch  *State
	HasState    bool
	ParseError  error
}

var blockRE = regexp.MustCompile(`(?s)<collab_state>(.*?)</collab_state>\s*$`)

const maxListItems = 4

// Decode removes a trailing <collab_state>...</collab_state> block from
// text, parses it as a JSON object, and normalizes its fields. A missing
// block yields HasState=false with no error. A malformed block (present
// but unparsable, or not a JSON object) yields HasState=false and
// ParseError set, but CleanText still has the block stripped so the
// turn's visible text remains usable.
func Decode(text string) Result {
	loc := blockRE.FindStringSubmatchIndex(text)
	if loc == nil {
		return Result{CleanText: text, HasState: false}
	}

	clean := strings.TrimRight(text[:loc[0]], " \t\n")
	raw := text[loc[2]:loc[3]]

	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return Result{CleanText: clean, HasState: false, ParseError: err}
	}

	state := normalize(obj)
	return Result{CleanText: clean, StatePatch: &state, HasState: true}
}

func normalize(obj map[string]interface{}) State {
	var s State

	if phase, ok := obj["phase"].(string); ok {
		p := Phase(phase)
		if validPhases[p] {
			s.Phase = p
		}
	}

	if v, ok := numberOf(obj["overlap_score"]); ok {
		clamped := clamp01(v)
		s.OverlapScore = &clamped
	}

	if v, ok := numberOf(obj["turn_count"]); ok {
		n := int(v)
		if n < 0 {
			n = 0
		}
		s.TurnCount = &n
	}

	s.ActiveThreads = stringListOf(obj["active_threads"], maxListItems)
	s.CandidateCollaborations = stringListOf(obj["candidate_collaborations"], maxListItems)
	s.OpenQuestions = stringListOf(obj["open_questions"], maxListItems)

	if v, ok := obj["close_signal"].(bool); ok {
		s.CloseSignal = v
	}

	if v, ok := numberOf(obj["confidence"]); ok {
		clamped := clamp01(v)
		s.Confidence = &clamped
	}

	return s
}

func numberOf(v interface{}) (float64, bool) {
	f, ok := v.(float64)
	return f, ok
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func stringListOf(v interface{}, limit int) []string {
	arr, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, limit)
	for _, item := range arr {
		if len(out) >= limit {
			break
		}
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
