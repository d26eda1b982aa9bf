// Package engine turns voice command transcripts into UI intents using a
// rule table, and scores suggestions for users based on their profile.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smartui-fusion/fusionhub/internal/analyzer"
	"github.com/smartui-fusion/fusionhub/pkg/protocol"
)

// ErrDownstreamUnavailable is returned when the engine cannot serve a
// recognition request.
var ErrDownstreamUnavailable = errors.New("recognition engine unavailable")

// Recognition is the outcome of interpreting one transcript.
type Recognition struct {
	Intent     protocol.CommandIntent
	Confidence float64
	Clarify    bool // confidence below threshold, ask the user to rephrase
}

// rule matches a transcript against keyword groups. Every group must have at
// least one keyword present in the transcript.
type rule struct {
	groups     [][]string
	action     string
	target     string
	confidence float64
}

var rules = []rule{
	{[][]string{{"open", "show", "go to"}, {"settings", "preferences"}}, "navigate", "settings", 0.9},
	{[][]string{{"open", "show", "go to"}, {"dashboard", "home"}}, "navigate", "dashboard", 0.9},
	{[][]string{{"change", "modify", "set"}, {"color", "colour", "theme"}}, "modify_style", "theme", 0.85},
	{[][]string{{"change", "modify", "set"}, {"size", "font"}}, "modify_style", "font", 0.8},
	{[][]string{{"click", "select", "press"}, {"button"}}, "click", "button", 0.8},
	{[][]string{{"enable", "turn on", "start"}, {"debug", "debugging", "inspector"}}, "toggle_debug", "on", 0.85},
	{[][]string{{"disable", "turn off", "stop"}, {"debug", "debugging", "inspector"}}, "toggle_debug", "off", 0.85},
	{[][]string{{"undo", "revert"}}, "undo", "", 0.9},
	{[][]string{{"save"}}, "save", "", 0.9},
	{[][]string{{"search", "find", "look for"}}, "search", "", 0.75},
	{[][]string{{"help", "assist"}}, "help", "", 0.8},
}

// Options configures the Engine.
type Options struct {
	MinConfidence  float64 // below this the engine asks for clarification (default 0.6)
	MaxSuggestions int     // suggestions returned per request (default 3)
}

// Engine is the rule-based decision engine. Safe for concurrent use.
type Engine struct {
	logger *slog.Logger
	opts   Options

	mu        sync.Mutex
	processed int
	clarified int
	avgConf   float64
}

// New creates an Engine.
func New(logger *slog.Logger, opts Options) *Engine {
	if opts.MinConfidence == 0 {
		opts.MinConfidence = 0.6
	}
	if opts.MaxSuggestions == 0 {
		opts.MaxSuggestions = 3
	}
	return &Engine{
		logger: logger.With("component", "engine"),
		opts:   opts,
	}
}

// Recognize interprets a transcript. The reported confidence of the upstream
// recognizer scales the rule confidence; an empty transcript or no rule match
// produces a clarification request, never an error.
func (e *Engine) Recognize(ctx context.Context, transcript string, reportedConfidence float64) (Recognition, error) {
	if err := ctx.Err(); err != nil {
		return Recognition{}, ErrDownstreamUnavailable
	}

	normalized := strings.ToLower(strings.TrimSpace(transcript))
	if normalized == "" {
		e.note(0, true)
		return Recognition{Clarify: true}, nil
	}

	best := Recognition{}
	for _, r := range rules {
		if !r.matches(normalized) {
			continue
		}
		conf := r.confidence
		if reportedConfidence > 0 {
			conf *= reportedConfidence
		}
		if conf > best.Confidence {
			best = Recognition{
				Intent: protocol.CommandIntent{
					Action: r.action,
					Target: r.target,
					Parameters: map[string]any{
						"transcript": transcript,
					},
				},
				Confidence: conf,
			}
		}
	}

	if best.Confidence < e.opts.MinConfidence {
		best.Clarify = true
	}
	e.note(best.Confidence, best.Clarify)
	return best, nil
}

func (r rule) matches(transcript string) bool {
	for _, group := range r.groups {
		found := false
		for _, kw := range group {
			if strings.Contains(transcript, kw) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (e *Engine) note(conf float64, clarified bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.processed++
	if clarified {
		e.clarified++
	}
	// running mean
	e.avgConf += (conf - e.avgConf) / float64(e.processed)
}

// Stats reports engine counters since startup.
func (e *Engine) Stats() (processed, clarified int, avgConfidence float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.processed, e.clarified, e.avgConf
}

// Suggest converts an analysis into concrete suggestions, strongest first,
// capped at the configured maximum.
func (e *Engine) Suggest(res analyzer.Analysis) []protocol.Suggestion {
	var out []protocol.Suggestion

	add := func(action, target, reason string, confidence float64) {
		out = append(out, protocol.Suggestion{
			ID:         uuid.New().String(),
			Action:     action,
			Target:     target,
			Reason:     reason,
			Confidence: confidence,
		})
	}

	for _, rec := range res.Recommendations {
		switch rec {
		case "voice_interface_optimization":
			add("enable_voice_shortcuts", "voice", "voice is your primary input", 0.8)
		case "enhanced_keyboard_navigation":
			add("enable_keyboard_shortcuts", "keyboard", "you navigate mostly by keyboard", 0.8)
		case "workflow_simplification":
			add("compact_workflow", "layout", "tasks are taking longer than usual", 0.7)
		case "error_prevention_enhancement":
			add("enable_confirmations", "forms", "recent interactions failed often", 0.75)
		case "visual_debugging_enhancement":
			add("pin_debug_panel", "debug", "you inspect elements frequently", 0.65)
		case "extended_timeout_settings":
			add("extend_timeouts", "session", "interactions take longer than the defaults expect", 0.6)
		case "onboarding_assistance":
			add("show_tour", "onboarding", "help getting started", 0.5)
		}
	}

	for i, el := range res.TopElements {
		if i >= 2 {
			break
		}
		if el.Count >= 5 {
			add("add_shortcut", el.ID, "frequently used element", 0.6+0.05*float64(el.Count)/10)
		}
	}

	if len(out) > e.opts.MaxSuggestions {
		out = out[:e.opts.MaxSuggestions]
	}
	return out
}

// AnalysisPayload converts an analysis into the wire payload for
// realtime_analysis envelopes.
func AnalysisPayload(res analyzer.Analysis) protocol.AnalysisResult {
	primary := ""
	switch {
	case res.VoiceRatio > 0.5:
		primary = "voice"
	case res.KeyboardRatio > 0.5:
		primary = "keyboard"
	case res.SampleSize > 0:
		primary = "pointer"
	}
	return protocol.AnalysisResult{
		UserID:            res.UserID,
		UserType:          res.UserType,
		OverallConfidence: res.Confidence,
		SuccessRate:       res.SuccessRate,
		AvgTaskDurationMs: res.AvgDurationMs,
		ErrorRate:         res.ErrorRate,
		PrimaryInput:      primary,
		Recommendations:   res.Recommendations,
		GeneratedAt:       time.Now().UnixMilli(),
	}
}
