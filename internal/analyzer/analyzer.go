// Package analyzer builds behavioral profiles from recorded UI interactions.
// It keeps a bounded in-memory history per user, detects interaction
// patterns, classifies the user, and produces personalization
// recommendations.
package analyzer

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/smartui-fusion/fusionhub/internal/store"
)

// User type classifications.
const (
	TypeNewUser           = "new_user"
	TypePowerUser         = "power_user"
	TypeNoviceUser        = "novice_user"
	TypeVoiceFirstUser    = "voice_first_user"
	TypeVisualUser        = "visual_user"
	TypeAccessibilityUser = "accessibility_user"
	TypeBalancedUser      = "balanced_user"
)

// Efficiency levels.
const (
	LevelExpert       = "expert"
	LevelProficient   = "proficient"
	LevelIntermediate = "intermediate"
	LevelBeginner     = "beginner"
)

// Analysis is the result of analyzing one user's interaction history.
type Analysis struct {
	UserID          string    `json:"user_id"`
	UserType        string    `json:"user_type"`
	Confidence      float64   `json:"confidence"`
	EfficiencyLevel string    `json:"efficiency_level"`
	SuccessRate     float64   `json:"success_rate"`
	ErrorRate       float64   `json:"error_rate"`
	AvgDurationMs   float64   `json:"avg_duration_ms"`
	LearningTrend   float64   `json:"learning_trend"` // -1 regressing .. 1 improving
	VoiceRatio      float64   `json:"voice_ratio"`
	KeyboardRatio   float64   `json:"keyboard_ratio"`
	NeedsAssistance bool      `json:"needs_assistance"`
	TopElements     []Element `json:"top_elements,omitempty"`
	Recommendations []string  `json:"recommendations"`
	SampleSize      int       `json:"sample_size"`
	AnalyzedAt      time.Time `json:"analyzed_at"`
}

// Element is one frequently used UI element.
type Element struct {
	ID    string `json:"id"`
	Count int    `json:"count"`
}

// Options configures the Analyzer.
type Options struct {
	MinInteractions int // interactions needed before classification (default 10)
	MaxHistory      int // per-user history cap (default 1000)
}

// Analyzer accumulates interactions and answers behavior queries. Safe for
// concurrent use.
type Analyzer struct {
	logger *slog.Logger
	opts   Options

	mu      sync.RWMutex
	history map[string][]store.Interaction
}

// New creates an Analyzer.
func New(logger *slog.Logger, opts Options) *Analyzer {
	if opts.MinInteractions == 0 {
		opts.MinInteractions = 10
	}
	if opts.MaxHistory == 0 {
		opts.MaxHistory = 1000
	}
	return &Analyzer{
		logger:  logger.With("component", "analyzer"),
		opts:    opts,
		history: make(map[string][]store.Interaction),
	}
}

// Record adds an interaction to the user's history, evicting the oldest entry
// once the cap is reached.
func (a *Analyzer) Record(it store.Interaction) {
	if it.UserID == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	h := append(a.history[it.UserID], it)
	if len(h) > a.opts.MaxHistory {
		h = h[len(h)-a.opts.MaxHistory:]
	}
	a.history[it.UserID] = h
}

// Seed preloads a user's history, oldest first. Used to warm the analyzer
// from the store at startup or reconnect.
func (a *Analyzer) Seed(userID string, its []store.Interaction) {
	a.mu.Lock()
	defer a.mu.Unlock()

	h := its
	if len(h) > a.opts.MaxHistory {
		h = h[len(h)-a.opts.MaxHistory:]
	}
	a.history[userID] = append([]store.Interaction(nil), h...)
}

// Count returns the number of interactions held for a user.
func (a *Analyzer) Count(userID string) int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.history[userID])
}

// Analyze classifies a user from their recorded history. Users below the
// minimum sample size get the new_user classification with onboarding
// recommendations.
func (a *Analyzer) Analyze(userID string) Analysis {
	a.mu.RLock()
	h := a.history[userID]
	interactions := make([]store.Interaction, len(h))
	copy(interactions, h)
	a.mu.RUnlock()

	res := Analysis{
		UserID:     userID,
		SampleSize: len(interactions),
		AnalyzedAt: time.Now(),
	}

	if len(interactions) < a.opts.MinInteractions {
		res.UserType = TypeNewUser
		res.Confidence = 0.3
		res.Recommendations = []string{"onboarding_assistance", "usage_tracking"}
		return res
	}

	total := len(interactions)
	var successes, voice, keyboard int
	var durationSum float64
	elementCounts := make(map[string]int)

	for _, it := range interactions {
		if it.Success {
			successes++
			durationSum += float64(it.DurationMs)
		}
		switch it.InteractionType {
		case "voice":
			voice++
		case "keyboard":
			keyboard++
		}
		if it.ElementID != "" {
			elementCounts[it.ElementID]++
		}
	}

	res.SuccessRate = float64(successes) / float64(total)
	res.ErrorRate = 1 - res.SuccessRate
	if successes > 0 {
		res.AvgDurationMs = durationSum / float64(successes)
	}
	res.VoiceRatio = float64(voice) / float64(total)
	res.KeyboardRatio = float64(keyboard) / float64(total)
	res.LearningTrend = learningTrend(interactions)
	res.NeedsAssistance = res.ErrorRate > 0.3
	res.EfficiencyLevel = efficiencyLevel(res.SuccessRate, res.AvgDurationMs, res.LearningTrend)
	res.TopElements = topElements(elementCounts, 5)
	res.UserType = classify(res)
	res.Recommendations = recommend(res)

	if total >= 20 {
		res.Confidence = 0.8
	} else {
		res.Confidence = 0.5
	}

	return res
}

// learningTrend compares the early and recent halves of the history: success
// rate improvement plus speed improvement, averaged and clamped to [-1, 1].
func learningTrend(interactions []store.Interaction) float64 {
	if len(interactions) < 10 {
		return 0
	}
	mid := len(interactions) / 2
	early, recent := interactions[:mid], interactions[mid:]

	successRate := func(its []store.Interaction) float64 {
		n := 0
		for _, it := range its {
			if it.Success {
				n++
			}
		}
		return float64(n) / float64(len(its))
	}
	avgDuration := func(its []store.Interaction) float64 {
		var sum float64
		n := 0
		for _, it := range its {
			if it.Success {
				sum += float64(it.DurationMs)
				n++
			}
		}
		if n == 0 {
			return 0
		}
		return sum / float64(n)
	}

	successImprovement := successRate(recent) - successRate(early)

	var speedImprovement float64
	if earlyAvg := avgDuration(early); earlyAvg > 0 {
		speedImprovement = (earlyAvg - avgDuration(recent)) / earlyAvg
	}

	trend := (successImprovement + speedImprovement) / 2
	if trend > 1 {
		return 1
	}
	if trend < -1 {
		return -1
	}
	return trend
}

// efficiencyLevel scores success rate, task speed, and learning trend into a
// named band.
func efficiencyLevel(successRate, avgDurationMs, trend float64) string {
	speed := avgDurationMs / 5000
	if speed > 1 {
		speed = 1
	}
	score := successRate*0.4 + (1-speed)*0.3 + (trend+1)/2*0.3

	switch {
	case score >= 0.8:
		return LevelExpert
	case score >= 0.6:
		return LevelProficient
	case score >= 0.4:
		return LevelIntermediate
	default:
		return LevelBeginner
	}
}

func classify(res Analysis) string {
	accessibilityScore := 0.0
	if res.KeyboardRatio > 0.7 {
		accessibilityScore += 0.5
	}
	if res.AvgDurationMs > 3000 {
		accessibilityScore += 0.5
	}

	switch {
	case accessibilityScore > 0.3 && res.VoiceRatio <= 0.5:
		return TypeAccessibilityUser
	case res.EfficiencyLevel == LevelExpert:
		return TypePowerUser
	case res.EfficiencyLevel == LevelBeginner:
		return TypeNoviceUser
	case res.VoiceRatio > 0.5:
		return TypeVoiceFirstUser
	case res.VoiceRatio == 0 && res.KeyboardRatio < 0.3:
		return TypeVisualUser
	default:
		return TypeBalancedUser
	}
}

func recommend(res Analysis) []string {
	var recs []string
	if res.ErrorRate > 0.2 {
		recs = append(recs, "error_prevention_enhancement")
	}
	if res.AvgDurationMs > 3000 {
		recs = append(recs, "workflow_simplification", "extended_timeout_settings")
	}
	if res.VoiceRatio > 0.5 {
		recs = append(recs, "voice_interface_optimization")
	}
	if res.KeyboardRatio > 0.7 {
		recs = append(recs, "enhanced_keyboard_navigation")
	}
	if res.UserType == TypeVisualUser {
		recs = append(recs, "visual_debugging_enhancement")
	}
	if len(recs) == 0 {
		recs = append(recs, "usage_tracking")
	}
	return recs
}

func topElements(counts map[string]int, limit int) []Element {
	out := make([]Element, 0, len(counts))
	for id, n := range counts {
		out = append(out, Element{ID: id, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
