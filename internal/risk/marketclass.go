package risk

import (
	"strconv"
	"strings"

	"polycopy/internal/market"
)

// TennisLiveStateRule blocks mirror orders during tennis match states the
// whale might be reacting to information we can't price in time — a
// final-set tiebreak is the canonical "don't chase" state.
type TennisLiveStateRule struct {
	// BlockedStates are substrings of Metadata.MatchState that deny the
	// trade when matched (case-insensitive).
	BlockedStates []string
}

// NewTennisLiveStateRule returns a TennisLiveStateRule with Polymarket's
// usual "too volatile to chase" tennis states.
func NewTennisLiveStateRule() TennisLiveStateRule {
	return TennisLiveStateRule{BlockedStates: []string{"tiebreak", "final_set"}}
}

func (r TennisLiveStateRule) Applies(class market.MarketClass) bool {
	return class == market.ClassTennis
}

func (r TennisLiveStateRule) Check(meta market.Metadata) (bool, string) {
	state := strings.ToLower(meta.MatchState)
	for _, blocked := range r.BlockedStates {
		if state != "" && strings.Contains(state, strings.ToLower(blocked)) {
			return false, "tennis_live_state: " + meta.MatchState
		}
	}
	return true, ""
}

// SoccerLateGameRule blocks mirror orders past a configured match minute,
// when a single goal can swing the market faster than we can react.
type SoccerLateGameRule struct {
	// BlockAfterMinute is the match minute past which trades are blocked.
	// 0 disables the rule.
	BlockAfterMinute int
}

// NewSoccerLateGameRule returns a SoccerLateGameRule blocking after the
// 75th minute by default.
func NewSoccerLateGameRule() SoccerLateGameRule {
	return SoccerLateGameRule{BlockAfterMinute: 75}
}

func (r SoccerLateGameRule) Applies(class market.MarketClass) bool {
	return class == market.ClassSoccer
}

func (r SoccerLateGameRule) Check(meta market.Metadata) (bool, string) {
	if r.BlockAfterMinute <= 0 {
		return true, ""
	}
	minute, ok := parseLiveMinute(meta.MatchState)
	if !ok {
		return true, ""
	}
	if minute >= r.BlockAfterMinute {
		return false, "soccer_late_game: minute " + strconv.Itoa(minute)
	}
	return true, ""
}

// parseLiveMinute extracts the minute from a MatchState like "live_78min".
// Returns ok=false for any state it doesn't recognize as a live-minute
// marker, which the rule treats as non-blocking.
func parseLiveMinute(state string) (int, bool) {
	const prefix = "live_"
	const suffix = "min"
	if !strings.HasPrefix(state, prefix) || !strings.HasSuffix(state, suffix) {
		return 0, false
	}
	digits := strings.TrimSuffix(strings.TrimPrefix(state, prefix), suffix)
	n := 0
	if digits == "" {
		return 0, false
	}
	for _, c := range digits {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	return n, true
}
