package heuristics

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"

	"warden/internal/config"
)

// Profile is the snapshot of a member read at evaluation time. Fields left at
// their zero value count as absent, which leans toward suspicion.
type Profile struct {
	ID          string
	DisplayName string
	CreatedAt   time.Time
	HasAvatar   bool
	HasBanner   bool
	Bot         bool
}

type Verdict struct {
	Suspicious bool
	Reasons    []string
}

// Rule pairs a predicate with the reason it contributes. Rules are evaluated
// in order and each adds at most one reason.
type Rule struct {
	Name  string
	Check func(profile Profile, now time.Time) (string, bool)
}

type Evaluator struct {
	rules      []Rule
	minSignals int
	now        func() time.Time
}

// Display-name substrings seen on raid and nuke bots in the wild.
var maliciousNameTokens = []string{
	"shappire", "sapphire", "shapire", "shappire-bot", "shappirebot",
	"nuke", "raid", "crash", "destroy", "annihilator",
	"blood", "killer", "murder", "destroyer", "wizard",
	"ghost", "shadow", "phantom", "stealth", "invisible",
	"vortex", "storm", "hurricane", "tsunami", "earthquake",
	"venom", "poison", "toxic", "acid", "plague",
	"chaos", "anarchy", "hysteria", "panic", "mayhem",
	"cyber", "hack", "crack", "exploit", "virus",
	"demon", "devil", "satan", "hell", "inferno",
	"omega", "alpha", "sigma", "ultima", "extreme",
	"null", "void", "empty", "zero", "voided",
	"cipher", "code", "script", "auto", "botter",
}

var (
	consecutiveDigits = regexp.MustCompile(`[0-9]{4,}`)
	splitDigitRuns    = regexp.MustCompile(`[0-9]{3,}.*[0-9]{3,}`)

	genericShapes = []*regexp.Regexp{
		regexp.MustCompile(`^[a-z]+[0-9]+$`),
		regexp.MustCompile(`^[0-9]+[a-z]+$`),
		regexp.MustCompile(`^[a-z]+\.[a-z]+$`),
		regexp.MustCompile(`^[a-z]+_[a-z]+$`),
	}
)

func NewEvaluator(cfg config.HeuristicsConfig) *Evaluator {
	minSignals := cfg.MinSignals
	if minSignals <= 0 {
		minSignals = 2
	}
	minAgeDays := cfg.MinAccountAgeDays
	if minAgeDays <= 0 {
		minAgeDays = 2
	}

	return &Evaluator{
		rules:      defaultRules(minAgeDays),
		minSignals: minSignals,
		now:        time.Now,
	}
}

// WithClock replaces the wall clock, for tests.
func (e *Evaluator) WithClock(now func() time.Time) {
	e.now = now
}

// Evaluate scores a single profile. It never fails: missing fields are
// treated as signals, not errors.
func (e *Evaluator) Evaluate(profile Profile) Verdict {
	now := e.now()
	var reasons []string
	for _, rule := range e.rules {
		if reason, hit := rule.Check(profile, now); hit {
			reasons = append(reasons, reason)
		}
	}
	return Verdict{Suspicious: len(reasons) >= e.minSignals, Reasons: reasons}
}

func defaultRules(minAgeDays int) []Rule {
	return []Rule{
		{
			Name: "account_age",
			Check: func(profile Profile, now time.Time) (string, bool) {
				ageDays := int(now.Sub(profile.CreatedAt).Hours() / 24)
				if ageDays >= minAgeDays {
					return "", false
				}
				return fmt.Sprintf("very new account (%d days)", ageDays), true
			},
		},
		{
			Name: "no_avatar",
			Check: func(profile Profile, now time.Time) (string, bool) {
				if profile.HasAvatar {
					return "", false
				}
				return "no custom avatar", true
			},
		},
		{
			Name: "malicious_name",
			Check: func(profile Profile, now time.Time) (string, bool) {
				name := strings.ToLower(profile.DisplayName)
				for _, token := range maliciousNameTokens {
					if strings.Contains(name, token) {
						return "name matches malicious bot patterns", true
					}
				}
				return "", false
			},
		},
		{
			Name: "numeric_name",
			Check: func(profile Profile, now time.Time) (string, bool) {
				name := profile.DisplayName
				if consecutiveDigits.MatchString(name) || splitDigitRuns.MatchString(name) {
					return "name has excessive digits", true
				}
				return "", false
			},
		},
		{
			Name: "generic_name",
			Check: func(profile Profile, now time.Time) (string, bool) {
				if isGenericName(profile.DisplayName) {
					return "generic/random name", true
				}
				return "", false
			},
		},
		{
			Name: "no_banner",
			Check: func(profile Profile, now time.Time) (string, bool) {
				if profile.HasBanner {
					return "", false
				}
				return "no profile banner", true
			},
		},
	}
}

func isGenericName(name string) bool {
	lower := strings.ToLower(name)
	for _, shape := range genericShapes {
		if shape.MatchString(lower) {
			return true
		}
	}

	if name == "" {
		return false
	}
	digits := 0
	for _, r := range name {
		if unicode.IsDigit(r) {
			digits++
		}
	}
	return float64(digits) > float64(len([]rune(name)))*0.4
}
