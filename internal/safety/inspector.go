// Package safety scans model outputs for PII, toxic language, and jailbreak
// attempts. Detection is rule-based and deterministic so it can run inline
// without network access.
package safety

import (
	"regexp"
	"sort"
	"strings"

	"github.com/ahrav/go-promptlab/internal/domain"
)

// Issue kinds.
const (
	KindPII       = "pii"
	KindToxic     = "toxic"
	KindJailbreak = "jailbreak"
)

type detector struct {
	name    string
	pattern *regexp.Regexp
	// check rejects regex hits that are structurally invalid.
	check func(string) bool
}

var piiDetectors = []detector{
	{name: "email", pattern: regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`)},
	{name: "ssn", pattern: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{name: "credit_card", pattern: regexp.MustCompile(`\b(?:\d[ \-]?){12,18}\d\b`), check: luhnValid},
	{name: "phone", pattern: regexp.MustCompile(`(?:\+?1[\-.\s]?)?\(?\b\d{3}\)?[\-.\s]\d{3}[\-.\s]\d{4}\b`)},
	{name: "ip_address", pattern: regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`), check: octetsValid},
	{
		name: "street_address",
		pattern: regexp.MustCompile(`\b\d{1,5}\s+(?:[A-Z][A-Za-z0-9.']*\s+){1,3}` +
			`(?:Street|St|Avenue|Ave|Road|Rd|Boulevard|Blvd|Lane|Ln|Drive|Dr|Court|Ct|Way|Place|Pl|Terrace|Parkway|Pkwy)\b\.?`),
	},
}

// insultLexicon is matched on word boundaries, case-insensitively.
var insultLexicon = []string{
	"idiot", "idiots", "stupid", "moron", "morons", "dumb", "dumbass", "imbecile",
	"loser", "losers", "worthless", "pathetic", "useless", "incompetent", "retard",
	"shut up", "hate you", "go to hell", "kill yourself", "piece of garbage", "piece of trash",
}

var toxicPattern = buildLexiconPattern(insultLexicon)

// jailbreakFamilies are phrase families that attempt to override prior
// instructions or unlock restricted behavior.
var jailbreakFamilies = []detector{
	{name: "ignore_instructions", pattern: regexp.MustCompile(
		`(?i)\b(?:ignore|ignoring)\s+(?:all\s+|any\s+)?(?:of\s+)?(?:the\s+|your\s+)?(?:previous|prior|above|earlier|preceding|original)\s+(?:instructions|prompts?|rules|directions|guidelines)`)},
	{name: "disregard_instructions", pattern: regexp.MustCompile(
		`(?i)\bdisregard\s+(?:all\s+|any\s+)?(?:the\s+|your\s+)?(?:previous\s+|prior\s+|above\s+|earlier\s+)?(?:instructions|system\s+prompt|rules|guidelines)`)},
	{name: "forget_instructions", pattern: regexp.MustCompile(
		`(?i)\bforget\s+(?:all\s+|everything\s+)?(?:you\s+were\s+told|your\s+(?:instructions|rules|guidelines)|(?:the\s+)?previous\s+instructions)`)},
	{name: "persona_override", pattern: regexp.MustCompile(
		`(?i)\byou\s+are\s+now\s+(?:dan|jailbroken|unrestricted|unfiltered|in\s+developer\s+mode|free\s+from)`)},
	{name: "developer_mode", pattern: regexp.MustCompile(`(?i)\b(?:enable|enter|activate|switch\s+to)\s+developer\s+mode\b`)},
	{name: "do_anything_now", pattern: regexp.MustCompile(`(?i)\bdo\s+anything\s+now\b`)},
	{name: "no_restrictions", pattern: regexp.MustCompile(
		`(?i)\bpretend\s+(?:that\s+)?you\s+(?:have\s+no|are\s+not\s+bound\s+by|don'?t\s+have)\s+(?:any\s+)?(?:restrictions|rules|guidelines|limitations|filters)`)},
	{name: "prompt_exfiltration", pattern: regexp.MustCompile(
		`(?i)\b(?:reveal|print|show|repeat|output)\s+(?:me\s+)?(?:your|the)\s+(?:system\s+prompt|hidden\s+instructions|initial\s+instructions)`)},
	{name: "filter_bypass", pattern: regexp.MustCompile(
		`(?i)\bbypass\s+(?:your|the|all|any)\s+(?:safety|content)\s+(?:filters?|guidelines|restrictions|policies)`)},
}

// Inspector evaluates text against the enabled detectors. It holds no
// mutable state and is safe for concurrent use.
type Inspector struct {
	cfg    domain.SafetyConfig
	extras []detector
}

// NewInspector builds an inspector for the given configuration. Extra
// jailbreak phrases are matched literally and case-insensitively.
func NewInspector(cfg domain.SafetyConfig) *Inspector {
	ins := &Inspector{cfg: cfg}
	for _, phrase := range cfg.ExtraJailbreakPhrases {
		phrase = strings.TrimSpace(phrase)
		if phrase == "" {
			continue
		}
		ins.extras = append(ins.extras, detector{
			name:    "custom_phrase",
			pattern: regexp.MustCompile(`(?i)` + regexp.QuoteMeta(phrase)),
		})
	}
	return ins
}

// Inspect returns the flags and issues found in text. Issues are ordered by
// offset, then kind, then detector, so identical text yields identical reports.
func (i *Inspector) Inspect(text string) domain.SafetyReport {
	report := domain.SafetyReport{Issues: []domain.SafetyIssue{}}
	if text == "" {
		return report
	}

	if !i.cfg.DisablePII {
		for _, d := range piiDetectors {
			if issues := scan(text, KindPII, d); len(issues) > 0 {
				report.PIIDetected = true
				report.Issues = append(report.Issues, issues...)
			}
		}
	}

	if !i.cfg.DisableToxicity {
		issues := scan(text, KindToxic, detector{name: "insult_lexicon", pattern: toxicPattern})
		if len(issues) > 0 {
			report.ToxicDetected = true
			report.Issues = append(report.Issues, issues...)
		}
	}

	if !i.cfg.DisableJailbreak {
		for _, family := range [][]detector{jailbreakFamilies, i.extras} {
			for _, d := range family {
				if issues := scan(text, KindJailbreak, d); len(issues) > 0 {
					report.JailbreakAttempt = true
					report.Issues = append(report.Issues, issues...)
				}
			}
		}
	}

	sort.SliceStable(report.Issues, func(a, b int) bool {
		x, y := report.Issues[a], report.Issues[b]
		if x.Offset != y.Offset {
			return x.Offset < y.Offset
		}
		if x.Kind != y.Kind {
			return x.Kind < y.Kind
		}
		return x.Detector < y.Detector
	})
	return report
}

func scan(text, kind string, d detector) []domain.SafetyIssue {
	var issues []domain.SafetyIssue
	for _, loc := range d.pattern.FindAllStringIndex(text, -1) {
		match := text[loc[0]:loc[1]]
		if d.check != nil && !d.check(match) {
			continue
		}
		issues = append(issues, domain.SafetyIssue{
			Kind:     kind,
			Detector: d.name,
			Match:    match,
			Offset:   loc[0],
		})
	}
	return issues
}

func buildLexiconPattern(words []string) *regexp.Regexp {
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = strings.ReplaceAll(regexp.QuoteMeta(w), " ", `\s+`)
	}
	return regexp.MustCompile(`(?i)\b(?:` + strings.Join(quoted, "|") + `)\b`)
}

// luhnValid filters digit runs that cannot be card numbers.
func luhnValid(s string) bool {
	var digits []int
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits = append(digits, int(r-'0'))
		}
	}
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

func octetsValid(s string) bool {
	for _, part := range strings.Split(s, ".") {
		if len(part) == 0 || len(part) > 3 {
			return false
		}
		n := 0
		for _, r := range part {
			n = n*10 + int(r-'0')
		}
		if n > 255 {
			return false
		}
	}
	return true
}
