package pump

import (
	"regexp"
	"strings"

	"github.com/dotdevdotdev/agentwire/internal/hub"
	"github.com/dotdevdotdev/agentwire/pkg/wire"
)

var (
	ansiRe   = regexp.MustCompile(`\x1b(\[[0-9;?]*[a-zA-Z]|\][^\x07]*(\x07|\x1b\\))`)
	optionRe = regexp.MustCompile(`^❯?\s*(\d+)\.\s+(.+)$`)
)

// StripANSI removes CSI and OSC escape sequences from pane text.
func StripANSI(s string) string {
	return ansiRe.ReplaceAllString(s, "")
}

// freeTextLabel reports whether an option label asks for typed input.
func freeTextLabel(label string) bool {
	l := strings.ToLower(strings.TrimSpace(label))
	return strings.HasPrefix(l, "type") || strings.HasPrefix(l, "other")
}

// ParseQuestion extracts the last complete structured question from pane
// text. The block shape is a header line marked with a ballot box, a blank
// line, question text ending in a question mark, a blank line, then one or
// more numbered options with optional indented descriptions. Returns nil
// when no complete question is present.
func ParseQuestion(text string) *hub.Question {
	lines := strings.Split(StripANSI(text), "\n")

	// Work from the last header marker so stale questions higher up the
	// scrollback do not shadow the current one.
	start := -1
	for i, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "☐ ") {
			start = i
		}
	}
	if start < 0 {
		return nil
	}

	header := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(lines[start]), "☐ "))
	i := start + 1

	// Skip the blank separator.
	for i < len(lines) && strings.TrimSpace(lines[i]) == "" {
		i++
	}

	// Question text runs to the next blank line and must end in "?".
	var qLines []string
	for i < len(lines) && strings.TrimSpace(lines[i]) != "" {
		if optionRe.MatchString(strings.TrimSpace(lines[i])) {
			break
		}
		qLines = append(qLines, strings.TrimSpace(lines[i]))
		i++
	}
	question := strings.Join(qLines, " ")
	if !strings.HasSuffix(question, "?") {
		return nil
	}

	for i < len(lines) && strings.TrimSpace(lines[i]) == "" {
		i++
	}

	var options []wire.QuestionOption
	for i < len(lines) {
		line := lines[i]
		m := optionRe.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			break
		}
		opt := wire.QuestionOption{Number: m[1], Label: strings.TrimSpace(m[2])}
		opt.FreeText = freeTextLabel(opt.Label)
		i++

		// Indented continuation lines are the option's description.
		var desc []string
		for i < len(lines) {
			next := lines[i]
			trimmed := strings.TrimSpace(next)
			if trimmed == "" || optionRe.MatchString(trimmed) {
				break
			}
			if len(next)-len(strings.TrimLeft(next, " ")) < 3 {
				break
			}
			desc = append(desc, trimmed)
			i++
		}
		opt.Description = strings.Join(desc, " ")
		options = append(options, opt)
	}
	if len(options) == 0 {
		return nil
	}

	return &hub.Question{Header: header, Question: question, Options: options}
}
