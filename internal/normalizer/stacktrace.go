package normalizer

import (
	"regexp"
	"strings"

	"github.com/kodless/leek/internal/model"
)

var (
	pyHeader = regexp.MustCompile(`(?m)^\s*Traceback \(most recent call last\):`)
	pyFinal  = regexp.MustCompile(`^\s*([A-Za-z_]\w*(?:\.[A-Za-z_]\w*)*):\s*(.*)$`)
)

// ExtractStacktrace extracts a best-effort {language, error, trace}
// structure from a raw traceback. Unparseable input falls back to an
// "unknown" classification; extraction never fails the event.
func ExtractStacktrace(raw string) *model.Stacktrace {
	if st := parsePython(raw); st != nil {
		return st
	}
	return &model.Stacktrace{Lang: "unknown", Trace: raw}
}

func parsePython(raw string) *model.Stacktrace {
	if !pyHeader.MatchString(raw) {
		return nil
	}
	st := &model.Stacktrace{Lang: "python", Trace: raw}

	// The final line usually reads "TypeError: message".
	lines := strings.Split(strings.TrimSpace(raw), "\n")
	tail := lines[len(lines)-1]
	if m := pyFinal.FindStringSubmatch(tail); m != nil {
		st.Error = model.StacktraceError{Type: m[1], Message: m[2]}
	}
	return st
}
