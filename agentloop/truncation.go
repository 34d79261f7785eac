package agentloop

import (
	"fmt"
	"strings"
)

// TruncationMode selects which part of an oversized output survives.
type TruncationMode string

const (
	KeepHeadTail TruncationMode = "head_tail"
	KeepTail     TruncationMode = "tail"
)

// OutputLimit bounds what a tool result may put into the transcript.
type OutputLimit struct {
	Chars int
	Lines int
	Mode  TruncationMode
}

// DefaultOutputLimits apply per tool. The full output still goes to the
// event log.
var DefaultOutputLimits = map[string]OutputLimit{
	"read_file":  {Chars: 50000, Mode: KeepHeadTail},
	"shell":      {Chars: 30000, Lines: 256, Mode: KeepHeadTail},
	"grep":       {Chars: 20000, Lines: 200, Mode: KeepTail},
	"glob":       {Chars: 20000, Lines: 500, Mode: KeepTail},
	"list_dir":   {Chars: 20000, Lines: 500, Mode: KeepHeadTail},
	"edit_file":  {Chars: 10000, Mode: KeepTail},
	"write_file": {Chars: 1000, Mode: KeepTail},
}

var fallbackLimit = OutputLimit{Chars: 30000, Mode: KeepHeadTail}

// TruncateChars cuts output to maxChars, leaving a marker saying how much
// went missing.
func TruncateChars(output string, maxChars int, mode TruncationMode) string {
	if maxChars <= 0 || len(output) <= maxChars {
		return output
	}
	removed := len(output) - maxChars
	if mode == KeepTail {
		return fmt.Sprintf("[output truncated: first %d characters removed]\n\n", removed) +
			output[len(output)-maxChars:]
	}
	half := maxChars / 2
	return output[:half] +
		fmt.Sprintf("\n\n[output truncated: %d characters removed from the middle; re-run with narrower parameters to see them]\n\n", removed) +
		output[len(output)-half:]
}

// TruncateLines keeps the first and last lines of output, maxLines total.
func TruncateLines(output string, maxLines int) string {
	if maxLines <= 0 {
		return output
	}
	lines := strings.Split(output, "\n")
	if len(lines) <= maxLines {
		return output
	}
	head := maxLines / 2
	tail := maxLines - head
	return strings.Join(lines[:head], "\n") +
		fmt.Sprintf("\n[... %d lines omitted ...]\n", len(lines)-head-tail) +
		strings.Join(lines[len(lines)-tail:], "\n")
}

// TruncateToolOutput applies the character limit then the line limit for
// tool. overrides take precedence over DefaultOutputLimits.
func TruncateToolOutput(output, tool string, overrides map[string]OutputLimit) string {
	limit, ok := overrides[tool]
	if !ok {
		limit, ok = DefaultOutputLimits[tool]
		if !ok {
			limit = fallbackLimit
		}
	}
	return TruncateLines(TruncateChars(output, limit.Chars, limit.Mode), limit.Lines)
}
