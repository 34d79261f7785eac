package session

import "strings"

// Working memory limits. The scratchpad is meant to stay small enough to be
// injected into every request.
const (
	maxPlanChars     = 2000
	maxListItems     = 50
	maxListItemChars = 500
)

// Working memory field names, as used in state updates and change reports.
const (
	FieldPlan              = "plan"
	FieldOpenTasks         = "openTasks"
	FieldFilesTouched      = "filesTouched"
	FieldAssumptions       = "assumptions"
	FieldErrorsEncountered = "errorsEncountered"
)

// WorkingMemory is a small structured scratchpad the model updates
// explicitly to carry plan and task state across rounds and runs.
type WorkingMemory struct {
	Plan              string   `json:"plan,omitempty"`
	OpenTasks         []string `json:"openTasks,omitempty"`
	FilesTouched      []string `json:"filesTouched,omitempty"`
	Assumptions       []string `json:"assumptions,omitempty"`
	ErrorsEncountered []string `json:"errorsEncountered,omitempty"`
}

// StateUpdate is a single update request. Plan replaces the current plan
// when non-nil; list fields are merged in order with duplicates removed.
// Clear names fields to empty before the merge.
type StateUpdate struct {
	Plan              *string  `json:"plan,omitempty"`
	OpenTasks         []string `json:"openTasks,omitempty"`
	FilesTouched      []string `json:"filesTouched,omitempty"`
	Assumptions       []string `json:"assumptions,omitempty"`
	ErrorsEncountered []string `json:"errorsEncountered,omitempty"`
	Clear             []string `json:"clear,omitempty"`
}

// IsEmpty reports whether the working memory holds nothing.
func (w WorkingMemory) IsEmpty() bool {
	return w.Plan == "" && len(w.OpenTasks) == 0 && len(w.FilesTouched) == 0 &&
		len(w.Assumptions) == 0 && len(w.ErrorsEncountered) == 0
}

// Clone returns a deep copy.
func (w WorkingMemory) Clone() WorkingMemory {
	return WorkingMemory{
		Plan:              w.Plan,
		OpenTasks:         cloneStrings(w.OpenTasks),
		FilesTouched:      cloneStrings(w.FilesTouched),
		Assumptions:       cloneStrings(w.Assumptions),
		ErrorsEncountered: cloneStrings(w.ErrorsEncountered),
	}
}

// Apply merges u into w and returns the names of the fields that changed.
func (w *WorkingMemory) Apply(u StateUpdate) []string {
	var changed []string
	mark := func(field string, did bool) {
		if !did {
			return
		}
		for _, f := range changed {
			if f == field {
				return
			}
		}
		changed = append(changed, field)
	}

	for _, field := range u.Clear {
		switch field {
		case FieldPlan:
			mark(field, w.Plan != "")
			w.Plan = ""
		case FieldOpenTasks:
			mark(field, len(w.OpenTasks) > 0)
			w.OpenTasks = nil
		case FieldFilesTouched:
			mark(field, len(w.FilesTouched) > 0)
			w.FilesTouched = nil
		case FieldAssumptions:
			mark(field, len(w.Assumptions) > 0)
			w.Assumptions = nil
		case FieldErrorsEncountered:
			mark(field, len(w.ErrorsEncountered) > 0)
			w.ErrorsEncountered = nil
		}
	}

	if u.Plan != nil {
		plan := clip(strings.TrimSpace(*u.Plan), maxPlanChars)
		mark(FieldPlan, plan != w.Plan)
		w.Plan = plan
	}

	var did bool
	w.OpenTasks, did = mergeList(w.OpenTasks, u.OpenTasks)
	mark(FieldOpenTasks, did)
	w.FilesTouched, did = mergeList(w.FilesTouched, u.FilesTouched)
	mark(FieldFilesTouched, did)
	w.Assumptions, did = mergeList(w.Assumptions, u.Assumptions)
	mark(FieldAssumptions, did)
	w.ErrorsEncountered, did = mergeList(w.ErrorsEncountered, u.ErrorsEncountered)
	mark(FieldErrorsEncountered, did)

	return changed
}

// Render formats the working memory for injection into a request. It
// returns "" when there is nothing to show.
func (w WorkingMemory) Render() string {
	if w.IsEmpty() {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("# Working memory\n")
	if w.Plan != "" {
		sb.WriteString("\nPlan:\n")
		sb.WriteString(w.Plan)
		sb.WriteString("\n")
	}
	writeList := func(title string, items []string) {
		if len(items) == 0 {
			return
		}
		sb.WriteString("\n")
		sb.WriteString(title)
		sb.WriteString(":\n")
		for _, item := range items {
			sb.WriteString("- ")
			sb.WriteString(item)
			sb.WriteString("\n")
		}
	}
	writeList("Open tasks", w.OpenTasks)
	writeList("Files touched", w.FilesTouched)
	writeList("Assumptions", w.Assumptions)
	writeList("Errors encountered", w.ErrorsEncountered)
	return sb.String()
}

func mergeList(existing, additions []string) ([]string, bool) {
	changed := false
	seen := make(map[string]bool, len(existing))
	for _, item := range existing {
		seen[item] = true
	}
	for _, item := range additions {
		item = clip(strings.TrimSpace(item), maxListItemChars)
		if item == "" || seen[item] {
			continue
		}
		seen[item] = true
		existing = append(existing, item)
		changed = true
	}
	if len(existing) > maxListItems {
		existing = existing[len(existing)-maxListItems:]
	}
	return existing, changed
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
