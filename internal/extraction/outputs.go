package extraction

import (
	"encoding/json"
	"strings"
)

// Outputs is the normalized extraction result. Missing fields stay empty.
type Outputs struct {
	SkillSheet  string   `json:"skillsheet"`
	LOR         string   `json:"lor"`
	WorkContent []string `json:"work_content"`
	Skills      []string `json:"skills"`
	Hope        string   `json:"hope"`
}

var fieldAliases = map[string][]string{
	"skillsheet":   {"skillsheet", "skill_sheet", "skillSheet"},
	"lor":          {"lor", "letter_of_recommendation"},
	"work_content": {"work_content", "workContent", "salesforce"},
	"skills":       {"skills"},
	"hope":         {"hope"},
}

// ParseOutputs normalizes raw workflow outputs. It never fails: unparseable
// input yields empty fields and the names of the missing ones.
func (r *Runner) ParseOutputs(jobID string, raw json.RawMessage) Outputs {
	out, missing := parseOutputs(raw)
	if len(missing) > 0 {
		r.log.WithField("job_id", jobID).WithField("missing", missing).Warn("workflow outputs incomplete")
	}
	return out
}

func parseOutputs(raw json.RawMessage) (Outputs, []string) {
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		// Some workflows wrap the object in a JSON string.
		var inner string
		if json.Unmarshal(raw, &inner) == nil {
			_ = json.Unmarshal([]byte(inner), &fields)
		}
	}

	lookup := func(name string) json.RawMessage {
		for _, key := range fieldAliases[name] {
			if v, ok := fields[key]; ok && !isNull(v) {
				return v
			}
		}
		return nil
	}

	var missing []string
	str := func(name string) string {
		s := asText(lookup(name))
		if s == "" {
			missing = append(missing, name)
		}
		return s
	}
	list := func(name string) []string {
		l := asList(lookup(name))
		if len(l) == 0 {
			missing = append(missing, name)
		}
		return l
	}

	out := Outputs{
		SkillSheet:  str("skillsheet"),
		LOR:         str("lor"),
		WorkContent: list("work_content"),
		Skills:      list("skills"),
		Hope:        str("hope"),
	}
	return out, missing
}

func isNull(v json.RawMessage) bool {
	return len(v) == 0 || strings.TrimSpace(string(v)) == "null"
}

// asText returns strings as-is and re-encodes any other JSON value.
func asText(v json.RawMessage) string {
	if isNull(v) {
		return ""
	}
	var s string
	if json.Unmarshal(v, &s) == nil {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(string(v))
}

// asList accepts an array, a JSON-encoded array string, or a newline or
// comma separated string.
func asList(v json.RawMessage) []string {
	if isNull(v) {
		return nil
	}
	var arr []json.RawMessage
	if json.Unmarshal(v, &arr) == nil {
		return compact(arr)
	}
	var s string
	if json.Unmarshal(v, &s) != nil {
		return nil
	}
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "[") && json.Unmarshal([]byte(s), &arr) == nil {
		return compact(arr)
	}
	sep := "\n"
	if !strings.Contains(s, "\n") {
		sep = ","
	}
	var out []string
	for _, part := range strings.Split(s, sep) {
		part = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(part), "-•*"))
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func compact(arr []json.RawMessage) []string {
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		if s := asText(item); s != "" {
			out = append(out, s)
		}
	}
	return out
}
