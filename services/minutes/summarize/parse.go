package summarize

import (
	"encoding/json"
	"strings"

	"github.com/xilidan/minutes/services/minutes/entity"
)

// ParseMinutes reads the minutes out of free-form model output. The JSON
// object may be wrapped in prose or code fences. Malformed action items or
// decisions become empty lists. Output without any JSON object becomes the
// summary, and so does the prose around an object whose summary is empty.
func ParseMinutes(output string) entity.Minutes {
	m := entity.Minutes{
		ActionItems: []entity.ActionItem{},
		Decisions:   []entity.Decision{},
	}

	fields, start, end, ok := extractObject(output)
	if !ok {
		m.Summary = strings.TrimSpace(output)
		return m
	}

	m.Summary = strings.TrimSpace(stringField(fields, "summary"))
	if m.Summary == "" {
		m.Summary = surroundingProse(output[:start] + "\n" + output[end+1:])
	}
	m.ActionItems = parseActionItems(firstField(fields, "action_items", "actionItems"))
	m.Decisions = parseDecisions(fields["decisions"])
	return m
}

func extractObject(output string) (map[string]json.RawMessage, int, int, bool) {
	start := strings.IndexByte(output, '{')
	end := strings.LastIndexByte(output, '}')
	if start < 0 || end <= start {
		return nil, 0, 0, false
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(output[start:end+1]), &fields); err != nil {
		return nil, 0, 0, false
	}
	return fields, start, end, true
}

// surroundingProse is the text left once the JSON object and its code
// fences are removed.
func surroundingProse(text string) string {
	var kept []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "```") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, " ")
}

func firstField(fields map[string]json.RawMessage, keys ...string) json.RawMessage {
	for _, k := range keys {
		if v, ok := fields[k]; ok {
			return v
		}
	}
	return nil
}

func stringField(fields map[string]json.RawMessage, keys ...string) string {
	raw := firstField(fields, keys...)
	if raw == nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

func parseActionItems(raw json.RawMessage) []entity.ActionItem {
	items := []entity.ActionItem{}
	var elems []json.RawMessage
	if raw == nil || json.Unmarshal(raw, &elems) != nil {
		return items
	}

	for _, e := range elems {
		var text string
		if json.Unmarshal(e, &text) == nil {
			if text = strings.TrimSpace(text); text != "" {
				items = append(items, entity.ActionItem{Text: text})
			}
			continue
		}

		var obj map[string]json.RawMessage
		if json.Unmarshal(e, &obj) != nil {
			continue
		}
		item := entity.ActionItem{
			Owner:   strings.TrimSpace(stringField(obj, "owner", "assignee")),
			Text:    strings.TrimSpace(stringField(obj, "text", "task", "description")),
			DueDate: strings.TrimSpace(stringField(obj, "due_date", "dueDate", "due")),
		}
		if item.Text != "" {
			items = append(items, item)
		}
	}
	return items
}

func parseDecisions(raw json.RawMessage) []entity.Decision {
	decisions := []entity.Decision{}
	var elems []json.RawMessage
	if raw == nil || json.Unmarshal(raw, &elems) != nil {
		return decisions
	}

	for _, e := range elems {
		var text string
		if json.Unmarshal(e, &text) != nil {
			var obj map[string]json.RawMessage
			if json.Unmarshal(e, &obj) != nil {
				continue
			}
			text = stringField(obj, "text", "decision")
		}
		if text = strings.TrimSpace(text); text != "" {
			decisions = append(decisions, entity.Decision{Text: text})
		}
	}
	return decisions
}
