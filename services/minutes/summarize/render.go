package summarize

import (
	"fmt"
	"strings"

	"github.com/xilidan/minutes/services/minutes/entity"
)

// RenderLine formats one segment as "[mm:ss] Speaker: text". Recordings
// longer than an hour get an "[h:mm:ss]" stamp.
func RenderLine(seg entity.Segment) string {
	sec := seg.StartMs / 1000
	var stamp string
	if sec >= 3600 {
		stamp = fmt.Sprintf("[%d:%02d:%02d]", sec/3600, sec%3600/60, sec%60)
	} else {
		stamp = fmt.Sprintf("[%02d:%02d]", sec/60, sec%60)
	}
	text := strings.TrimSpace(seg.Text)
	if seg.SpeakerLabel != "" {
		return fmt.Sprintf("%s %s: %s", stamp, seg.SpeakerLabel, text)
	}
	return stamp + " " + text
}

// pack groups items, in order, into batches whose joined length stays within
// limit. An item longer than limit gets a batch of its own.
func pack(items []string, sep string, limit int) [][]string {
	var batches [][]string
	var cur []string
	size := 0
	for _, item := range items {
		add := len(item)
		if len(cur) > 0 {
			add += len(sep)
		}
		if len(cur) > 0 && size+add > limit {
			batches = append(batches, cur)
			cur, size = nil, 0
			add = len(item)
		}
		cur = append(cur, item)
		size += add
	}
	if len(cur) > 0 {
		batches = append(batches, cur)
	}
	return batches
}
