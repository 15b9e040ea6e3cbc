package similarity

import (
	"strings"

	"github.com/rcliao/memtier/internal/model"
	"github.com/rcliao/memtier/internal/store"
)

// DefaultMaxLen is the default segment length in bytes.
const DefaultMaxLen = 600

// Segment is one indexable piece of a record payload. Part numbers start at 0.
type Segment struct {
	Tier model.Tier `json:"tier"`
	ID   string     `json:"id"`
	Part int        `json:"part"`
	Text string     `json:"text"`
}

// Segments splits each payload into segments of at most maxLen bytes,
// breaking on blank lines first and on line boundaries when a paragraph
// is still too long. A single line longer than maxLen is kept whole.
func Segments(payloads []store.Payload, maxLen int) []Segment {
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}
	var out []Segment
	for _, p := range payloads {
		for i, text := range split(p.Text, maxLen) {
			out = append(out, Segment{Tier: p.Tier, ID: p.ID, Part: i, Text: text})
		}
	}
	return out
}

func split(text string, maxLen int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= maxLen {
		return []string{text}
	}

	var out []string
	var accum string
	flush := func() {
		if accum == "" {
			return
		}
		if len(accum) > maxLen {
			out = append(out, splitLines(accum, maxLen)...)
		} else {
			out = append(out, accum)
		}
		accum = ""
	}

	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if accum == "" {
			accum = para
			continue
		}
		if len(accum)+2+len(para) <= maxLen {
			accum += "\n\n" + para
			continue
		}
		flush()
		accum = para
	}
	flush()
	return out
}

func splitLines(text string, maxLen int) []string {
	var out []string
	var current []string
	curLen := 0
	for _, line := range strings.Split(text, "\n") {
		if curLen+len(line) > maxLen && len(current) > 0 {
			if t := strings.TrimSpace(strings.Join(current, "\n")); t != "" {
				out = append(out, t)
			}
			current, curLen = nil, 0
		}
		current = append(current, line)
		curLen += len(line) + 1
	}
	if t := strings.TrimSpace(strings.Join(current, "\n")); t != "" {
		out = append(out, t)
	}
	return out
}
