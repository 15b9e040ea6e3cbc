package similarity

import (
	"strings"
	"testing"

	"github.com/rcliao/memtier/internal/model"
	"github.com/rcliao/memtier/internal/store"
)

func payload(text string) store.Payload {
	return store.Payload{Tier: model.TierEpisodic, ID: "e1", Text: text}
}

func TestSegments_Empty(t *testing.T) {
	if got := Segments([]store.Payload{payload("   ")}, 0); got != nil {
		t.Errorf("expected nil, got %v", got)
	}
}

func TestSegments_Short(t *testing.T) {
	got := Segments([]store.Payload{payload("a short episode")}, 0)
	if len(got) != 1 {
		t.Fatalf("expected 1 segment, got %d", len(got))
	}
	if got[0].Text != "a short episode" || got[0].Part != 0 || got[0].ID != "e1" {
		t.Errorf("unexpected segment %+v", got[0])
	}
}

func TestSegments_SplitsParagraphs(t *testing.T) {
	para := strings.Repeat("word ", 30) // 150 bytes
	text := strings.Join([]string{para, para, para, para}, "\n\n")

	got := Segments([]store.Payload{payload(text)}, 320)
	if len(got) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(got))
	}
	for i, s := range got {
		if s.Part != i {
			t.Errorf("expected part %d, got %d", i, s.Part)
		}
		if len(s.Text) > 320 {
			t.Errorf("segment %d too long: %d", i, len(s.Text))
		}
	}
}

func TestSegments_SplitsLongParagraphOnLines(t *testing.T) {
	var lines []string
	for i := 0; i < 20; i++ {
		lines = append(lines, "This is a line of text that is about fifty bytes.")
	}
	got := Segments([]store.Payload{payload(strings.Join(lines, "\n"))}, 200)
	if len(got) < 4 {
		t.Fatalf("expected at least 4 segments, got %d", len(got))
	}
	for _, s := range got {
		if len(s.Text) > 200 {
			t.Errorf("segment too long: %d", len(s.Text))
		}
	}
}

func TestSegments_KeepsPayloadIdentity(t *testing.T) {
	got := Segments([]store.Payload{
		{Tier: model.TierWorking, ID: "w1", Text: "one"},
		{Tier: model.TierSemantic, ID: "k1", Text: "two"},
	}, 0)
	if len(got) != 2 || got[0].Tier != model.TierWorking || got[1].ID != "k1" {
		t.Errorf("unexpected segments %+v", got)
	}
}
