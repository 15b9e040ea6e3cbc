package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rcliao/memtier/internal/model"
)

func TestQueryEpisodes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	hike := mustEpisode(t, s, EpisodeParams{
		Summary: "hiked the ridge", Topic: "Outdoors", Emotion: "joy",
		HappenedAt: now.AddDate(0, 0, -3), Importance: 6,
	})
	talk := mustEpisode(t, s, EpisodeParams{
		Summary: "hard talk", Topic: "family", Emotion: "sadness", EmotionalTags: []string{"joy"},
		HappenedAt: now.AddDate(0, 0, -1), Importance: 9,
	})
	old := mustEpisode(t, s, EpisodeParams{
		Summary: "old trip", Topic: "outdoors", HappenedAt: now.AddDate(0, 0, -200), Importance: 3,
	})
	if _, err := s.ArchiveEpisode(ctx, old.ID, now); err != nil {
		t.Fatalf("archive: %v", err)
	}

	t.Run("topic case-insensitive excludes archived", func(t *testing.T) {
		got, err := s.QueryEpisodes(ctx, EpisodeQuery{Topic: "outdoors"})
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 1 || got[0].ID != hike.ID {
			t.Fatalf("expected only the hike, got %d", len(got))
		}
	})

	t.Run("include archived", func(t *testing.T) {
		got, _ := s.QueryEpisodes(ctx, EpisodeQuery{Topic: "outdoors", IncludeArchived: true})
		if len(got) != 2 {
			t.Fatalf("expected 2 results, got %d", len(got))
		}
	})

	t.Run("emotion matches tags, importance first", func(t *testing.T) {
		got, _ := s.QueryEpisodes(ctx, EpisodeQuery{Emotion: "joy"})
		if len(got) != 2 {
			t.Fatalf("expected 2 results, got %d", len(got))
		}
		if got[0].ID != talk.ID || got[1].ID != hike.ID {
			t.Errorf("expected importance order talk, hike")
		}
	})

	t.Run("time range", func(t *testing.T) {
		got, _ := s.QueryEpisodes(ctx, EpisodeQuery{From: now.AddDate(0, 0, -2), To: now})
		if len(got) != 1 || got[0].ID != talk.ID {
			t.Fatalf("expected only the talk, got %d", len(got))
		}
	})

	t.Run("inverted range", func(t *testing.T) {
		_, err := s.QueryEpisodes(ctx, EpisodeQuery{From: now, To: now.AddDate(0, 0, -2)})
		if !errors.Is(err, ErrValidation) {
			t.Errorf("expected ErrValidation, got %v", err)
		}
	})
}

func TestKnowledgeByType(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	weak, _, _ := s.UpsertKnowledge(ctx, KnowledgeParams{
		EpisodeID: "e1", Type: model.KnowledgePreference, Key: "music", Value: []byte(`"jazz"`),
	}, now)
	for _, ep := range []string{"e1", "e2", "e3"} {
		s.UpsertKnowledge(ctx, KnowledgeParams{
			EpisodeID: ep, Type: model.KnowledgePreference, Key: "food", Value: []byte(`"ramen"`),
		}, now)
	}
	s.UpsertKnowledge(ctx, KnowledgeParams{
		EpisodeID: "e1", Type: model.KnowledgeFact, Key: "pet", Value: []byte(`"cat"`),
	}, now)

	got, err := s.KnowledgeByType(ctx, KnowledgeQuery{Type: model.KnowledgePreference})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Key != "food" {
		t.Fatalf("expected food then music, got %d", len(got))
	}

	got, _ = s.KnowledgeByType(ctx, KnowledgeQuery{Type: model.KnowledgePreference, MinConfidence: 0.65})
	if len(got) != 1 || got[0].Key != "food" {
		t.Errorf("expected only food above 0.65, got %d", len(got))
	}

	all, _ := s.KnowledgeByType(ctx, KnowledgeQuery{})
	if len(all) != 3 {
		t.Errorf("expected 3 across types, got %d", len(all))
	}

	repl, _, _ := s.UpsertKnowledge(ctx, KnowledgeParams{
		EpisodeID: "e4", Type: model.KnowledgePreference, Key: "music-2", Value: []byte(`"blues"`),
	}, now)
	s.Supersede(ctx, weak.ID, repl.ID, now)
	got, _ = s.KnowledgeByType(ctx, KnowledgeQuery{Type: model.KnowledgePreference})
	for _, k := range got {
		if k.ID == weak.ID {
			t.Error("expected superseded knowledge hidden")
		}
	}

	if _, err := s.KnowledgeByType(ctx, KnowledgeQuery{MinConfidence: 1.5}); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}

func TestFindContradictions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	a := upsert(t, s, "e1", "a")
	b := upsert(t, s, "e2", "b")
	c := upsert(t, s, "e3", "c")
	upsert(t, s, "e4", "calm")

	s.MarkContradiction(ctx, a.ID, b.ID, now)
	s.MarkContradiction(ctx, a.ID, c.ID, now)

	got, err := s.FindContradictions(ctx, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 contradicted items, got %d", len(got))
	}
	if got[0].ID != a.ID {
		t.Errorf("expected most contradicted first, got %s", got[0].Key)
	}

	got, _ = s.FindContradictions(ctx, model.KnowledgeSkill, 0)
	if len(got) != 0 {
		t.Errorf("expected none for skill, got %d", len(got))
	}
}
