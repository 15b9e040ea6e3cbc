package store

import (
	"context"
	"os"
	"time"
)

// Stats holds per-tier record counts.
type Stats struct {
	DBPath      string         `json:"db_path,omitempty"`
	DBSizeBytes int64          `json:"db_size_bytes,omitempty"`
	Working     WorkingStats   `json:"working"`
	Episodic    EpisodicStats  `json:"episodic"`
	Semantic    SemanticStats  `json:"semantic"`
	Sessions    []SessionStats `json:"sessions"`
}

// WorkingStats counts tier 1 entries.
type WorkingStats struct {
	Total   int `json:"total"`
	Expired int `json:"expired"` // awaiting the expiry sweep
}

// EpisodicStats counts tier 2 records.
type EpisodicStats struct {
	Total    int `json:"total"`
	Archived int `json:"archived"`
}

// SemanticStats counts tier 3 records.
type SemanticStats struct {
	Total              int `json:"total"`
	Active             int `json:"active"`
	NeedsVerification  int `json:"needs_verification"`
	WithContradictions int `json:"with_contradictions"`
}

// SessionStats holds per-session live working entry counts.
type SessionStats struct {
	SessionID string `json:"session_id"`
	Count     int    `json:"count"`
}

// Stats returns database statistics.
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{DBPath: s.dbPath}

	if info, err := os.Stat(s.dbPath); err == nil {
		st.DBSizeBytes = info.Size()
	}

	now := formatTime(time.Now())
	counts := []struct {
		dst   *int
		query string
		args  []interface{}
	}{
		{&st.Working.Total, `SELECT COUNT(*) FROM working_entries`, nil},
		{&st.Working.Expired, `SELECT COUNT(*) FROM working_entries WHERE expires_at < ?`, []interface{}{now}},
		{&st.Episodic.Total, `SELECT COUNT(*) FROM episodic_memories`, nil},
		{&st.Episodic.Archived, `SELECT COUNT(*) FROM episodic_memories WHERE archived = 1`, nil},
		{&st.Semantic.Total, `SELECT COUNT(*) FROM semantic_memories`, nil},
		{&st.Semantic.Active, `SELECT COUNT(*) FROM semantic_memories WHERE is_active = 1`, nil},
		{&st.Semantic.NeedsVerification, `SELECT COUNT(*) FROM semantic_memories WHERE is_active = 1 AND needs_verification = 1`, nil},
		{&st.Semantic.WithContradictions, `SELECT COUNT(*) FROM semantic_memories WHERE is_active = 1 AND json_array_length(contradicts_knowledge) > 0`, nil},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query, c.args...).Scan(c.dst); err != nil {
			return st, err
		}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, COUNT(*) AS cnt
		FROM working_entries WHERE expires_at > ?
		GROUP BY session_id ORDER BY cnt DESC, session_id`, now)
	if err != nil {
		return st, err
	}
	defer rows.Close()

	for rows.Next() {
		var ss SessionStats
		if err := rows.Scan(&ss.SessionID, &ss.Count); err != nil {
			return st, err
		}
		st.Sessions = append(st.Sessions, ss)
	}

	return st, rows.Err()
}
