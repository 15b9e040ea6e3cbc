package model

import (
	"encoding/json"
	"math"
	"time"
)

// KnowledgeType classifies a semantic memory.
type KnowledgeType string

const (
	KnowledgeFact         KnowledgeType = "fact"
	KnowledgeConcept      KnowledgeType = "concept"
	KnowledgePattern      KnowledgeType = "pattern"
	KnowledgePreference   KnowledgeType = "preference"
	KnowledgeSkill        KnowledgeType = "skill"
	KnowledgeRelationship KnowledgeType = "relationship"
	KnowledgeInsight      KnowledgeType = "insight"
	KnowledgeRule         KnowledgeType = "rule"
)

// ValidKnowledgeTypes are the allowed knowledge types.
var ValidKnowledgeTypes = map[KnowledgeType]bool{
	KnowledgeFact:         true,
	KnowledgeConcept:      true,
	KnowledgePattern:      true,
	KnowledgePreference:   true,
	KnowledgeSkill:        true,
	KnowledgeRelationship: true,
	KnowledgeInsight:      true,
	KnowledgeRule:         true,
}

const (
	// InitialConfidence is assigned on the first observation of a knowledge key.
	InitialConfidence = 0.6
	// MaxConfidence caps confidence growth.
	MaxConfidence = 0.95
	// ConfidenceStep is the fraction of the remaining gap closed per new piece of evidence.
	ConfidenceStep = 0.1
)

// Knowledge is a tier 3 record: permanent, confidence-weighted knowledge.
// Superseded or resolved knowledge is deactivated, never deleted.
type Knowledge struct {
	ID                   string          `json:"id"`
	Type                 KnowledgeType   `json:"knowledge_type"`
	Key                  string          `json:"knowledge_key"`
	Value                json.RawMessage `json:"value"`
	Description          string          `json:"description,omitempty"`
	Examples             []string        `json:"examples,omitempty"`
	Confidence           float64         `json:"confidence"`
	EvidenceCount        int             `json:"evidence_count"`
	SourceEpisodes       []string        `json:"source_episodes"`
	RelatedKnowledge     []string        `json:"related_knowledge,omitempty"`
	ContradictsKnowledge []string        `json:"contradicts_knowledge,omitempty"`
	SupersededBy         string          `json:"superseded_by,omitempty"`
	Importance           int             `json:"importance"`
	AccessCount          int             `json:"access_count"`
	LastAccessedAt       *time.Time      `json:"last_accessed_at,omitempty"`
	IsActive             bool            `json:"is_active"`
	NeedsVerification    bool            `json:"needs_verification"`
	FirstLearnedAt       time.Time       `json:"first_learned_at"`
	LastUpdatedAt        time.Time       `json:"last_updated_at"`
	LastVerifiedAt       *time.Time      `json:"last_verified_at,omitempty"`
	Version              int             `json:"version"`
}

// NextConfidence applies one piece of new evidence to c with diminishing
// returns: min(0.95, c + 0.1*(1-c)).
func NextConfidence(c float64) float64 {
	return math.Min(MaxConfidence, c+ConfidenceStep*(1-c))
}

// CheckInvariants reports the first violated record invariant, if any.
func (k *Knowledge) CheckInvariants() string {
	switch {
	case k.EvidenceCount != len(k.SourceEpisodes):
		return "evidence_count does not match source_episodes"
	case k.SupersededBy != "" && k.IsActive:
		return "superseded knowledge is still active"
	case k.Confidence < 0 || k.Confidence > 1:
		return "confidence out of range"
	}
	return ""
}
