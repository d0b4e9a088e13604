package episode

import (
	"fmt"
	"time"
)

// MaxLinksPerEpisode bounds how many link rows a single episode may own,
// enforced at create/update time (spec: linkedEpisodes.length <= 100).
const MaxLinksPerEpisode = 100

// MaxMetadataBytes bounds the serialised size of an episode's metadata.
const MaxMetadataBytes = 100 * 1024

// validOutcomes enumerates metadata.outcome's allowed values.
var validOutcomes = map[string]bool{"success": true, "failure": true, "partial": true}

// Episode is one row of the relational episode table plus its current
// embedding and link set.
type Episode struct {
	ID        string
	TaskID    string
	StartTime time.Time
	EndTime   *time.Time // nil means ongoing
	Metadata  map[string]any
	Embedding []float32
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Link is one row of the episode_links junction table.
type Link struct {
	SourceID  string
	TargetID  string
	LinkType  string
	CreatedAt time.Time
}

// CreateOptions describes a new episode to persist.
type CreateOptions struct {
	TaskID    string
	StartTime time.Time
	EndTime   *time.Time
	Metadata  map[string]any
	Embedding []float32
	Links     []Link // additional link rows to create in the same transaction
}

// UpdateOptions describes a partial update; nil fields are left unchanged.
type UpdateOptions struct {
	EndTime   *time.Time // setting this may flip an ongoing episode closed
	Metadata  map[string]any
	Embedding []float32
	Links     []Link // replaces the episode's full outgoing link set
}

// TimeRangeQuery configures queryByTimeRange.
type TimeRangeQuery struct {
	Start          time.Time
	End            time.Time
	IncludeOngoing bool
	Limit          int
}

// SimilarityQuery configures searchBySimilarity.
type SimilarityQuery struct {
	Embedding      []float32
	K              int
	MinSimilarity  float64
	TaskIDs        []string
}

// ValidationError reports a violated episode invariant (metadata, time
// range, or link-count rule), corresponding to spec kind EpisodeValidation.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return fmt.Sprintf("episode: validation failed: %s", e.Reason) }

// StorageError wraps a relational or vector write failure, corresponding to
// spec kind EpisodeStorage. Retried via vector.WithRetry before surfacing.
type StorageError struct {
	Message string
	Cause   error
}

func (e *StorageError) Error() string { return fmt.Sprintf("episode: storage: %s: %v", e.Message, e.Cause) }
func (e *StorageError) Unwrap() error { return e.Cause }

// ErrNotFound is returned when an episode id does not exist.
var ErrNotFound = fmt.Errorf("episode: not found")

// validateMetadata enforces spec §3's episode metadata schema: agentType
// and taskDescription are required strings; outcome and tags are optional
// but, if present, must match their expected shape. Size is checked
// separately once the caller has the serialised bytes in hand.
func validateMetadata(meta map[string]any) error {
	agentType, ok := meta["agentType"].(string)
	if !ok || agentType == "" {
		return &ValidationError{Reason: "metadata.agentType is required and must be a non-empty string"}
	}
	taskDescription, ok := meta["taskDescription"].(string)
	if !ok || taskDescription == "" {
		return &ValidationError{Reason: "metadata.taskDescription is required and must be a non-empty string"}
	}

	if outcome, present := meta["outcome"]; present {
		s, ok := outcome.(string)
		if !ok || !validOutcomes[s] {
			return &ValidationError{Reason: fmt.Sprintf("metadata.outcome must be one of success, failure, partial, got %v", outcome)}
		}
	}

	if tags, present := meta["tags"]; present && !isStringSlice(tags) {
		return &ValidationError{Reason: "metadata.tags must be a []string"}
	}

	return nil
}

// isStringSlice reports whether v is a []string, or a []any whose elements
// are all strings (the shape map[string]any values take when decoded from
// JSON rather than constructed directly in Go).
func isStringSlice(v any) bool {
	switch vv := v.(type) {
	case []string:
		return true
	case []any:
		for _, e := range vv {
			if _, ok := e.(string); !ok {
				return false
			}
		}
		return true
	default:
		return false
	}
}
