// Package analysis turns a finished transcript into tasks, materials and an
// offer using a text-generation worker, and hands the validated result to the
// persistence layer in one atomic call.
package analysis

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/sitevoice/internal/failure"
	"github.com/snarg/sitevoice/internal/llm"
	"github.com/snarg/sitevoice/internal/retry"
)

const stageName = "analysis"

// Completer is the text-generation worker.
type Completer interface {
	Complete(ctx context.Context, messages []llm.Message) (string, error)
}

// Saved identifies the rows written for one analysis run.
type Saved struct {
	RunID       string   `json:"run_id"`
	TaskIDs     []string `json:"task_ids"`
	MaterialIDs []string `json:"material_ids"`
	OfferID     string   `json:"offer_id"`
}

// ResultStore persists one analysis run. Implementations must write
// everything or nothing.
type ResultStore interface {
	ProcessRecordingResults(ctx context.Context, recordingID, projectID string, res *Result) (*Saved, error)
}

// Source is the part of a recording the stage reads.
type Source struct {
	RecordingID string
	ProjectID   string
	Completed   bool
	Transcript  string
}

// Outcome is a persisted analysis run.
type Outcome struct {
	RecordingID string  `json:"recording_id"`
	ProjectID   string  `json:"project_id"`
	Result      *Result `json:"result"`
	Saved       *Saved  `json:"saved"`
}

// Options configures a Stage.
type Options struct {
	Retry   bool
	Policy  retry.Policy
	OnRetry func(attempt int, delay time.Duration, err error)
}

// Stage runs the analysis of completed recordings.
type Stage struct {
	llm   Completer
	store ResultStore
	opts  Options
	log   zerolog.Logger
}

// NewStage creates an analysis stage.
func NewStage(c Completer, store ResultStore, opts Options, log zerolog.Logger) *Stage {
	return &Stage{
		llm:   c,
		store: store,
		opts:  opts,
		log:   log.With().Str("component", "analysis").Logger(),
	}
}

// Analyze runs one analysis of src. Calling it again for the same recording
// appends another run.
//
// The store is called exactly once, and only after the worker output parsed
// and validated. Every earlier failure returns without touching persistence.
func (s *Stage) Analyze(ctx context.Context, src Source) (*Outcome, error) {
	if !src.Completed {
		return nil, &failure.PreconditionError{Stage: stageName, Reason: "recording has not finished transcription"}
	}
	if strings.TrimSpace(src.Transcript) == "" {
		return nil, &failure.PreconditionError{Stage: stageName, Reason: "transcript is empty"}
	}

	log := s.log.With().Str("recording_id", src.RecordingID).Str("project_id", src.ProjectID).Logger()
	msgs := Messages(src.Transcript)

	var (
		content string
		err     error
	)
	if s.opts.Retry {
		content, err = retry.Do(ctx, s.opts.Policy, func(ctx context.Context) (string, error) {
			return s.llm.Complete(ctx, msgs)
		}, retry.OnRetry(func(attempt int, delay time.Duration, err error) {
			log.Warn().Err(err).Int("attempt", attempt).Dur("backoff", delay).Msg("llm call failed, retrying")
			if s.opts.OnRetry != nil {
				s.opts.OnRetry(attempt, delay, err)
			}
		}))
	} else {
		content, err = s.llm.Complete(ctx, msgs)
	}
	if err != nil {
		log.Error().Err(err).Str("kind", failure.Kind(err)).Msg("llm call failed")
		return nil, err
	}

	res, err := ParseResult(content)
	if err != nil {
		log.Warn().Err(err).Int("content_len", len(content)).Msg("model output rejected")
		return nil, err
	}

	saved, err := s.store.ProcessRecordingResults(ctx, src.RecordingID, src.ProjectID, res)
	if err != nil {
		if failure.Kind(err) == failure.KindInternal {
			err = &failure.PersistenceError{Op: "process recording results", Err: err}
		}
		log.Error().Err(err).Msg("persisting analysis failed")
		return nil, err
	}

	log.Info().
		Str("run_id", saved.RunID).
		Int("tasks", len(res.Tasks)).
		Int("materials", len(res.Materials)).
		Float64("total_price", res.Offer.TotalPrice).
		Msg("analysis stored")

	return &Outcome{
		RecordingID: src.RecordingID,
		ProjectID:   src.ProjectID,
		Result:      res,
		Saved:       saved,
	}, nil
}
