package executors

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/meetmemo/pipeline/internal/artifacts"
	"github.com/meetmemo/pipeline/internal/db/models"
	"github.com/meetmemo/pipeline/internal/pipeline"
)

// PersistenceOutput is the persisted result of the persistence stage
type PersistenceOutput struct {
	artifacts.Location
	PersistedAt time.Time `json:"persisted_at"`
}

// Persistence writes the durable artifact of a job
type Persistence struct {
	store artifacts.Store
	now   func() time.Time
}

var _ pipeline.Executor = &Persistence{}

// NewPersistence creates the persistence executor
func NewPersistence(store artifacts.Store) *Persistence {
	return &Persistence{store: store, now: time.Now}
}

// Stage implements pipeline.Executor
func (p *Persistence) Stage() models.Stage {
	return models.StagePersistence
}

// Run implements pipeline.Executor
func (p *Persistence) Run(ctx context.Context, in pipeline.StageInput, report pipeline.ProgressFunc) (json.RawMessage, error) {
	transcription, ok := in.Previous.Get(models.StageTranscription)
	if !ok {
		return nil, pipeline.Permanent(fmt.Errorf("missing %s result", models.StageTranscription))
	}
	summary, err := previousOutput[SummaryOutput](in.Previous, models.StageSummarization)
	if err != nil {
		return nil, err
	}
	raw, _ := in.Previous.Get(models.StageSummarization)

	report(50, "saving results")
	now := p.now().UTC()
	loc, err := p.store.Save(ctx, &artifacts.Record{
		JobID:         in.JobID,
		Input:         in.Input,
		Transcription: transcription.Output,
		Summary:       raw.Output,
		CreatedAt:     in.CreatedAt,
		PersistedAt:   now,
	}, &artifacts.Document{Title: summary.Title, Markdown: summary.SummaryText})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, pipeline.Transient(err)
	}

	return json.Marshal(PersistenceOutput{Location: *loc, PersistedAt: now})
}
