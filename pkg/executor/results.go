package executor

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/loomery/loom/pkg/bus"
	"github.com/loomery/loom/pkg/models"
)

// ResultPublisher emits job results on the results exchange and the
// memory feedback event on the memory exchange. Publishing is best
// effort; a lost chunk degrades the stream, it does not fail the job.
type ResultPublisher struct {
	publisher bus.Publisher
}

func NewResultPublisher(publisher bus.Publisher) *ResultPublisher {
	return &ResultPublisher{publisher: publisher}
}

// Chunk publishes one streaming token delta.
func (p *ResultPublisher) Chunk(ctx context.Context, jobID uuid.UUID, content string) {
	key := models.KeyResultStreamingPrefix + "." + jobID.String()
	if err := p.publisher.Publish(ctx, models.ExchangeResults, key, models.NewChunkResult(jobID, content)); err != nil {
		slog.Error("Failed to publish streaming chunk", "job_id", jobID, "error", err)
	}
}

// Final publishes the terminal success message.
func (p *ResultPublisher) Final(ctx context.Context, jobID uuid.UUID, content string) {
	if err := p.publisher.Publish(ctx, models.ExchangeResults, models.KeyResultFinal, models.NewFinalResult(jobID, content)); err != nil {
		slog.Error("Failed to publish final result", "job_id", jobID, "error", err)
	}
}

// Error publishes the terminal failure message.
func (p *ResultPublisher) Error(ctx context.Context, jobID uuid.UUID, message string) {
	if err := p.publisher.Publish(ctx, models.ExchangeResults, models.KeyResultError, models.NewErrorResult(jobID, message)); err != nil {
		slog.Error("Failed to publish error result", "job_id", jobID, "error", err)
	}
}

// MemoryUpdate sends the completed turn back to the memory service:
// the user message reconstructed from the query and the assistant's
// final answer. Jobs without a memory bucket skip this entirely.
func (p *ResultPublisher) MemoryUpdate(ctx context.Context, job *models.JobPayload, finalResult string, fileContents []*models.FileContentResponse) {
	mem := job.Resources.MemoryContext
	if mem == nil || mem.BucketID == uuid.Nil {
		return
	}

	event := models.MemoryContextUpdateEvent{
		IdempotencyKey: job.JobID.String(),
		MemoryBucketID: mem.BucketID,
		MessagesToAdd: []models.MessageToAdd{
			{Role: models.RoleUser, Content: userMessageParts(job, fileContents)},
			{Role: models.RoleAssistant, Content: []models.ContentPart{{Type: models.ContentTypeText, Text: finalResult}}},
		},
	}
	if err := p.publisher.Publish(ctx, models.ExchangeMemory, models.KeyMemoryContextUpdate, event); err != nil {
		slog.Error("Failed to publish memory update", "job_id", job.JobID, "bucket_id", mem.BucketID, "error", err)
		return
	}
	slog.Info("Memory update published", "job_id", job.JobID, "bucket_id", mem.BucketID)
}

// userMessageParts rebuilds the user's turn for memory. With input
// persistence off, file and image inputs are stored as references; with
// it on, resolved text content is inlined so future turns carry it.
func userMessageParts(job *models.JobPayload, fileContents []*models.FileContentResponse) []models.ContentPart {
	var parts []models.ContentPart
	if job.Query.Prompt != "" {
		parts = append(parts, models.ContentPart{Type: models.ContentTypeText, Text: job.Query.Prompt})
	}

	persist := job.Output.PersistInputsInMemory
	byID := make(map[uuid.UUID]*models.FileContentResponse, len(fileContents))
	for _, fc := range fileContents {
		byID[fc.FileID] = fc
	}

	for _, in := range job.Query.Inputs {
		switch in.Type {
		case models.InputTypeFileID:
			if persist {
				if fc := byID[in.ID]; fc != nil {
					parts = append(parts, persistedFilePart(in, fc))
					continue
				}
			}
			parts = append(parts, models.ContentPart{Type: models.ContentTypeFileRef, FileID: in.ID})

		case models.InputTypeImageURL:
			parts = append(parts, models.ContentPart{Type: models.ContentTypeImageRef, URL: in.URL})
		}
	}
	return parts
}

func persistedFilePart(in models.InferInput, fc *models.FileContentResponse) models.ContentPart {
	switch fc.Type {
	case models.FileContentText:
		return models.ContentPart{Type: models.ContentTypeText, Text: fc.Content}
	case models.FileContentImageURL:
		return models.ContentPart{Type: models.ContentTypeImageRef, URL: fc.URL}
	default:
		return models.ContentPart{Type: models.ContentTypeFileRef, FileID: in.ID}
	}
}
