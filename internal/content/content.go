// Package content produces drafts for queue items and resolves the final
// message body at dispatch time.
package content

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"PulseCampaign/internal/models"
	"PulseCampaign/internal/render"
	"PulseCampaign/internal/storage"
)

// Draft is what the reviewer approves or rejects.
type Draft struct {
	Subject     string             `json:"subject"`
	Body        string             `json:"body"`
	Source      models.ContentType `json:"source"`
	GeneratedAt time.Time          `json:"generated_at"`
}

type Generator interface {
	Generate(ctx context.Context, item *models.QueueItem) (*Draft, error)
}

// DraftKey is the blob key a draft for item is stored under.
func DraftKey(item *models.QueueItem) string {
	return fmt.Sprintf("drafts/%s/%s.json", item.Pipeline, item.ID)
}

func SaveDraft(ctx context.Context, blobs storage.BlobStore, key string, d *Draft) error {
	b, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return blobs.Put(ctx, key, b, "application/json")
}

func LoadDraft(ctx context.Context, blobs storage.BlobStore, key string) (*Draft, error) {
	b, err := blobs.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	var d Draft
	if err := json.Unmarshal(b, &d); err != nil {
		return nil, fmt.Errorf("decode draft %s: %w", key, err)
	}
	return &d, nil
}

// TemplateGenerator drafts predefined content by rendering the item's
// template, so the reviewer sees exactly what will go out.
type TemplateGenerator struct {
	Renderer render.Renderer
}

func (g *TemplateGenerator) Generate(ctx context.Context, item *models.QueueItem) (*Draft, error) {
	out, err := g.Renderer.Render(ctx, item.TemplateCode, item.Variables)
	if err != nil {
		return nil, err
	}

	subject := out.Subject
	if subject == "" {
		subject = item.Subject
	}

	return &Draft{
		Subject:     subject,
		Body:        out.HTML,
		Source:      models.ContentPredefined,
		GeneratedAt: time.Now().UTC(),
	}, nil
}

// Router picks a generator by content type.
type Router struct {
	Predefined Generator
	Generated  Generator
}

func (r *Router) Generate(ctx context.Context, item *models.QueueItem) (*Draft, error) {
	switch item.ContentType {
	case models.ContentAIGenerated:
		if r.Generated == nil {
			return nil, fmt.Errorf("no generator configured for %s content", item.ContentType)
		}
		return r.Generated.Generate(ctx, item)
	default:
		return r.Predefined.Generate(ctx, item)
	}
}
