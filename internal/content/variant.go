package content

import (
	"context"
	"fmt"

	"PulseCampaign/internal/models"
	"PulseCampaign/internal/render"
	"PulseCampaign/internal/storage"
)

// Content is the sendable form of a queue item. The variant is chosen from
// the item's content type when it is dispatched.
type Content interface {
	Type() models.ContentType
	Resolve(ctx context.Context) (render.Rendered, error)
}

// PredefinedContent renders the template with the item's variables.
type PredefinedContent struct {
	Renderer     render.Renderer
	TemplateCode string
	Variables    map[string]string
}

func (c PredefinedContent) Type() models.ContentType { return models.ContentPredefined }

func (c PredefinedContent) Resolve(ctx context.Context) (render.Rendered, error) {
	return c.Renderer.Render(ctx, c.TemplateCode, c.Variables)
}

// GeneratedContent loads the approved draft and applies the item's variables.
type GeneratedContent struct {
	Blobs     storage.BlobStore
	Ref       string
	Variables map[string]string
}

func (c GeneratedContent) Type() models.ContentType { return models.ContentAIGenerated }

func (c GeneratedContent) Resolve(ctx context.Context) (render.Rendered, error) {
	if c.Ref == "" {
		return render.Rendered{}, fmt.Errorf("generated content has no draft reference")
	}

	d, err := LoadDraft(ctx, c.Blobs, c.Ref)
	if err != nil {
		return render.Rendered{}, err
	}

	return d.Render(c.Ref, c.Variables)
}

// Render applies vars to the draft's subject and body.
func (d *Draft) Render(name string, vars map[string]string) (render.Rendered, error) {
	src := `{{define "subject"}}` + d.Subject + `{{end}}` + d.Body
	return render.RenderString(name, src, vars)
}

// Resolver builds the Content variant for queue items.
type Resolver struct {
	Renderer render.Renderer
	Blobs    storage.BlobStore
}

func (r *Resolver) ForItem(item *models.QueueItem) Content {
	if item.ContentType == models.ContentAIGenerated {
		return GeneratedContent{Blobs: r.Blobs, Ref: item.ContentRef, Variables: item.Variables}
	}
	return PredefinedContent{Renderer: r.Renderer, TemplateCode: item.TemplateCode, Variables: item.Variables}
}
