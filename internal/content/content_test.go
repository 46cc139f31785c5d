package content

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"PulseCampaign/internal/models"
	"PulseCampaign/internal/render"
	"PulseCampaign/internal/storage"
)

func newItem(ct models.ContentType) *models.QueueItem {
	return &models.QueueItem{
		ID:           "q1",
		Pipeline:     "welcome",
		TemplateCode: "welcome",
		ContentType:  ct,
		Variables:    map[string]string{"first_name": "Ada"},
	}
}

func TestAIGenerator(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer key" {
			t.Errorf("missing bearer token")
		}

		var req chatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if len(req.Messages) != 2 || !strings.Contains(req.Messages[1].Content, "first_name: Ada") {
			t.Errorf("prompt missing variables: %+v", req.Messages)
		}

		w.Write([]byte(`{"choices":[{"message":{"content":"Subject: Hi {{.first_name}}\n\n<p>Welcome {{.first_name}}</p>"}}]}`))
	}))
	defer srv.Close()

	gen := NewAIGenerator(srv.URL, "key", "test-model")
	d, err := gen.Generate(context.Background(), newItem(models.ContentAIGenerated))
	if err != nil {
		t.Fatal(err)
	}
	if d.Subject != "Hi {{.first_name}}" || d.Body != "<p>Welcome {{.first_name}}</p>" {
		t.Fatalf("unexpected draft: %+v", d)
	}
	if d.Source != models.ContentAIGenerated {
		t.Fatalf("source = %s", d.Source)
	}
}

func TestAIGeneratorAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	gen := NewAIGenerator(srv.URL, "key", "test-model")
	if _, err := gen.Generate(context.Background(), newItem(models.ContentAIGenerated)); err == nil {
		t.Fatal("expected error")
	}

	if _, err := NewAIGenerator("", "", "").Generate(context.Background(), newItem(models.ContentAIGenerated)); err == nil {
		t.Fatal("expected unconfigured error")
	}
}

func TestAIGeneratorRejectsUnrenderableDraft(t *testing.T) {
	replies := map[string]string{
		"unknown variable": `{"choices":[{"message":{"content":"Subject: Hi\n\n<p>Your code is {{.promo_code}}</p>"}}]}`,
		"broken action":    `{"choices":[{"message":{"content":"Subject: Hi\n\n<p>Welcome {{.first_name</p>"}}]}`,
	}

	for name, reply := range replies {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(reply))
			}))
			defer srv.Close()

			gen := NewAIGenerator(srv.URL, "key", "test-model")
			_, err := gen.Generate(context.Background(), newItem(models.ContentAIGenerated))
			if !errors.Is(err, render.ErrTemplateInvalid) {
				t.Fatalf("expected invalid template error, got %v", err)
			}
		})
	}
}

func TestSplitReply(t *testing.T) {
	tests := []struct {
		in      string
		subject string
		body    string
	}{
		{"Subject: Hello\n\nBody", "Hello", "Body"},
		{"subject:Hello\nBody", "Hello", "Body"},
		{"Just a body", "", "Just a body"},
		{"Subject: only", "only", ""},
	}

	for _, tt := range tests {
		s, b := splitReply(tt.in)
		if s != tt.subject || b != tt.body {
			t.Errorf("splitReply(%q) = %q, %q", tt.in, s, b)
		}
	}
}

func TestResolveVariants(t *testing.T) {
	ctx := context.Background()

	tpl := render.New()
	_ = tpl.Register("welcome", `{{define "subject"}}Welcome {{.first_name}}{{end}}<p>Hi {{.first_name}}</p>`)

	blobs := storage.NewMemory()
	r := &Resolver{Renderer: tpl, Blobs: blobs}

	predefined := r.ForItem(newItem(models.ContentPredefined))
	if predefined.Type() != models.ContentPredefined {
		t.Fatalf("type = %s", predefined.Type())
	}
	out, err := predefined.Resolve(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if out.Subject != "Welcome Ada" {
		t.Fatalf("subject = %q", out.Subject)
	}

	item := newItem(models.ContentAIGenerated)
	item.ContentRef = DraftKey(item)
	if err := SaveDraft(ctx, blobs, item.ContentRef, &Draft{Subject: "For {{.first_name}}", Body: "<p>Made for {{.first_name}}</p>"}); err != nil {
		t.Fatal(err)
	}

	generated := r.ForItem(item)
	out, err = generated.Resolve(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if out.Subject != "For Ada" || out.HTML != "<p>Made for Ada</p>" {
		t.Fatalf("unexpected generated content: %+v", out)
	}

	item.ContentRef = ""
	if _, err := r.ForItem(item).Resolve(ctx); err == nil {
		t.Fatal("expected error without draft reference")
	}
}

func TestRouter(t *testing.T) {
	tpl := render.New()
	_ = tpl.Register("welcome", `<p>Hi {{.first_name}}</p>`)

	router := &Router{Predefined: &TemplateGenerator{Renderer: tpl}}

	d, err := router.Generate(context.Background(), newItem(models.ContentPredefined))
	if err != nil {
		t.Fatal(err)
	}
	if d.Body != "<p>Hi Ada</p>" {
		t.Fatalf("body = %q", d.Body)
	}

	if _, err := router.Generate(context.Background(), newItem(models.ContentAIGenerated)); err == nil {
		t.Fatal("expected error without ai generator")
	}
}
