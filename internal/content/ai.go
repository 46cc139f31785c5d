package content

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"PulseCampaign/internal/models"
)

const systemPrompt = `You write short, friendly marketing emails.
Reply with the subject on the first line as "Subject: <text>", then a blank line, then the HTML body.
Keep placeholders such as {{.first_name}} exactly as given.`

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// AIGenerator drafts content through an OpenAI-compatible chat completion API.
type AIGenerator struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
}

func NewAIGenerator(baseURL, apiKey, model string) *AIGenerator {
	return &AIGenerator{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
	}
}

func (g *AIGenerator) IsConfigured() bool {
	return g.apiKey != "" && g.baseURL != ""
}

func (g *AIGenerator) Generate(ctx context.Context, item *models.QueueItem) (*Draft, error) {
	if !g.IsConfigured() {
		return nil, fmt.Errorf("ai generator not configured")
	}

	reply, err := g.chat(ctx, systemPrompt, buildPrompt(item))
	if err != nil {
		return nil, err
	}

	subject, body := splitReply(reply)
	if body == "" {
		return nil, fmt.Errorf("empty body in generated draft")
	}
	if subject == "" {
		subject = item.Subject
	}

	d := &Draft{
		Subject:     subject,
		Body:        body,
		Source:      models.ContentAIGenerated,
		GeneratedAt: time.Now().UTC(),
	}

	// reject drafts that would only fail at send time
	if _, err := d.Render(item.ID, item.Variables); err != nil {
		return nil, fmt.Errorf("generated draft does not render: %w", err)
	}
	return d, nil
}

func (g *AIGenerator) chat(ctx context.Context, system, user string) (string, error) {
	reqBody := chatRequest{
		Model: g.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: 0.7,
		MaxTokens:   1024,
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/chat/completions", bytes.NewReader(bodyBytes))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("generation API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return "", fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}

	return chatResp.Choices[0].Message.Content, nil
}

func buildPrompt(item *models.QueueItem) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Campaign: %s\nTemplate: %s\n", item.Pipeline, item.TemplateCode)
	if item.Subject != "" {
		fmt.Fprintf(&b, "Suggested subject: %s\n", item.Subject)
	}

	keys := make([]string, 0, len(item.Variables))
	for k := range item.Variables {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	if len(keys) > 0 {
		b.WriteString("Recipient details (use as {{.key}} placeholders):\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %s\n", k, item.Variables[k])
		}
	}
	return b.String()
}

// splitReply separates a leading "Subject:" line from the body.
func splitReply(reply string) (subject, body string) {
	reply = strings.TrimSpace(reply)
	first, rest, found := strings.Cut(reply, "\n")

	if strings.HasPrefix(strings.ToLower(first), "subject:") {
		subject = strings.TrimSpace(first[len("subject:"):])
		if !found {
			return subject, ""
		}
		return subject, strings.TrimSpace(rest)
	}
	return "", reply
}
