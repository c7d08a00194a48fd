// Package ai turns page content into structured JSON or free text with a
// language model.
package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/shehryarbajwa/webgrab/pkg/models"
)

// ErrNotConfigured is returned when no model credentials are set.
var ErrNotConfigured = errors.New("ai: extraction is not configured")

// maxContentChars bounds the page text sent to the model.
const maxContentChars = 100_000

type Request struct {
	URL          string
	Title        string
	Content      string
	Prompt       string
	Instructions string
	Schema       json.RawMessage
	ResponseType string
}

type Result struct {
	Extracted json.RawMessage
	Text      string
	Model     string
	Usage     *models.TokenUsage
}

// Extractor is a pure function of page content and instructions.
type Extractor interface {
	Extract(ctx context.Context, req Request) (*Result, error)
}

// Disabled rejects every request with ErrNotConfigured.
type Disabled struct{}

func (Disabled) Extract(context.Context, Request) (*Result, error) {
	return nil, ErrNotConfigured
}

// Gemini extracts with Google's Gemini models.
type Gemini struct {
	client *genai.Client
	model  string
}

func NewGemini(ctx context.Context, apiKey, model string) (*Gemini, error) {
	if apiKey == "" {
		return nil, ErrNotConfigured
	}
	if model == "" {
		model = "gemini-2.5-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &Gemini{client: client, model: model}, nil
}

func (g *Gemini) Extract(ctx context.Context, req Request) (*Result, error) {
	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemPrompt(req), genai.RoleUser),
	}
	jsonMode := req.ResponseType != models.ResponseTypeText
	if jsonMode {
		config.ResponseMIMEType = "application/json"
		if len(req.Schema) > 0 {
			var schema any
			if err := json.Unmarshal(req.Schema, &schema); err != nil {
				return nil, fmt.Errorf("decode schema: %w", err)
			}
			config.ResponseJsonSchema = schema
		}
	}

	contents := []*genai.Content{genai.NewContentFromText(userPrompt(req), genai.RoleUser)}
	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, config)
	if err != nil {
		return nil, fmt.Errorf("GenAI generate failed: %w", err)
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return nil, fmt.Errorf("model returned no content")
	}

	res := &Result{Model: g.model}
	if resp.ModelVersion != "" {
		res.Model = resp.ModelVersion
	}
	if u := resp.UsageMetadata; u != nil {
		res.Usage = &models.TokenUsage{
			PromptTokens: int(u.PromptTokenCount),
			OutputTokens: int(u.CandidatesTokenCount),
		}
	}

	if !jsonMode {
		res.Text = text
		return res, nil
	}
	text = stripFence(text)
	if !json.Valid([]byte(text)) {
		return nil, fmt.Errorf("model returned invalid JSON")
	}
	res.Extracted = json.RawMessage(text)
	return res, nil
}

func systemPrompt(req Request) string {
	var sb strings.Builder
	sb.WriteString("You extract information from a single web page. Use only the page content provided. ")
	if req.ResponseType == models.ResponseTypeText {
		sb.WriteString("Answer in plain text.")
	} else {
		sb.WriteString("Answer with one JSON value and nothing else.")
		if len(req.Schema) > 0 {
			sb.WriteString(" The value must conform to the provided JSON schema.")
		}
	}
	if req.Instructions != "" {
		sb.WriteString("\n\n")
		sb.WriteString(req.Instructions)
	}
	return sb.String()
}

func userPrompt(req Request) string {
	content := req.Content
	if len(content) > maxContentChars {
		content = content[:maxContentChars]
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "URL: %s\n", req.URL)
	if req.Title != "" {
		fmt.Fprintf(&sb, "Title: %s\n", req.Title)
	}
	if req.Prompt != "" {
		fmt.Fprintf(&sb, "\nTask: %s\n", req.Prompt)
	} else {
		sb.WriteString("\nTask: extract the data described by the schema.\n")
	}
	sb.WriteString("\n--- PAGE CONTENT ---\n")
	sb.WriteString(content)
	return sb.String()
}

// stripFence removes a ```json fence some models wrap around output.
func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
