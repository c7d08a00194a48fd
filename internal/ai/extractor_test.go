package ai

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/shehryarbajwa/webgrab/pkg/models"
)

func TestStripFence(t *testing.T) {
	assert.Equal(t, `{"a":1}`, stripFence("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `[1]`, stripFence("```\n[1]\n```"))
	assert.Equal(t, `{"a":1}`, stripFence(`{"a":1}`))
}

func TestPromptsReflectMode(t *testing.T) {
	jsonReq := Request{URL: "https://example.com/", Schema: json.RawMessage(`{"type":"object"}`)}
	assert.Contains(t, systemPrompt(jsonReq), "JSON schema")
	assert.Contains(t, userPrompt(jsonReq), "described by the schema")

	textReq := Request{
		URL:          "https://example.com/",
		Prompt:       "Summarize",
		Instructions: "Be brief.",
		ResponseType: models.ResponseTypeText,
	}
	assert.Contains(t, systemPrompt(textReq), "plain text")
	assert.Contains(t, systemPrompt(textReq), "Be brief.")
	assert.Contains(t, userPrompt(textReq), "Task: Summarize")
}

func TestUserPromptTruncatesContent(t *testing.T) {
	p := userPrompt(Request{URL: "https://example.com/", Prompt: "x", Content: strings.Repeat("a", maxContentChars+500)})
	assert.Less(t, len(p), maxContentChars+200)
}

func TestDisabledExtractor(t *testing.T) {
	_, err := Disabled{}.Extract(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrNotConfigured)
}
