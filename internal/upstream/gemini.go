package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

const providerGemini = "gemini"

// Part is one piece of Gemini content: text or inline binary data.
type Part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *InlineData `json:"inlineData,omitempty"`
}

// InlineData carries base64-encoded bytes with their MIME type.
type InlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// Content is a role-tagged list of parts.
type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

// GenerationConfig holds sampling parameters. Pointer fields are omitted when nil.
type GenerationConfig struct {
	Temperature        *float64 `json:"temperature,omitempty"`
	TopP               *float64 `json:"topP,omitempty"`
	TopK               *int     `json:"topK,omitempty"`
	CandidateCount     *int     `json:"candidateCount,omitempty"`
	ResponseMimeType   string   `json:"responseMimeType,omitempty"`
	ResponseModalities []string `json:"responseModalities,omitempty"`
}

// SafetySetting sets the block threshold for one harm category.
type SafetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

// GenerateRequest is the body of models/{model}:generateContent.
type GenerateRequest struct {
	SystemInstruction *Content          `json:"systemInstruction,omitempty"`
	Contents          []Content         `json:"contents"`
	GenerationConfig  *GenerationConfig `json:"generationConfig,omitempty"`
	SafetySettings    []SafetySetting   `json:"safetySettings,omitempty"`
}

// Candidate is one generated answer.
type Candidate struct {
	Content      Content `json:"content"`
	FinishReason string  `json:"finishReason,omitempty"`
}

// GenerateResponse is the decoded generateContent reply. Raw keeps the
// undecoded body for diagnostics.
type GenerateResponse struct {
	Candidates []Candidate     `json:"candidates"`
	Raw        json.RawMessage `json:"-"`
}

// FirstText returns the text of the first part of the first candidate.
func (r *GenerateResponse) FirstText() string {
	if r == nil || len(r.Candidates) == 0 || len(r.Candidates[0].Content.Parts) == 0 {
		return ""
	}
	return r.Candidates[0].Content.Parts[0].Text
}

// FirstImage returns the data of the first inline part of the first candidate.
func (r *GenerateResponse) FirstImage() string {
	if r == nil || len(r.Candidates) == 0 {
		return ""
	}
	for _, p := range r.Candidates[0].Content.Parts {
		if p.InlineData != nil && p.InlineData.Data != "" {
			return p.InlineData.Data
		}
	}
	return ""
}

// HarmCategories lists the categories a safety threshold is applied to.
var HarmCategories = []string{
	"HARM_CATEGORY_HARASSMENT",
	"HARM_CATEGORY_HATE_SPEECH",
	"HARM_CATEGORY_SEXUALLY_EXPLICIT",
	"HARM_CATEGORY_DANGEROUS_CONTENT",
}

// SafetySettingsAt applies threshold to every harm category. An empty
// threshold yields nil so the provider default is used.
func SafetySettingsAt(threshold string) []SafetySetting {
	if threshold == "" {
		return nil
	}
	settings := make([]SafetySetting, 0, len(HarmCategories))
	for _, c := range HarmCategories {
		settings = append(settings, SafetySetting{Category: c, Threshold: threshold})
	}
	return settings
}

// Gemini calls the Generative Language API.
type Gemini struct {
	client  *Client
	baseURL string
	apiKey  string
}

// NewGemini returns a Gemini provider. The key travels in the
// x-goog-api-key header so it never appears in a logged URL.
func NewGemini(client *Client, baseURL, apiKey string) *Gemini {
	return &Gemini{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
	}
}

// Configured reports whether an API key is available.
func (g *Gemini) Configured() bool {
	return g != nil && g.apiKey != ""
}

// GenerateContent performs one generateContent call against model.
func (g *Gemini) GenerateContent(ctx context.Context, model string, req GenerateRequest) (*GenerateResponse, error) {
	endpoint := fmt.Sprintf("%s/models/%s:generateContent", g.baseURL, url.PathEscape(model))
	var out GenerateResponse
	raw, err := g.client.PostJSON(ctx, providerGemini, endpoint,
		map[string]string{"x-goog-api-key": g.apiKey}, req, &out)
	if err != nil {
		return nil, fmt.Errorf("gemini %s: %w", model, err)
	}
	out.Raw = raw
	return &out, nil
}
