package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// ContentGenerator is the part of the genai client used by GeminiModel.
// *genai.Models satisfies it.
type ContentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiConfig configures a GeminiModel.
type GeminiConfig struct {
	APIKey            string
	Model             string
	SystemInstruction string
}

// GeminiModel implements Model on Google Gemini.
type GeminiModel struct {
	models ContentGenerator
	name   string
	config *genai.GenerateContentConfig
}

// NewGemini creates a Gemini client and binds the tool declarations to it.
func NewGemini(ctx context.Context, cfg GeminiConfig, decls []Declaration) (*GeminiModel, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}
	return NewGeminiWithGenerator(client.Models, cfg, decls), nil
}

// NewGeminiWithGenerator builds a GeminiModel over an existing generator.
func NewGeminiWithGenerator(models ContentGenerator, cfg GeminiConfig, decls []Declaration) *GeminiModel {
	config := &genai.GenerateContentConfig{}
	if cfg.SystemInstruction != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: cfg.SystemInstruction}},
		}
	}
	if len(decls) > 0 {
		fns := make([]*genai.FunctionDeclaration, 0, len(decls))
		for _, d := range decls {
			fns = append(fns, &genai.FunctionDeclaration{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  toGenaiSchema(d.Parameters),
			})
		}
		config.Tools = []*genai.Tool{{FunctionDeclarations: fns}}
	}
	return &GeminiModel{models: models, name: cfg.Model, config: config}
}

// Generate implements Model.
func (m *GeminiModel) Generate(ctx context.Context, history []Message) (*Reply, error) {
	resp, err := m.models.GenerateContent(ctx, m.name, toContents(history), m.config)
	if err != nil {
		return nil, fmt.Errorf("gemini generation failed: %w", err)
	}
	return parseResponse(resp)
}

func toContents(history []Message) []*genai.Content {
	out := make([]*genai.Content, 0, len(history))
	for _, msg := range history {
		parts := make([]*genai.Part, 0, len(msg.Parts))
		for _, p := range msg.Parts {
			switch {
			case p.FunctionCall != nil:
				parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{
					ID:   p.FunctionCall.ID,
					Name: p.FunctionCall.Name,
					Args: p.FunctionCall.Args,
				}})
			case p.FunctionResponse != nil:
				parts = append(parts, &genai.Part{FunctionResponse: &genai.FunctionResponse{
					ID:       p.FunctionResponse.ID,
					Name:     p.FunctionResponse.Name,
					Response: p.FunctionResponse.Response,
				}})
			case p.Text != "":
				parts = append(parts, &genai.Part{Text: p.Text})
			}
		}
		if len(parts) == 0 {
			continue
		}
		role := RoleUser
		if msg.Role == RoleModel {
			role = RoleModel
		}
		out = append(out, &genai.Content{Role: role, Parts: parts})
	}
	return out
}

func parseResponse(resp *genai.GenerateContentResponse) (*Reply, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, errors.New("empty response from gemini")
	}
	reply := &Reply{}
	cand := resp.Candidates[0]
	if cand.Content == nil {
		return reply, nil
	}
	var text strings.Builder
	for _, part := range cand.Content.Parts {
		if part == nil || part.Thought {
			continue
		}
		if part.Text != "" {
			text.WriteString(part.Text)
		}
		if part.FunctionCall != nil {
			reply.Calls = append(reply.Calls, FunctionCall{
				ID:   part.FunctionCall.ID,
				Name: part.FunctionCall.Name,
				Args: part.FunctionCall.Args,
			})
		}
	}
	reply.Text = text.String()
	return reply, nil
}

// toGenaiSchema converts a JSON schema map to a Gemini schema. Gemini expects
// upper-case type names.
func toGenaiSchema(schema map[string]any) *genai.Schema {
	if schema == nil {
		return nil
	}
	s := &genai.Schema{}
	if t, ok := schema["type"].(string); ok {
		s.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schema["description"].(string); ok {
		s.Description = desc
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, prop := range props {
			if pm, ok := prop.(map[string]any); ok {
				s.Properties[name] = toGenaiSchema(pm)
			}
		}
	}
	switch req := schema["required"].(type) {
	case []any:
		for _, r := range req {
			if rs, ok := r.(string); ok {
				s.Required = append(s.Required, rs)
			}
		}
	case []string:
		s.Required = append(s.Required, req...)
	}
	if items, ok := schema["items"].(map[string]any); ok {
		s.Items = toGenaiSchema(items)
	}
	if enum, ok := schema["enum"].([]any); ok {
		for _, e := range enum {
			if es, ok := e.(string); ok {
				s.Enum = append(s.Enum, es)
			}
		}
	}
	return s
}
