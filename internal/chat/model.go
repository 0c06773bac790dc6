// Package chat runs conversational turns in which a language model drives the
// billing operations through function calls.
package chat

import "context"

// Conversation roles.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// FunctionCall is a structured request from the model to run one tool.
type FunctionCall struct {
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// FunctionResponse carries a tool result back to the model.
type FunctionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// Part is one element of a message. Exactly one field is set.
type Part struct {
	Text             string            `json:"text,omitempty"`
	FunctionCall     *FunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *FunctionResponse `json:"functionResponse,omitempty"`
}

// Message is a role-tagged turn of the conversation.
type Message struct {
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

// UserText builds a plain user message.
func UserText(text string) Message {
	return Message{Role: RoleUser, Parts: []Part{{Text: text}}}
}

// Reply is what the model produced for one request.
type Reply struct {
	Text  string
	Calls []FunctionCall
}

// Message converts the reply into the model turn appended to the history.
func (r *Reply) Message() Message {
	m := Message{Role: RoleModel}
	if r.Text != "" {
		m.Parts = append(m.Parts, Part{Text: r.Text})
	}
	for i := range r.Calls {
		c := r.Calls[i]
		m.Parts = append(m.Parts, Part{FunctionCall: &c})
	}
	return m
}

// Declaration describes a callable tool to the model.
type Declaration struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON schema of the arguments object
}

// Model generates the next reply for a conversation. Tool declarations and
// the system instruction are bound when the model is built.
type Model interface {
	Generate(ctx context.Context, history []Message) (*Reply, error)
}
