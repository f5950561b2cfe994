package session

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Role tags a turn as coming from the human or from the model.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Part is one unit of turn content: either text or a media blob.
type Part struct {
	Text     string `json:"text,omitempty"`
	MIMEType string `json:"mime_type,omitempty"`
	Data     []byte `json:"data,omitempty"`
}

func TextPart(text string) Part {
	return Part{Text: text}
}

func BlobPart(mimeType string, data []byte) Part {
	return Part{MIMEType: mimeType, Data: data}
}

// IsText reports whether the part carries text rather than bytes.
func (p Part) IsText() bool {
	return len(p.Data) == 0
}

// Turn is one role-tagged message within a conversation.
type Turn struct {
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
}

func TextTurn(role Role, text string) Turn {
	return Turn{Role: role, Parts: []Part{TextPart(text)}}
}

// Text joins the text parts of the turn.
func (t Turn) Text() string {
	var sb strings.Builder
	for _, p := range t.Parts {
		if !p.IsText() || p.Text == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(p.Text)
	}
	return sb.String()
}

// Persona is the seed instruction pair injected at the head of every session.
type Persona struct {
	Instructions   string `yaml:"instructions"`
	Acknowledgment string `yaml:"acknowledgment"`
}

// DefaultPersona is the built-in "Envo" persona.
func DefaultPersona() Persona {
	return Persona{
		Instructions: "You are Envo, a brilliant AI partner. Your user is your 'partner'. " +
			"Your core process is to internally critique your own answers to provide the most refined, final response. " +
			"Only output this final, polished answer.",
		Acknowledgment: "Understood, partner. I'm ready.",
	}
}

// Turns returns the persona as the leading user/model turn pair.
func (p Persona) Turns() []Turn {
	return []Turn{
		TextTurn(RoleUser, p.Instructions),
		TextTurn(RoleModel, p.Acknowledgment),
	}
}

// LoadPersona reads a YAML persona file. Missing fields fall back to the
// default persona.
func LoadPersona(path string) (Persona, error) {
	def := DefaultPersona()
	path = strings.TrimSpace(path)
	if path == "" {
		return def, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Persona{}, fmt.Errorf("read persona file %s: %w", path, err)
	}
	var p Persona
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return Persona{}, fmt.Errorf("parse persona file %s: %w", path, err)
	}
	if strings.TrimSpace(p.Instructions) == "" {
		p.Instructions = def.Instructions
	}
	if strings.TrimSpace(p.Acknowledgment) == "" {
		p.Acknowledgment = def.Acknowledgment
	}
	return p, nil
}

func cloneTurns(in []Turn) []Turn {
	if len(in) == 0 {
		return nil
	}
	out := make([]Turn, len(in))
	for i, t := range in {
		out[i] = Turn{Role: t.Role, Parts: append([]Part(nil), t.Parts...)}
	}
	return out
}
