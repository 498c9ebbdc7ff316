package openai

import (
	"testing"

	"github.com/opencivics/civiclerk/pkg/provider/llm"
)

// TestNew_EmptyAPIKey checks that an empty API key returns an error.
func TestNew_EmptyAPIKey(t *testing.T) {
	_, err := New("", "gpt-4o")
	if err == nil {
		t.Fatal("expected error for empty apiKey")
	}
}

// TestNew_EmptyModel checks that an empty model returns an error.
func TestNew_EmptyModel(t *testing.T) {
	_, err := New("sk-test", "")
	if err == nil {
		t.Fatal("expected error for empty model")
	}
}

// TestNew_Valid checks construction with optional overrides.
func TestNew_Valid(t *testing.T) {
	p, err := New("sk-test", "gpt-4o", WithBaseURL("http://localhost:8000/v1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Model() != "gpt-4o" {
		t.Errorf("expected model gpt-4o, got %q", p.Model())
	}
}

// TestBuildParams_Roles checks message role conversion including the system prompt.
func TestBuildParams_Roles(t *testing.T) {
	p := &Provider{model: "gpt-4o"}
	params, err := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "You extract votes.",
		Messages: []llm.Message{
			{Role: "user", Content: "Segment text."},
			{Role: "assistant", Content: "{}"},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(params.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(params.Messages))
	}
}

// TestBuildParams_UnknownRole checks that an unrecognised role is rejected.
func TestBuildParams_UnknownRole(t *testing.T) {
	p := &Provider{model: "gpt-4o"}
	_, err := p.buildParams(llm.CompletionRequest{
		Messages: []llm.Message{{Role: "narrator", Content: "hm"}},
	})
	if err == nil {
		t.Fatal("expected error for unknown role")
	}
}
