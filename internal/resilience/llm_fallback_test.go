package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/opencivics/civiclerk/pkg/provider/llm"
	llmmock "github.com/opencivics/civiclerk/pkg/provider/llm/mock"
)

func completionReq() llm.CompletionRequest {
	return llm.CompletionRequest{
		Messages: []llm.Message{{Role: "user", Content: "hello"}},
	}
}

// TestLLMFallback_PrimaryHealthy checks that a working primary is never
// bypassed.
func TestLLMFallback_PrimaryHealthy(t *testing.T) {
	primary := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "from primary"},
		ModelName:        "qwen2.5vl:72b",
	}
	fallback := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "from fallback"},
	}
	f := NewLLMFallback(primary, "ollama", FallbackConfig{})
	f.AddFallback("openai", fallback)

	resp, err := f.Complete(context.Background(), completionReq())
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "from primary" {
		t.Errorf("content = %q, want primary's response", resp.Content)
	}
	if len(fallback.CompleteCalls) != 0 {
		t.Error("fallback was called while the primary is healthy")
	}
	if f.Model() != "qwen2.5vl:72b" {
		t.Errorf("Model() = %q, want the primary's model", f.Model())
	}
}

// TestLLMFallback_FailsOver checks that a failing primary hands the request
// to the fallback within the same call.
func TestLLMFallback_FailsOver(t *testing.T) {
	primary := &llmmock.Provider{CompleteErr: errors.New("connection refused")}
	fallback := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "from fallback"},
	}
	f := NewLLMFallback(primary, "ollama", FallbackConfig{})
	f.AddFallback("openai", fallback)

	resp, err := f.Complete(context.Background(), completionReq())
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "from fallback" {
		t.Errorf("content = %q, want fallback's response", resp.Content)
	}
}

// TestLLMFallback_BreakerSkipsDeadPrimary checks that once the primary's
// breaker opens, it is no longer even attempted.
func TestLLMFallback_BreakerSkipsDeadPrimary(t *testing.T) {
	primary := &llmmock.Provider{CompleteErr: errors.New("connection refused")}
	fallback := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "from fallback"},
	}
	f := NewLLMFallback(primary, "ollama", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2},
	})
	f.AddFallback("openai", fallback)

	for i := 0; i < 4; i++ {
		if _, err := f.Complete(context.Background(), completionReq()); err != nil {
			t.Fatalf("Complete %d: %v", i, err)
		}
	}
	// Two failures trip the breaker; the remaining calls skip the primary.
	if got := len(primary.CompleteCalls); got != 2 {
		t.Errorf("primary attempts = %d, want 2", got)
	}
	if got := len(fallback.CompleteCalls); got != 4 {
		t.Errorf("fallback attempts = %d, want 4", got)
	}
}

// TestLLMFallback_AllDead checks the terminal error.
func TestLLMFallback_AllDead(t *testing.T) {
	primary := &llmmock.Provider{CompleteErr: errors.New("connection refused")}
	f := NewLLMFallback(primary, "ollama", FallbackConfig{})

	_, err := f.Complete(context.Background(), completionReq())
	if !errors.Is(err, ErrAllFailed) {
		t.Errorf("err = %v, want ErrAllFailed", err)
	}
}
