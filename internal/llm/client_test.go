package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodelab/conduct/pkg/schema"
)

func assertModelError(t *testing.T, err error) {
	t.Helper()
	var ce *schema.ConductError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, schema.ErrCodeModelCall, ce.Code)
}

// --- GuardResponse ---

func TestGuardResponse_Accepts(t *testing.T) {
	assert.NoError(t, GuardResponse(`create_document("a.docx")`))
	assert.NoError(t, GuardResponse("  ok  "))
}

func TestGuardResponse_Empty(t *testing.T) {
	assertModelError(t, GuardResponse(""))
	assertModelError(t, GuardResponse("   \n\t"))
}

func TestGuardResponse_TooShort(t *testing.T) {
	assertModelError(t, GuardResponse("x"))
}

func TestGuardResponse_FailureMarkers(t *testing.T) {
	refusals := []string{
		"I cannot help with that request.",
		"I'm unable to create documents.",
		"As an AI, I do not have file access.",
		"ERROR: model overloaded",
	}
	for _, text := range refusals {
		err := GuardResponse(text)
		require.Error(t, err, text)
		assertModelError(t, err)
	}
}

// --- ScriptedClient ---

func TestScriptedClient_PopsInOrder(t *testing.T) {
	c := NewScriptedClient(false, "first", "second")

	out, err := c.Ask(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "first", out)

	out, err = c.Ask(context.Background(), "p2")
	require.NoError(t, err)
	assert.Equal(t, "second", out)

	assert.Equal(t, []string{"p1", "p2"}, c.Prompts())
}

func TestScriptedClient_Exhausted(t *testing.T) {
	c := NewScriptedClient(false)
	_, err := c.Ask(context.Background(), "p")
	assertModelError(t, err)
}

func TestScriptedClient_GuardApplied(t *testing.T) {
	c := NewScriptedClient(true, "I cannot do that.")
	_, err := c.Ask(context.Background(), "p")
	assertModelError(t, err)

	c = NewScriptedClient(false, "I cannot do that.")
	out, err := c.Ask(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, "I cannot do that.", out)
}

func TestScriptedClient_CancelledContext(t *testing.T) {
	c := NewScriptedClient(false, "never returned")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Ask(ctx, "p")
	require.Error(t, err)

	var ce *schema.ConductError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, schema.ErrCodeCancelled, ce.Code)
}

// --- OpenAI client construction ---

func TestNewOpenAIClient_RequiresAPIKey(t *testing.T) {
	_, err := NewOpenAIClient(OpenAIConfig{})
	require.Error(t, err)

	var ce *schema.ConductError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, schema.ErrCodeValidation, ce.Code)
}

func TestNewOpenAIClient_Defaults(t *testing.T) {
	c, err := NewOpenAIClient(OpenAIConfig{APIKey: "sk-test"})
	require.NoError(t, err)
	assert.NotEmpty(t, c.cfg.Model)
	assert.Equal(t, 2, c.cfg.MaxRetries)
}
