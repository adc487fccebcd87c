package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextIDs(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, WorkflowID(ctx))
	assert.Empty(t, NodeID(ctx))

	ctx = WithWorkflowID(ctx, "wf-1")
	ctx = WithNodeID(ctx, "draft")
	assert.Equal(t, "wf-1", WorkflowID(ctx))
	assert.Equal(t, "draft", NodeID(ctx))
}

func TestCorrelationHandler_InjectsIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))

	ctx := WithNodeID(WithWorkflowID(context.Background(), "wf-1"), "draft")
	logger.InfoContext(ctx, "node started")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "wf-1", record["workflow_id"])
	assert.Equal(t, "draft", record["node_id"])
	assert.Equal(t, "node started", record["msg"])
}

func TestCorrelationHandler_BareContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))

	logger.Info("no correlation")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	_, hasWf := record["workflow_id"]
	assert.False(t, hasWf)
}
