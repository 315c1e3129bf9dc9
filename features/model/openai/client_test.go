package openai_test

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"

	openaimodel "github.com/cronicorn/cronicorn/features/model/openai"
	"github.com/cronicorn/cronicorn/runtime/model"
)

func TestClientComplete(t *testing.T) {
	mock := &mockChatClient{}
	client, err := openaimodel.New(openaimodel.Options{Client: mock, DefaultModel: "gpt-4o"})
	require.NoError(t, err)

	mock.response = openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{
				FinishReason: "tool_calls",
				Message: openai.ChatCompletionMessage{
					Role:    "assistant",
					Content: "checking history",
					ToolCalls: []openai.ToolCall{
						{
							ID: "call-1",
							Function: openai.FunctionCall{
								Name:      "get_response_history",
								Arguments: `{"limit":5}`,
							},
						},
					},
				},
			},
		},
		Usage: openai.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}

	resp, err := client.Complete(context.Background(), model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Content: "analyze"}},
		Tools: []model.ToolDefinition{{
			Name:        "get_response_history",
			Description: "Recent runs",
			InputSchema: json.RawMessage(`{"type":"object"}`),
		}},
	})
	require.NoError(t, err)
	require.Equal(t, "checking history", resp.Content)
	require.Len(t, resp.ToolCalls, 1)
	require.Equal(t, "call-1", resp.ToolCalls[0].ID)
	require.Equal(t, "get_response_history", resp.ToolCalls[0].Name)
	require.JSONEq(t, `{"limit":5}`, string(resp.ToolCalls[0].Arguments))
	require.Equal(t, "tool_calls", resp.StopReason)
	require.Equal(t, 15, resp.Usage.TotalTokens)

	req := mock.captured
	require.Equal(t, "gpt-4o", req.Model)
	require.Len(t, req.Messages, 1)
	require.Equal(t, "analyze", req.Messages[0].Content)
	require.Len(t, req.Tools, 1)
	require.Equal(t, openai.ToolTypeFunction, req.Tools[0].Type)
	params, ok := req.Tools[0].Function.Parameters.(json.RawMessage)
	require.True(t, ok)
	require.JSONEq(t, `{"type":"object"}`, string(params))
}

func TestClientCompleteEncodesToolMessages(t *testing.T) {
	mock := &mockChatClient{}
	client, err := openaimodel.New(openaimodel.Options{Client: mock, DefaultModel: "gpt-4o"})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), model.Request{
		Messages: []model.Message{
			{Role: model.RoleSystem, Content: "policy"},
			{Role: model.RoleUser, Content: "analyze"},
			{Role: model.RoleAssistant, ToolCalls: []model.ToolCall{{
				ID:        "call-1",
				Name:      "get_latest_response",
				Arguments: json.RawMessage(`{}`),
			}}},
			{Role: model.RoleTool, Content: `{"found":false}`, ToolCallID: "call-1"},
		},
	})
	require.NoError(t, err)

	req := mock.captured
	require.Len(t, req.Messages, 4)
	require.Equal(t, "assistant", req.Messages[2].Role)
	require.Len(t, req.Messages[2].ToolCalls, 1)
	require.Equal(t, "call-1", req.Messages[2].ToolCalls[0].ID)
	require.Equal(t, "tool", req.Messages[3].Role)
	require.Equal(t, "call-1", req.Messages[3].ToolCallID)
}

func TestClientCompleteMapsRateLimit(t *testing.T) {
	mock := &mockChatClient{err: &openai.APIError{
		HTTPStatusCode: http.StatusTooManyRequests,
		Message:        "slow down",
	}}
	client, err := openaimodel.New(openaimodel.Options{Client: mock, DefaultModel: "gpt-4o"})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Content: "analyze"}},
	})
	require.ErrorIs(t, err, model.ErrRateLimited)
}

func TestClientRequiresDefaultModel(t *testing.T) {
	_, err := openaimodel.New(openaimodel.Options{Client: &mockChatClient{}})
	require.Error(t, err)
}

type mockChatClient struct {
	response openai.ChatCompletionResponse
	captured openai.ChatCompletionRequest
	err      error
}

func (m *mockChatClient) CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (
	openai.ChatCompletionResponse, error) {
	m.captured = request
	if m.err != nil {
		return openai.ChatCompletionResponse{}, m.err
	}
	return m.response, nil
}
