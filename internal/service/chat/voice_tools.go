package chat

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"github.com/zhouzirui/z-tavern/assistant/internal/model/voice"
)

const (
	ToolStartNewChat     = "startNewChat"
	ToolSendMessage      = "sendMessage"
	ToolSetSystemMessage = "setSystemMessage"
)

// VoiceTools exposes the manager to a realtime voice session.
func (m *Manager) VoiceTools() []voice.ToolFunction {
	return []voice.ToolFunction{
		{
			Name:        ToolStartNewChat,
			Description: "Start a new, empty chat conversation.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
			Execute: func(ctx context.Context, _ map[string]any) error {
				_, err := m.Start(ctx, "")
				return err
			},
		},
		{
			Name:        ToolSendMessage,
			Description: "Send a text message to the chat assistant and wait for its reply.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"text": map[string]any{
						"type":        "string",
						"description": "The message to send.",
					},
				},
				"required": []string{"text"},
			},
			Execute: func(ctx context.Context, args map[string]any) error {
				text, err := stringArg(args, "text")
				if err != nil {
					return err
				}
				turn, err := m.Submit(ctx, text)
				if err != nil {
					return err
				}
				return turn.Wait(ctx)
			},
		},
		{
			Name:        ToolSetSystemMessage,
			Description: "Replace the system message used for the following chat messages.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"message": map[string]any{
						"type":        "string",
						"description": "The new system message.",
					},
				},
				"required": []string{"message"},
			},
			Execute: func(_ context.Context, args map[string]any) error {
				msg, err := stringArg(args, "message")
				if err != nil {
					return err
				}
				opts := m.Options()
				opts.SystemMessage = msg
				m.SetOptions(opts)
				return nil
			},
		},
	}
}

func stringArg(args map[string]any, name string) (string, error) {
	raw, ok := args[name]
	if !ok {
		return "", errors.Errorf("missing argument %q", name)
	}
	s, ok := raw.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", errors.Errorf("argument %q must be a non-empty string", name)
	}
	return s, nil
}
