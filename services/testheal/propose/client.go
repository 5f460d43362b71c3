// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package propose holds the model-backed collaborators: semantic
// failure analysis, patch drafting, and test drafting.
//
// Everything here is advisory. Collaborator output is untrusted
// input: the diagnosis layer clamps analyzer confidence and the patch
// engine validates every draft before a byte touches disk. The engine
// works (retry and escalate only) when no collaborator is configured.
package propose

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/AleutianAI/testheal/pkg/logging"
)

// ClientConfig configures the OpenAI-compatible completion client.
type ClientConfig struct {
	// APIKey authenticates against the API. Falls back to the
	// OPENAI_API_KEY environment variable when empty.
	APIKey string

	// Model names the chat model. Default: gpt-4o-mini.
	Model string

	// BaseURL points at an alternative OpenAI-compatible endpoint
	// (local inference servers). Empty uses the hosted API.
	BaseURL string

	// Temperature for completions. Low values keep drafts focused.
	// Default: 0.2
	Temperature float32
}

// Client is a thin wrapper over an OpenAI-compatible chat API.
//
// # Thread Safety
//
// Safe for concurrent use.
type Client struct {
	api         *openai.Client
	model       string
	temperature float32
	logger      *logging.Logger
}

// NewClient creates a completion client.
//
// Outputs:
//
//	*Client - Ready-to-use client.
//	error - Non-nil when no API key is available.
func NewClient(cfg ClientConfig, logger *logging.Logger) (*Client, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("no API key: set config api_key or OPENAI_API_KEY")
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	temperature := cfg.Temperature
	if temperature == 0 {
		temperature = 0.2
	}
	if logger == nil {
		logger = logging.Default()
	}

	apiCfg := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		apiCfg.BaseURL = cfg.BaseURL
	}

	logger.Info("initializing completion client", "model", model)
	return &Client{
		api:         openai.NewClientWithConfig(apiCfg),
		model:       model,
		temperature: temperature,
		logger:      logger,
	}, nil
}

// complete runs one system+user chat completion and returns the text.
func (c *Client) complete(ctx context.Context, system, user string) (string, error) {
	c.logger.Debug("completion request", "model", c.model)
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: c.temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// completeJSON runs a completion and decodes the response body into v.
// Markdown code fences around the JSON are tolerated.
func (c *Client) completeJSON(ctx context.Context, system, user string, v any) error {
	text, err := c.complete(ctx, system, user)
	if err != nil {
		return err
	}
	body := stripCodeFence(text)
	if err := json.Unmarshal([]byte(body), v); err != nil {
		return fmt.Errorf("decode completion JSON: %w", err)
	}
	return nil
}

// stripCodeFence removes a surrounding markdown code fence, if any.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	// Drop the language tag on the opening fence.
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		first := strings.TrimSpace(s[:idx])
		if first == "json" || first == "python" || first == "go" || first == "diff" || first == "" {
			s = s[idx+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
