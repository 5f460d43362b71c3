// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package propose

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStripCodeFence(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "bare json",
			in:   `{"confidence": 0.9}`,
			want: `{"confidence": 0.9}`,
		},
		{
			name: "fenced json",
			in:   "```json\n{\"confidence\": 0.9}\n```",
			want: `{"confidence": 0.9}`,
		},
		{
			name: "fenced without language tag",
			in:   "```\ndef test_x():\n    pass\n```",
			want: "def test_x():\n    pass",
		},
		{
			name: "fenced python",
			in:   "```python\nassert x == 1\n```",
			want: "assert x == 1",
		},
		{
			name: "surrounding whitespace",
			in:   "\n\n```json\n{}\n```\n",
			want: "{}",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, stripCodeFence(tt.in))
		})
	}
}

func TestNewClient_RequiresKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	_, err := NewClient(ClientConfig{}, nil)
	require.Error(t, err)
}

func TestNewClient_Defaults(t *testing.T) {
	c, err := NewClient(ClientConfig{APIKey: "test-key"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", c.model)
	assert.InDelta(t, 0.2, c.temperature, 1e-6)
}
