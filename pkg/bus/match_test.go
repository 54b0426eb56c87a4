package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchRoutingKey(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		key     string
		want    bool
	}{
		{
			name:    "exact match",
			pattern: "user.deletion.initiated",
			key:     "user.deletion.initiated",
			want:    true,
		},
		{
			name:    "exact mismatch",
			pattern: "user.deletion.initiated",
			key:     "project.deletion.initiated",
			want:    false,
		},
		{
			name:    "star matches one word",
			pattern: "resource.for_user.deleted.*",
			key:     "resource.for_user.deleted.NodeService",
			want:    true,
		},
		{
			name:    "star does not match two words",
			pattern: "resource.for_user.deleted.*",
			key:     "resource.for_user.deleted.Node.Service",
			want:    false,
		},
		{
			name:    "star does not match zero words",
			pattern: "resource.for_user.deleted.*",
			key:     "resource.for_user.deleted",
			want:    false,
		},
		{
			name:    "hash matches zero words",
			pattern: "inference.result.#",
			key:     "inference.result",
			want:    true,
		},
		{
			name:    "hash matches one word",
			pattern: "inference.result.#",
			key:     "inference.result.final",
			want:    true,
		},
		{
			name:    "hash matches many words",
			pattern: "inference.result.#",
			key:     "inference.result.streaming.8f14e45f",
			want:    true,
		},
		{
			name:    "hash in the middle",
			pattern: "inference.#.error",
			key:     "inference.result.streaming.error",
			want:    true,
		},
		{
			name:    "bare hash matches everything",
			pattern: "#",
			key:     "model.capabilities.updated",
			want:    true,
		},
		{
			name:    "star in the middle",
			pattern: "resource.*.deleted",
			key:     "resource.for_project.deleted",
			want:    true,
		},
		{
			name:    "trailing words beyond pattern",
			pattern: "model.deleted",
			key:     "model.deleted.extra",
			want:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchRoutingKey(tt.pattern, tt.key))
		})
	}
}

func TestMatchAny(t *testing.T) {
	bindings := []string{"model.deleted", "tool.deleted", "model.capabilities.updated"}

	assert.True(t, matchAny(bindings, "tool.deleted"))
	assert.True(t, matchAny(bindings, "model.capabilities.updated"))
	assert.False(t, matchAny(bindings, "memory.bucket.deleted"))
	assert.False(t, matchAny(nil, "model.deleted"))
}
