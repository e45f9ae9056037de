package messaging

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchRoutingKey(t *testing.T) {
	tests := []struct {
		pattern string
		key     string
		want    bool
	}{
		{"user.registered", "user.registered", true},
		{"user.registered", "user.deleted", false},
		{"user.*", "user.registered", true},
		{"user.*", "user", false},
		{"user.*", "user.profile.updated", false},
		{"*.unlocked", "district.unlocked", true},
		{"#", "user.registered", true},
		{"#", "a", true},
		{"user.#", "user", true},
		{"user.#", "user.profile.updated", true},
		{"#.updated", "user.profile.updated", true},
		{"#.updated", "updated", true},
		{"user.#.updated", "user.updated", true},
		{"user.#.updated", "user.a.b.updated", true},
		{"user.#.updated", "user.a.b.deleted", false},
		{"district.*", "user.registered", false},
		{"*.*", "a.b", true},
		{"*.*", "a.b.c", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"|"+tt.key, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchRoutingKey(tt.pattern, tt.key))
		})
	}
}
