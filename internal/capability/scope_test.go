package capability

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOrd(t *testing.T) {
	assert.Equal(t, 0, Ord(PermRead))
	assert.Equal(t, 1, Ord(PermList))
	assert.Equal(t, 2, Ord(PermWrite))
	assert.Equal(t, 3, Ord(PermDelete))
	assert.Equal(t, 4, Ord(PermAdmin))
	assert.Equal(t, 5, Ord(PermShareFurther))
	assert.Equal(t, -1, Ord("made-up"))
	assert.Equal(t, -1, Ord(Wildcard))
}

func TestValidateScope(t *testing.T) {
	assert.NoError(t, ValidateScope([]string{PermRead}))
	assert.NoError(t, ValidateScope([]string{PermRead, PermWrite}))
	assert.NoError(t, ValidateScope([]string{Wildcard}))

	assert.Error(t, ValidateScope(nil))
	assert.Error(t, ValidateScope([]string{}))
	assert.Error(t, ValidateScope([]string{"bogus"}))
	assert.Error(t, ValidateScope([]string{Wildcard, PermRead}), "wildcard must stand alone")
}

func TestScopeAllows(t *testing.T) {
	tests := []struct {
		name      string
		scope     []string
		operation string
		want      bool
	}{
		{"member", []string{"read", "list"}, "read", true},
		{"non-member", []string{"read", "list"}, "write", false},
		{"wildcard allows anything", []string{"*"}, "delete", true},
		{"empty scope allows nothing", []string{}, "read", false},
		{"nil scope allows nothing", nil, "read", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ScopeAllows(tt.scope, tt.operation))
		})
	}
}

func TestAboveCeiling(t *testing.T) {
	tests := []struct {
		name          string
		requested     []string
		ceiling       []string
		wantGrantable []string
		wantEscalated []string
	}{
		{
			name:          "all within default ceiling",
			requested:     []string{"read", "list"},
			ceiling:       []string{"read", "list"},
			wantGrantable: []string{"read", "list"},
		},
		{
			name:          "write above read-list ceiling",
			requested:     []string{"read", "write"},
			ceiling:       []string{"read", "list"},
			wantGrantable: []string{"read"},
			wantEscalated: []string{"write"},
		},
		{
			name:          "ceiling max covers lower ordinals",
			requested:     []string{"read", "write", "delete"},
			ceiling:       []string{"delete"},
			wantGrantable: []string{"read", "write", "delete"},
		},
		{
			name:          "unknown permission escalates",
			requested:     []string{"read", "teleport"},
			ceiling:       []string{"admin"},
			wantGrantable: []string{"read"},
			wantEscalated: []string{"teleport"},
		},
		{
			name:          "wildcard request escalates",
			requested:     []string{"*"},
			ceiling:       []string{"admin"},
			wantEscalated: []string{"*"},
		},
		{
			name:          "empty ceiling escalates everything",
			requested:     []string{"read"},
			ceiling:       nil,
			wantEscalated: []string{"read"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			grantable, escalated := AboveCeiling(tt.requested, tt.ceiling)
			assert.Equal(t, tt.wantGrantable, grantable)
			assert.Equal(t, tt.wantEscalated, escalated)
		})
	}
}
