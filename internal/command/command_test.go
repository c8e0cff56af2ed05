package command

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portal-bridge/internal/errors"
)

func TestParse(t *testing.T) {
	cmd, err := Parse("alice.demo.cluster1 add_user bob.proj1")
	require.NoError(t, err)

	assert.Equal(t, []string{"alice", "demo", "cluster1"}, cmd.Destination)
	assert.Equal(t, "add_user", cmd.Instruction)
	assert.Equal(t, []string{"bob.proj1"}, cmd.Arguments)
	assert.Equal(t, "cluster1", cmd.Agent())
	assert.Equal(t, "alice.demo.cluster1 add_user bob.proj1", cmd.String())
}

func TestParseQuotedArguments(t *testing.T) {
	cmd, err := Parse(`portal.cluster set_motd "scheduled maintenance" 'Friday 9am'`)
	require.NoError(t, err)

	assert.Equal(t, "set_motd", cmd.Instruction)
	assert.Equal(t, []string{"scheduled maintenance", "Friday 9am"}, cmd.Arguments)

	again, err := Parse(cmd.String())
	require.NoError(t, err)
	assert.Equal(t, cmd, again)
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"blank", "   "},
		{"no instruction", "portal.cluster"},
		{"empty hop", "portal..cluster add_user x"},
		{"trailing dot", "portal. add_user x"},
		{"bad characters", "por$tal add_user x"},
		{"unterminated quote", `portal add_user "bob`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.input)
			require.Error(t, err)
			assert.True(t, errors.IsInvalidRequestError(err))
		})
	}
}
