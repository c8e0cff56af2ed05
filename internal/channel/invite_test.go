package channel

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInvitationRoundTrip(t *testing.T) {
	inv, err := NewInvitation("portal", "https://portal.example.org:443")
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, inv.Write(&buf))
	assert.Contains(t, buf.String(), `name = "portal"`)
	assert.Contains(t, buf.String(), "inner_key")

	path := filepath.Join(t.TempDir(), "invitation.toml")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))

	loaded, err := LoadInvitation(path)
	require.NoError(t, err)
	assert.Equal(t, inv, loaded)

	ws, err := loaded.WebsocketURL()
	require.NoError(t, err)
	assert.Equal(t, "wss://portal.example.org", ws)
}

func TestReadInvitationRejects(t *testing.T) {
	good := strings.Repeat("ab", KeySize)

	tests := []struct {
		name string
		body string
	}{
		{"not toml", "name = "},
		{"missing name", `url = "https://x"` + "\ninner_key = \"" + good + "\"\nouter_key = \"" + good + "\""},
		{"missing url", `name = "p"` + "\ninner_key = \"" + good + "\"\nouter_key = \"" + good + "\""},
		{"bad inner key", `name = "p"` + "\nurl = \"https://x\"\ninner_key = \"abc\"\nouter_key = \"" + good + "\""},
		{"missing outer key", `name = "p"` + "\nurl = \"https://x\"\ninner_key = \"" + good + "\""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadInvitation(strings.NewReader(tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoadInvitationMissingFile(t *testing.T) {
	_, err := LoadInvitation(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}

func TestBackoff(t *testing.T) {
	b := Backoff{Initial: 100 * time.Millisecond, Max: time.Second}

	var got []time.Duration
	for i := 0; i < 6; i++ {
		got = append(got, b.Next())
	}
	assert.Equal(t, []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}, got)

	b.Reset()
	assert.Equal(t, 100*time.Millisecond, b.Next())
}
