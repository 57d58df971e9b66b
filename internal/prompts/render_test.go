package prompts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender(t *testing.T) {
	out, err := Render("Write about {{.topic}} in a {{.tone}} voice", map[string]string{
		"topic": "lighthouses",
		"tone":  "wistful",
	})
	require.NoError(t, err)
	assert.Equal(t, "Write about lighthouses in a wistful voice", out)
}

func TestRender_RepeatedPlaceholder(t *testing.T) {
	out, err := Render("{{.x}} and {{.x}}", map[string]string{"x": "again"})
	require.NoError(t, err)
	assert.Equal(t, "again and again", out)
}

func TestRender_UnresolvedPlaceholder(t *testing.T) {
	_, err := Render("Write about {{.topic}}", map[string]string{"tone": "calm"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"topic"`)
}

func TestRender_NoPlaceholders(t *testing.T) {
	out, err := Render("static prompt", nil)
	require.NoError(t, err)
	assert.Equal(t, "static prompt", out)
}

func TestPlaceholders(t *testing.T) {
	keys := Placeholders("{{.a}} {{.b}} {{.a}} {{.c_1}}")
	assert.Equal(t, []string{"a", "b", "c_1"}, keys)

	assert.Empty(t, Placeholders("nothing here"))
}
