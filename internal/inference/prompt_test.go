package inference

import (
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Catgarmara/wazuh-security-chat-sub002/internal/store"
)

func TestTrimContext(t *testing.T) {
	var history []*store.Message
	for i := 1; i <= 30; i++ {
		role := store.RoleUser
		if i%2 == 0 {
			role = store.RoleAssistant
		}
		if i%5 == 0 {
			role = store.RoleSystem
		}
		history = append(history, msg(int64(i), role, fmt.Sprintf("m%d", i)))
	}

	got := TrimContext(history, 4)
	require.Len(t, got, 4)
	assert.Equal(t, []string{"m26", "m27", "m28", "m29"}, []string{got[0].Content, got[1].Content, got[2].Content, got[3].Content})

	assert.Len(t, TrimContext(history, 100), 24, "only system records are removed")
	assert.Empty(t, TrimContext(history, 0))
	assert.Empty(t, TrimContext(nil, 5))
}

func TestBuildPrompt_ClipsReferenceSnippets(t *testing.T) {
	refs := threeRefs()
	refs[0].Content = strings.Repeat("x", maxReferenceChars*2)

	p := BuildPrompt(nil, refs, "q")
	assert.NotContains(t, p.System, strings.Repeat("x", maxReferenceChars+1))
	assert.Contains(t, p.System, "References:")
	assert.Empty(t, p.Turns)
}

func TestFinalize(t *testing.T) {
	out, truncated, err := finalize("  hello  \n", 100)
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
	assert.False(t, truncated)

	out, truncated, err = finalize("hello world and then some more words", 26)
	require.NoError(t, err)
	assert.True(t, truncated)
	assert.Equal(t, "hello"+truncationMarker, out)
	assert.LessOrEqual(t, utf8.RuneCountInString(out), 26)

	out, truncated, err = finalize("hello world", 6)
	require.NoError(t, err)
	assert.True(t, truncated)
	assert.Equal(t, "hello ", out)

	_, _, err = finalize("\t\n", 100)
	assert.ErrorIs(t, err, ErrEmptyOutput)
	assert.Equal(t, ClassEmptyOutput, Classify(err))
}

func TestRenderHTML_OmitsRawHTML(t *testing.T) {
	html := RenderHTML("| a | b |\n|---|---|\n| 1 | 2 |\n\n<script>alert(1)</script>")
	assert.Contains(t, html, "<table>")
	assert.NotContains(t, html, "<script>")
}
