package terminal

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func prompter(input string) (*Prompter, *bytes.Buffer) {
	var out bytes.Buffer
	return &Prompter{In: strings.NewReader(input), Out: &out, Interactive: true}, &out
}

func TestConfirm(t *testing.T) {
	p, out := prompter("maybe\nyes\n")
	ok, err := p.Confirm("Promote 3 files?", false)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Contains(t, out.String(), "Promote 3 files? [y/N]: ")
	assert.Contains(t, out.String(), "Please answer y or n")

	p, _ = prompter("\n")
	ok, err = p.Confirm("Continue?", true)
	require.NoError(t, err)
	assert.True(t, ok)

	p, _ = prompter("n")
	ok, err = p.Confirm("Continue?", true)
	require.NoError(t, err)
	assert.False(t, ok)

	p, _ = prompter("")
	_, err = p.Confirm("Continue?", true)
	assert.Error(t, err)
}

func TestConfirm_NonInteractive(t *testing.T) {
	p := &Prompter{In: strings.NewReader("y\n"), Out: &bytes.Buffer{}}
	ok, err := p.Confirm("Delete?", false)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPromptChoice(t *testing.T) {
	p, out := prompter("7\n2\n")
	idx, err := p.PromptChoice("Mode?", []string{"direct", "staging", "offline"}, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
	assert.Contains(t, out.String(), "  3. offline")
	assert.Contains(t, out.String(), "between 1 and 3")

	p, _ = prompter("\n")
	idx, err = p.PromptChoice("Mode?", []string{"direct", "staging"}, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
}
