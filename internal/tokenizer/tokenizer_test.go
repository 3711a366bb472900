package tokenizer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestForModel_UnknownModelFallsBackToApproximate(t *testing.T) {
	c := ForModel("some-future-model-nobody-has-heard-of")
	count := c.Count("one two three four five")
	require.True(t, count.Approximate)
	require.Greater(t, count.Tokens, 0)
}

func TestForModel_KnownModelIsDeterministic(t *testing.T) {
	c := ForModel("gpt-4-turbo")
	a := c.Count("hello world, this is a test sentence.")
	b := c.Count("hello world, this is a test sentence.")
	require.Equal(t, a, b)
}
