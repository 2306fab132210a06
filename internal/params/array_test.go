package params

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArrayTokens(t *testing.T) {
	toks, err := ArrayTokens("[1, 2, 3, 4, 5]")
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2", "3", "4", "5"}, toks)

	toks, err = ArrayTokens("['1', '2', '3']")
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2", "3"}, toks)
}

func TestArrayTokensQuoting(t *testing.T) {
	// Quoted comma stays inside the token; escaped quote is unescaped.
	toks, err := ArrayTokens(`['a,b', "c\"d", 4]`)
	require.NoError(t, err)
	assert.Equal(t, []string{"a,b", `c"d`, "4"}, toks)

	toks, err = ArrayTokens(`['This "is \'a\'" test']`)
	require.NoError(t, err)
	assert.Equal(t, []string{`This "is 'a'" test`}, toks)

	// Escapes of the other quote style are kept verbatim.
	toks, err = ArrayTokens(`['This "is \"a\"" test']`)
	require.NoError(t, err)
	assert.Equal(t, []string{`This "is \"a\"" test`}, toks)
}

func TestArrayTokensWhitespace(t *testing.T) {
	toks, err := ArrayTokens("[  a ,  b ,'  c ' ]")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "  c "}, toks)
}

func TestArrayTokensUnterminatedQuote(t *testing.T) {
	_, err := ArrayTokens(`['open, b]`)
	assert.ErrorIs(t, err, ErrUnterminatedQuote)
}
