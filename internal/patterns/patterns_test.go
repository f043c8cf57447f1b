package patterns

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetCompiledCachesResultAndError(t *testing.T) {
	r1, err := GetCompiled("^Legal/")
	require.NoError(t, err)
	r2, err := GetCompiled("^Legal/")
	require.NoError(t, err)
	assert.Same(t, r1, r2)

	_, err = GetCompiled("(")
	require.Error(t, err)
	_, err2 := GetCompiled("(")
	assert.Equal(t, err, err2)
}

func TestMatcher(t *testing.T) {
	m, err := NewMatcher([]string{"^Legal/", "(?i)^audit$"})
	require.NoError(t, err)
	assert.True(t, m.Match("Legal/Contracts"))
	assert.True(t, m.Match("AUDIT"))
	assert.False(t, m.Match("Newsletters"))

	var none *Matcher
	assert.False(t, none.Match("anything"))

	_, err = NewMatcher([]string{"["})
	assert.Error(t, err)
}
