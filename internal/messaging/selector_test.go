package messaging

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func props(kv ...string) map[string]string {
	m := map[string]string{}
	for i := 0; i+1 < len(kv); i += 2 {
		m[kv[i]] = kv[i+1]
	}
	return m
}

func TestEmptySelectorMatchesEverything(t *testing.T) {
	s, err := ParseSelector("  ")
	require.NoError(t, err)
	assert.True(t, s.Matches(nil))
	assert.True(t, s.Matches(props("job_key", "a")))

	var nilSelector *Selector
	assert.True(t, nilSelector.Matches(nil))
}

func TestSelectorEvaluation(t *testing.T) {
	cases := []struct {
		expr  string
		props map[string]string
		want  bool
	}{
		{"job_key = 'a'", props("job_key", "a"), true},
		{"job_key = 'a'", props("job_key", "b"), false},
		{"job_key <> 'a'", props("job_key", "b"), true},
		{"job_key != 'a'", props("job_key", "a"), false},
		{"job_key IN ('a', 'b')", props("job_key", "b"), true},
		{"job_key IN ('a', 'b')", props("job_key", "c"), false},
		{"job_key NOT IN ('a')", props("job_key", "c"), true},
		{"job_key NOT IN ('a')", props("job_key", "a"), false},
		{"job_key not in ('a')", props("job_key", "z"), true},
		{"job_key IN ()", props("job_key", "a"), false},
		{"TRUE", nil, true},
		{"FALSE", props("job_key", "a"), false},
		{"NOT FALSE", nil, true},
		{"job_key IS NULL", nil, true},
		{"job_key IS NOT NULL", props("job_key", "a"), true},
		{"job_key = 'a' AND owner = 'acme'", props("job_key", "a", "owner", "acme"), true},
		{"job_key = 'a' AND owner = 'acme'", props("job_key", "a", "owner", "x"), false},
		{"job_key = 'a' OR owner = 'acme'", props("job_key", "b", "owner", "acme"), true},
		{"(job_key = 'a' OR job_key = 'b') AND NOT owner = 'x'", props("job_key", "b", "owner", "y"), true},
		{"job_key = 'it''s'", props("job_key", "it's"), true},
		{"priority = 5", props("priority", "5"), true},
	}

	for _, tc := range cases {
		s, err := ParseSelector(tc.expr)
		require.NoError(t, err, tc.expr)
		assert.Equal(t, tc.want, s.Matches(tc.props), "%s with %v", tc.expr, tc.props)
	}
}

// TestMissingPropertyIsUnknown checks SQL three-valued logic: neither a
// comparison nor its negation matches when the property is absent
func TestMissingPropertyIsUnknown(t *testing.T) {
	for _, expr := range []string{
		"job_key = 'a'",
		"job_key <> 'a'",
		"job_key IN ('a')",
		"job_key NOT IN ('a')",
		"NOT job_key = 'a'",
	} {
		s := MustParseSelector(expr)
		assert.False(t, s.Matches(props("other", "x")), expr)
	}

	s := MustParseSelector("job_key = 'a' OR TRUE")
	assert.True(t, s.Matches(nil), "unknown OR true is true")
}

func TestInvalidSelectors(t *testing.T) {
	for _, expr := range []string{
		"job_key =",
		"job_key IN 'a'",
		"job_key IN ('a'",
		"job_key = 'unterminated",
		"(job_key = 'a'",
		"job_key = 'a' garbage",
		"AND",
		"job_key IS 'a'",
		"job_key # 'a'",
	} {
		_, err := ParseSelector(expr)
		assert.True(t, errors.Is(err, ErrInvalidSelector), "%s: %v", expr, err)
	}

	assert.Panics(t, func() { MustParseSelector("(") })
}

func TestQuoteLiteral(t *testing.T) {
	assert.Equal(t, "'plain'", QuoteLiteral("plain"))
	assert.Equal(t, "'it''s'", QuoteLiteral("it's"))

	s := MustParseSelector("job_key = " + QuoteLiteral("o'brien"))
	assert.True(t, s.Matches(props("job_key", "o'brien")))
}
