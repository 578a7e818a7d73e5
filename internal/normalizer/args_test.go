package normalizer

import (
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

// TestPromoteArgs tests positional arg promotion from both python repr and
// JSON array inputs.
func TestPromoteArgs(t *testing.T) {
	cases := []struct {
		name string
		args string
		want map[string]string
	}{
		{"empty tuple", "()", nil},
		{"empty list", "[]", nil},
		{"blank", "   ", nil},
		{"python repr", "('john', 42)", map[string]string{"args_0": "john", "args_1": "42"}},
		{"json array", `["john", 42, true]`, map[string]string{"args_0": "john", "args_1": "42", "args_2": "true"}},
		{"nested stays one value", "([1, 2], 'x')", map[string]string{"args_0": "[1, 2]", "args_1": "x"}},
		{"comma inside quotes", "('a,b', 'c')", map[string]string{"args_0": "a,b", "args_1": "c"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, PromoteArgs(tc.args, 3, 256))
		})
	}
}

// TestPromoteArgsBounds tests the promotion count and value length caps.
func TestPromoteArgsBounds(t *testing.T) {
	promoted := PromoteArgs("(1, 2, 3, 4, 5)", 3, 256)
	assert.Len(t, promoted, 3)

	long := PromoteArgs("('aaaaaaaaaa',)", 3, 4)
	assert.Equal(t, "aaaa", long["args_0"])
}

// TestFlattenKwargs tests dotted-path flattening with depth, list and
// string caps.
func TestFlattenKwargs(t *testing.T) {
	opts := FlattenOptions{MaxDepth: 12, MaxListItems: 100, MaxStringLen: 1024}

	flat := FlattenKwargs(`{"user": {"name": "john", "tags": ["a", "b"]}, "count": 3}`, opts)
	assert.Equal(t, "john", flat["user.name"])
	assert.Equal(t, "a", flat["user.tags.0"])
	assert.Equal(t, "b", flat["user.tags.1"])
	assert.Equal(t, float64(3), flat["count"])

	// Scalar coercion of stringy values.
	flat = FlattenKwargs(`{"enabled": "true", "ratio": "0.5", "n": "42", "plain": "x"}`, opts)
	assert.Equal(t, true, flat["enabled"])
	assert.Equal(t, 0.5, flat["ratio"])
	assert.Equal(t, int64(42), flat["n"])
	assert.Equal(t, "x", flat["plain"])

	// Empty containers are kept as markers.
	flat = FlattenKwargs(`{"a": {}, "b": []}`, opts)
	assert.Equal(t, "{}", flat["a"])
	assert.Equal(t, "[]", flat["b"])
}

// TestFlattenKwargsDepthCap tests that nesting past the cap collapses to a
// JSON string instead of recursing.
func TestFlattenKwargsDepthCap(t *testing.T) {
	opts := FlattenOptions{MaxDepth: 2, MaxListItems: 10, MaxStringLen: 1024}

	flat := FlattenKwargs(`{"a": {"b": {"c": {"d": 1}}}}`, opts)
	assert.Equal(t, `{"d":1}`, flat["a.b.c"])
}

// TestFlattenKwargsListCap tests the list item bound.
func TestFlattenKwargsListCap(t *testing.T) {
	opts := FlattenOptions{MaxDepth: 12, MaxListItems: 2, MaxStringLen: 1024}

	flat := FlattenKwargs(`{"xs": [1, 2, 3, 4]}`, opts)
	assert.Equal(t, float64(1), flat["xs.0"])
	assert.Equal(t, float64(2), flat["xs.1"])
	assert.NotContains(t, flat, "xs.2")
}

// TestFlattenKwargsUnparseable tests that non-JSON kwargs yield nil.
func TestFlattenKwargsUnparseable(t *testing.T) {
	assert.Nil(t, FlattenKwargs("{'python': 'repr'}", FlattenOptions{MaxDepth: 12, MaxListItems: 10, MaxStringLen: 100}))
	assert.Nil(t, FlattenKwargs("", FlattenOptions{}))
	assert.Nil(t, FlattenKwargs("{}", FlattenOptions{}))
}

// TestSplitName tests module/function derivation from dotted task names.
func TestSplitName(t *testing.T) {
	module, function := SplitName("myproject.app.tasks.process_data")
	assert.Equal(t, "myproject.app.tasks", module)
	assert.Equal(t, "process_data", function)

	module, function = SplitName("standalone")
	assert.Equal(t, "", module)
	assert.Equal(t, "standalone", function)
}

// TestExtractStacktrace tests python classification and the unknown
// fallback.
func TestExtractStacktrace(t *testing.T) {
	py := "Traceback (most recent call last):\n" +
		"  File \"app.py\", line 10, in run\n" +
		"    raise ValueError('bad input')\n" +
		"ValueError: bad input"
	st := ExtractStacktrace(py)
	assert.Equal(t, "python", st.Lang)
	assert.Equal(t, "ValueError", st.Error.Type)
	assert.Equal(t, "bad input", st.Error.Message)

	dotted := "Traceback (most recent call last):\n" +
		"celery.exceptions.Retry: retry in 5s"
	st = ExtractStacktrace(dotted)
	assert.Equal(t, "python", st.Lang)
	assert.Equal(t, "celery.exceptions.Retry", st.Error.Type)

	st = ExtractStacktrace("panic: runtime error")
	assert.Equal(t, "unknown", st.Lang)
	assert.Equal(t, "panic: runtime error", st.Trace)
	assert.Empty(t, st.Error.Type)
}

// TestClipStringRuneBoundary tests that byte-capped truncation backs off to
// a rune boundary instead of emitting invalid UTF-8.
func TestClipStringRuneBoundary(t *testing.T) {
	assert.Equal(t, "abc", clipString("abc", 3))
	assert.Equal(t, "ab", clipString("abc", 2))
	assert.Equal(t, "abc", clipString("abc", 0))

	// 'é' is two bytes; a cap landing inside it drops the whole rune.
	assert.Equal(t, "h", clipString("héllo", 2))
	// Each rune of "日本語" is three bytes.
	assert.Equal(t, "日", clipString("日本語", 4))
	assert.Equal(t, "", clipString("日", 2))

	clipped := clipString("x"+string([]rune{0x65e5, 0x672c, 0x8a9e}), 5)
	assert.True(t, utf8.ValidString(clipped))
}

// TestPromoteArgsMultibyteTruncation tests that the value cap never splits
// a multi-byte argument value.
func TestPromoteArgsMultibyteTruncation(t *testing.T) {
	promoted := PromoteArgs("('héllo',)", 3, 2)
	assert.Equal(t, "h", promoted["args_0"])
	assert.True(t, utf8.ValidString(promoted["args_0"]))
}
