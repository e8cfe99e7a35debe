package patch

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// TestApplyReplace verifies literal substitution of every occurrence and the
// safe no-op once the pattern is consumed.
func TestApplyReplace(t *testing.T) {
	t.Parallel()

	rule := &Rule{File: "Dockerfile", Op: OpReplace, Find: "centos:7", Replace: "debian:bookworm"}
	content := []byte("FROM centos:7\nLABEL base=centos:7\n")

	out, applied, err := Apply(content, rule)
	require.NoError(t, err)
	require.True(t, applied)
	require.Equal(t, "FROM debian:bookworm\nLABEL base=debian:bookworm\n", string(out))

	// Re-applying after all occurrences are gone is a safe no-op.
	again, applied, err := Apply(out, rule)
	require.NoError(t, err)
	require.False(t, applied)
	require.Equal(t, out, again)

	// Absent pattern leaves the content untouched.
	out, applied, err = Apply([]byte("FROM alpine\n"), rule)
	require.NoError(t, err)
	require.False(t, applied)
	require.Equal(t, "FROM alpine\n", string(out))
}

// TestApplyReplaceBlock verifies the inclusive anchored block swap and its
// no-op behavior once the anchors are rewritten away.
func TestApplyReplaceBlock(t *testing.T) {
	t.Parallel()

	rule := &Rule{
		File:    "build.sh",
		Op:      OpReplaceBlock,
		Start:   `^# begin-tests$`,
		End:     `^# end-tests$`,
		Replace: "# tests disabled",
	}
	content := []byte("FROM centos:7\n# begin-tests\nrun_tests --all\n# end-tests\nCMD [\"run\"]\n")

	out, applied, err := Apply(content, rule)
	require.NoError(t, err)
	require.True(t, applied)
	require.Equal(t, "FROM centos:7\n# tests disabled\nCMD [\"run\"]\n", string(out))

	// The anchors were replaced, so a second application silently no-ops.
	again, applied, err := Apply(out, rule)
	require.NoError(t, err)
	require.False(t, applied)
	require.Equal(t, out, again)

	// An end anchor only before the start anchor does not form a block.
	skewed := []byte("# end-tests\nx\n# begin-tests\n")
	out, applied, err = Apply(skewed, rule)
	require.NoError(t, err)
	require.False(t, applied)
	require.Equal(t, skewed, out)
}

// TestApplyDeleteLines verifies range deletion, clamping, the no-op past EOF,
// and documents that deleting by position is not idempotent.
func TestApplyDeleteLines(t *testing.T) {
	t.Parallel()

	content := []byte("l1\nl2\nl3\nl4\n")

	out, applied, err := Apply(content, &Rule{File: "rules", Op: OpDeleteLines, FromLine: 2, ToLine: 3})
	require.NoError(t, err)
	require.True(t, applied)
	require.Equal(t, "l1\nl4\n", string(out))

	// Range entirely past the end of the file is a no-op.
	out, applied, err = Apply(content, &Rule{File: "rules", Op: OpDeleteLines, FromLine: 10, ToLine: 12})
	require.NoError(t, err)
	require.False(t, applied)
	require.Equal(t, content, out)

	// Range ending past the end is clamped.
	out, applied, err = Apply(content, &Rule{File: "rules", Op: OpDeleteLines, FromLine: 3, ToLine: 99})
	require.NoError(t, err)
	require.True(t, applied)
	require.Equal(t, "l1\nl2\n", string(out))

	// Not idempotent: a second application removes whatever moved into the range.
	rule := &Rule{File: "rules", Op: OpDeleteLines, FromLine: 2, ToLine: 2}

	first, applied, err := Apply([]byte("a\nb\nc\nd\n"), rule)
	require.NoError(t, err)
	require.True(t, applied)
	require.Equal(t, "a\nc\nd\n", string(first))

	second, applied, err := Apply(first, rule)
	require.NoError(t, err)
	require.True(t, applied)
	require.NotEqual(t, string(first), string(second))
	require.Equal(t, "a\nd\n", string(second))
}

// TestApplySetField verifies the structured YAML transform: nested key set,
// missing-path no-op, idempotence, and errors on bad documents or targets.
func TestApplySetField(t *testing.T) {
	t.Parallel()

	doc := []byte("base:\n  image: centos:7\n  tag: \"7\"\nbuild:\n  jobs: 4\n")
	rule := &Rule{File: "defaults.yaml", Op: OpSetField, Key: "base.image", Value: "debian:bookworm"}

	out, applied, err := Apply(doc, rule)
	require.NoError(t, err)
	require.True(t, applied)

	var parsed struct {
		Base struct {
			Image string `yaml:"image"`
			Tag   string `yaml:"tag"`
		} `yaml:"base"`
		Build struct {
			Jobs int `yaml:"jobs"`
		} `yaml:"build"`
	}

	require.NoError(t, yaml.Unmarshal(out, &parsed))
	require.Equal(t, "debian:bookworm", parsed.Base.Image)
	require.Equal(t, "7", parsed.Base.Tag)
	require.Equal(t, 4, parsed.Build.Jobs)

	// Setting the same value again yields identical output.
	again, applied, err := Apply(out, rule)
	require.NoError(t, err)
	require.True(t, applied)
	require.Equal(t, string(out), string(again))

	// Missing path is a lenient no-op.
	out, applied, err = Apply(doc, &Rule{File: "defaults.yaml", Op: OpSetField, Key: "base.missing.deep", Value: "x"})
	require.NoError(t, err)
	require.False(t, applied)
	require.Equal(t, doc, out)

	// A non-scalar target is an error, not a silent rewrite.
	_, _, err = Apply(doc, &Rule{File: "defaults.yaml", Op: OpSetField, Key: "base", Value: "x"})
	require.Error(t, err)

	// Unparseable documents are errors.
	_, _, err = Apply([]byte("base: [unclosed"), rule)
	require.Error(t, err)
}

// TestApplyOrderSensitivity shows [A, B] differs from [B, A] when B's pattern
// depends on A's edit.
func TestApplyOrderSensitivity(t *testing.T) {
	t.Parallel()

	ruleA := &Rule{File: "Dockerfile", Op: OpReplace, Find: "FROM base", Replace: "FROM debian"}
	ruleB := &Rule{File: "Dockerfile", Op: OpReplace, Find: "FROM debian", Replace: "FROM debian:bookworm"}
	content := []byte("FROM base\n")

	applyAll := func(rules ...*Rule) string {
		out := content
		for _, rule := range rules {
			var err error

			out, _, err = Apply(out, rule)
			require.NoError(t, err)
		}

		return string(out)
	}

	require.Equal(t, "FROM debian:bookworm\n", applyAll(ruleA, ruleB))
	require.Equal(t, "FROM debian\n", applyAll(ruleB, ruleA))
}
