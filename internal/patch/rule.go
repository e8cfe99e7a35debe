package patch

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
)

// Op names one of the supported transformation kinds.
type Op string

const (
	// OpReplace substitutes every occurrence of a literal substring.
	OpReplace Op = "replace"
	// OpReplaceBlock swaps the block between two anchored regexes, anchors included.
	OpReplaceBlock Op = "replace-block"
	// OpDeleteLines removes an inclusive 1-based line range.
	OpDeleteLines Op = "delete-lines"
	// OpSetField sets a scalar value at a dotted key path in a YAML document.
	OpSetField Op = "set-field"
)

var (
	errUnknownOp       = errors.New("unknown patch operation")
	errFileRequired    = errors.New("patch rule needs a target file")
	errFileOutsideTree = errors.New("patch target must stay inside the workspace")
	errFindRequired    = errors.New("replace rule needs a find string")
	errAnchorsRequired = errors.New("replace-block rule needs start and end anchors")
	errBadLineRange    = errors.New("delete-lines rule needs 1 <= from_line <= to_line")
	errKeyRequired     = errors.New("set-field rule needs a key path")
	errFieldNotScalar  = errors.New("set-field target is not a scalar")
)

// Rule is a single deterministic transformation applied to one file in the
// workspace. Rules are applied in configuration order against the file's
// current content, so later rules may rely on earlier edits.
type Rule struct {
	// File is the workspace-relative path of the target file (forward slashes).
	File string `yaml:"file"`
	// Op selects the transformation kind.
	Op Op `yaml:"op"`

	// Find is the literal substring located by a replace rule.
	Find string `yaml:"find,omitempty"`
	// Replace is the replacement text for replace and replace-block rules.
	Replace string `yaml:"replace,omitempty"`

	// Start and End are multiline-anchored regexes delimiting a replace-block rule.
	Start string `yaml:"start,omitempty"`
	End   string `yaml:"end,omitempty"`

	// FromLine and ToLine bound an inclusive delete-lines range, 1-based.
	FromLine int `yaml:"from_line,omitempty"`
	ToLine   int `yaml:"to_line,omitempty"`

	// Key is the dotted path of a set-field rule; Value is the scalar to set.
	Key   string `yaml:"key,omitempty"`
	Value string `yaml:"value,omitempty"`
}

// Validate checks the per-operation required fields and compiles the
// regexes once so malformed rules fail configuration loading, not the run.
func (r *Rule) Validate() error {
	if err := validateTargetPath(r.File); err != nil {
		return err
	}

	switch r.Op {
	case OpReplace:
		if r.Find == "" {
			return errFindRequired
		}
	case OpReplaceBlock:
		if r.Start == "" || r.End == "" {
			return errAnchorsRequired
		}

		if _, err := compileAnchor(r.Start); err != nil {
			return fmt.Errorf("start anchor: %w", err)
		}

		if _, err := compileAnchor(r.End); err != nil {
			return fmt.Errorf("end anchor: %w", err)
		}
	case OpDeleteLines:
		if r.FromLine < 1 || r.ToLine < r.FromLine {
			return errBadLineRange
		}
	case OpSetField:
		if r.Key == "" {
			return errKeyRequired
		}
	default:
		return fmt.Errorf("%q: %w", r.Op, errUnknownOp)
	}

	return nil
}

// Describe renders a short human-readable summary of the rule for logs.
func (r *Rule) Describe() string {
	switch r.Op {
	case OpReplace:
		return fmt.Sprintf("replace %q in %s", r.Find, r.File)
	case OpReplaceBlock:
		return fmt.Sprintf("replace block %s..%s in %s", r.Start, r.End, r.File)
	case OpDeleteLines:
		return fmt.Sprintf("delete lines %d..%d in %s", r.FromLine, r.ToLine, r.File)
	case OpSetField:
		return fmt.Sprintf("set %s in %s", r.Key, r.File)
	default:
		return fmt.Sprintf("%s in %s", r.Op, r.File)
	}
}

// validateTargetPath rejects absolute paths and traversal out of the workspace.
func validateTargetPath(target string) error {
	if target == "" {
		return errFileRequired
	}

	if strings.HasPrefix(target, "/") {
		return fmt.Errorf("%s: %w", target, errFileOutsideTree)
	}

	cleaned := path.Clean(target)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return fmt.Errorf("%s: %w", target, errFileOutsideTree)
	}

	return nil
}

// compileAnchor compiles an anchor pattern in multiline mode so that
// ^ and $ match at line boundaries of the target file.
func compileAnchor(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile("(?m)" + pattern)
}
