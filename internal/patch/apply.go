package patch

import (
	"fmt"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// Apply runs a single rule against the current content of its target file.
// It returns the rewritten content and whether the rule matched anything.
// An absent pattern is reported as applied=false, never as an error;
// deciding whether that is fatal is the caller's policy.
func Apply(content []byte, rule *Rule) ([]byte, bool, error) {
	switch rule.Op {
	case OpReplace:
		out, applied := applyReplace(content, rule)
		return out, applied, nil
	case OpReplaceBlock:
		return applyReplaceBlock(content, rule)
	case OpDeleteLines:
		return applyDeleteLines(content, rule)
	case OpSetField:
		return applySetField(content, rule)
	default:
		return nil, false, fmt.Errorf("%q: %w", rule.Op, errUnknownOp)
	}
}

// applyReplace substitutes every occurrence of the literal find string.
// Once all occurrences are consumed a re-application is a safe no-op.
func applyReplace(content []byte, rule *Rule) ([]byte, bool) {
	s := string(content)
	if !strings.Contains(s, rule.Find) {
		return content, false
	}

	return []byte(strings.ReplaceAll(s, rule.Find, rule.Replace)), true
}

// applyReplaceBlock locates the start anchor, then the first end anchor after
// it, and swaps the whole inclusive block for the replacement text.
// A missing anchor (or an end anchor only before the start) is a no-op.
func applyReplaceBlock(content []byte, rule *Rule) ([]byte, bool, error) {
	startRe, err := compileAnchor(rule.Start)
	if err != nil {
		return nil, false, fmt.Errorf("start anchor: %w", err)
	}

	endRe, err := compileAnchor(rule.End)
	if err != nil {
		return nil, false, fmt.Errorf("end anchor: %w", err)
	}

	s := string(content)

	startLoc := startRe.FindStringIndex(s)
	if startLoc == nil {
		return content, false, nil
	}

	endLoc := endRe.FindStringIndex(s[startLoc[1]:])
	if endLoc == nil {
		return content, false, nil
	}

	blockEnd := startLoc[1] + endLoc[1]

	return []byte(s[:startLoc[0]] + rule.Replace + s[blockEnd:]), true, nil
}

// applyDeleteLines removes the inclusive 1-based line range.
// A range starting beyond the last line is a no-op; a range ending beyond it
// is clamped. Deleting by position is inherently not idempotent: a second
// application removes whatever moved into the range.
func applyDeleteLines(content []byte, rule *Rule) ([]byte, bool, error) {
	lines := strings.Split(string(content), "\n")

	// A trailing newline yields a final empty element; keep it out of the
	// line count so the original file ending survives the rewrite.
	lineCount := len(lines)
	if lineCount > 0 && lines[lineCount-1] == "" {
		lineCount--
	}

	if rule.FromLine > lineCount {
		return content, false, nil
	}

	to := min(rule.ToLine, lineCount)
	kept := slices.Concat(lines[:rule.FromLine-1], lines[to:])

	return []byte(strings.Join(kept, "\n")), true, nil
}

// applySetField parses the target as YAML, walks the dotted key path through
// nested mappings and sets the scalar at the end, keeping the rest of the
// document structure intact. A missing path is a no-op; an unparseable
// document or a non-scalar target is an error.
func applySetField(content []byte, rule *Rule) ([]byte, bool, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, false, fmt.Errorf("parse %s: %w", rule.File, err)
	}

	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return content, false, nil
	}

	target := findMappingValue(doc.Content[0], strings.Split(rule.Key, "."))
	if target == nil {
		return content, false, nil
	}

	if target.Kind != yaml.ScalarNode {
		return nil, false, fmt.Errorf("key %s: %w", rule.Key, errFieldNotScalar)
	}

	target.SetString(rule.Value)

	out, err := yaml.Marshal(doc.Content[0])
	if err != nil {
		return nil, false, fmt.Errorf("render %s: %w", rule.File, err)
	}

	return out, true, nil
}

// findMappingValue walks nested mapping nodes along the key path and returns
// the value node at the end, or nil when any step is missing.
func findMappingValue(node *yaml.Node, keyPath []string) *yaml.Node {
	current := node

	for _, key := range keyPath {
		if current.Kind != yaml.MappingNode {
			return nil
		}

		var next *yaml.Node

		// Mapping content alternates key and value nodes.
		for i := 0; i+1 < len(current.Content); i += 2 {
			if current.Content[i].Value == key {
				next = current.Content[i+1]
				break
			}
		}

		if next == nil {
			return nil
		}

		current = next
	}

	return current
}
