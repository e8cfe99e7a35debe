package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/oshokin/package-conveyor/internal/logger"
	"github.com/oshokin/package-conveyor/internal/patch"
)

// applyPatches is stage three. Rules run in declaration order against the
// fetched source tree; later rules see the edits of earlier ones. A rule
// that matches nothing is a warning unless strict patching is on.
func (p *runner) applyPatches(ctx context.Context) error {
	for i := range p.cfg.Patches {
		rule := &p.cfg.Patches[i]

		applied, err := p.applyRule(rule)
		if err != nil {
			return fmt.Errorf("%w: rule %d (%s): %w", ErrPatchFailed, i+1, rule.Describe(), err)
		}

		if applied {
			logger.InfoKV(ctx, "Patch applied", "rule", i+1, "target", rule.File)
			continue
		}

		if p.opts.StrictPatches {
			return fmt.Errorf("%w: rule %d (%s)", ErrPatchNotApplied, i+1, rule.Describe())
		}

		logger.WarnKV(ctx, "Patch matched nothing", "rule", i+1, "target", rule.File)
	}

	return nil
}

// applyRule rewrites the rule's target in place, preserving its permissions.
func (p *runner) applyRule(rule *patch.Rule) (bool, error) {
	target, err := p.workspacePath(rule.File)
	if err != nil {
		return false, err
	}

	info, err := os.Stat(target)
	if err != nil {
		return false, fmt.Errorf("stat target: %w", err)
	}

	content, err := os.ReadFile(target)
	if err != nil {
		return false, fmt.Errorf("read target: %w", err)
	}

	patched, applied, err := patch.Apply(content, rule)
	if err != nil {
		return false, err
	}

	if !applied {
		return false, nil
	}

	if err = os.WriteFile(target, patched, info.Mode().Perm()); err != nil {
		return false, fmt.Errorf("write target: %w", err)
	}

	return true, nil
}

// workspacePath maps a rule's slash-separated target onto the source tree,
// refusing paths that resolve outside of it.
func (p *runner) workspacePath(target string) (string, error) {
	resolved := filepath.Join(p.srcDir, filepath.FromSlash(target))
	if !strings.HasPrefix(resolved, p.srcDir+string(os.PathSeparator)) {
		return "", fmt.Errorf("%s: %w", target, errTargetOutsideWorkspace)
	}

	return resolved, nil
}
