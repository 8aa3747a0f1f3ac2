package columns

import (
	"strings"

	"github.com/rendis/gridflow/pkg/schema"
)

// Merge empty-value policies and output shapes.
const (
	EmptySkip        = "skip"
	EmptyInclude     = "include"
	EmptyPlaceholder = "placeholder"

	OutputText    = "text"
	OutputBullets = "bullets"
)

const (
	defaultSeparator   = ", "
	defaultPlaceholder = "N/A"
	bullet             = "• "
)

// Merge joins the raw values of a merge column's sources. Empty values are
// skipped, kept, or replaced according to the config's policy. Bullet output
// puts one "• value" per line and ignores the separator.
func Merge(values []string, cfg *schema.MergeConfig) string {
	policy := EmptySkip
	sep := defaultSeparator
	placeholder := defaultPlaceholder
	output := OutputText
	if cfg != nil {
		if cfg.EmptyPolicy != "" {
			policy = cfg.EmptyPolicy
		}
		if cfg.Separator != nil {
			sep = *cfg.Separator
		}
		if cfg.Placeholder != "" {
			placeholder = cfg.Placeholder
		}
		if cfg.Output != "" {
			output = cfg.Output
		}
	}

	parts := make([]string, 0, len(values))
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			parts = append(parts, v)
			continue
		}
		switch policy {
		case EmptyInclude:
			parts = append(parts, "")
		case EmptyPlaceholder:
			parts = append(parts, placeholder)
		}
	}

	if output == OutputBullets {
		lines := make([]string, len(parts))
		for i, p := range parts {
			lines[i] = bullet + p
		}
		return strings.Join(lines, "\n")
	}
	return strings.Join(parts, sep)
}
