package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/rendis/gridflow/internal/expressions"
	"github.com/rendis/gridflow/pkg/schema"
)

// AI output formats.
const (
	AIOutputText = "text"
	AIOutputJSON = "json"
	AIOutputList = "list"
)

const defaultListDelimiter = ", "

var (
	codeFence  = regexp.MustCompile("(?s)^```[a-zA-Z]*\\s*(.*?)\\s*```$")
	listMarker = regexp.MustCompile(`^(?:[-*•]|\d+[.)])\s+`)
)

// Normalize renders an adapter result as the single string stored in a
// cell: arrays are joined with ", ", objects become JSON, numbers use the
// shortest decimal form.
func Normalize(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case json.Number:
		return val.String()
	case []any:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			parts = append(parts, Normalize(item))
		}
		return strings.Join(parts, ", ")
	case []string:
		return strings.Join(val, ", ")
	case map[string]any:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	}
}

// ExtractOutput applies an optional output path to result and normalizes
// the outcome. A missing path falls back to the whole result.
func ExtractOutput(ctx context.Context, jq *expressions.GoJQEngine, result any, path string) string {
	if path != "" && jq != nil {
		if v, ok := jq.Extract(ctx, result, path); ok {
			return strings.TrimSpace(Normalize(v))
		}
	}
	return strings.TrimSpace(Normalize(result))
}

// ParseAIOutput shapes a raw completion per the column's output format.
func ParseAIOutput(ctx context.Context, jq *expressions.GoJQEngine, raw string, cfg *schema.AIConfig) (string, error) {
	text := strings.TrimSpace(raw)
	format := AIOutputText
	if cfg != nil && cfg.OutputFormat != "" {
		format = cfg.OutputFormat
	}

	switch format {
	case AIOutputJSON:
		body := stripCodeFence(text)
		var v any
		if err := json.Unmarshal([]byte(body), &v); err != nil {
			return "", schema.NewErrorf(schema.ErrCodeAdapter, "AI response is not valid JSON: %s", err.Error()).WithCause(err)
		}
		return ExtractOutput(ctx, jq, v, cfg.JSONPath), nil
	case AIOutputList:
		delim := defaultListDelimiter
		if cfg.Delimiter != "" {
			delim = cfg.Delimiter
		}
		return strings.Join(splitList(stripCodeFence(text)), delim), nil
	default:
		return strings.Trim(text, `"`), nil
	}
}

func stripCodeFence(s string) string {
	if m := codeFence.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	return s
}

// splitList splits a list reply on newlines, commas or semicolons and strips
// bullet and numbering markers.
func splitList(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == '\n' || r == ',' || r == ';'
	})
	items := make([]string, 0, len(fields))
	for _, f := range fields {
		item := strings.TrimSpace(listMarker.ReplaceAllString(strings.TrimSpace(f), ""))
		if item != "" {
			items = append(items, item)
		}
	}
	return items
}
