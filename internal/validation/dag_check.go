package validation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rendis/gridflow/internal/expressions"
	"github.com/rendis/gridflow/pkg/schema"
)

// columnDependencies returns the IDs of the columns whose values col reads:
// adapter inputs, merge sources, and template references.
func columnDependencies(col *schema.Column, byName map[string]*schema.Column, resolver *expressions.TemplateResolver) []string {
	var deps []string
	addName := func(name string) {
		if c, ok := byName[strings.ToLower(name)]; ok {
			deps = append(deps, c.ID)
		}
	}
	addTemplate := func(tmpl string) {
		for _, name := range resolver.References(tmpl) {
			addName(name)
		}
	}

	deps = append(deps, col.InputColumnIDs()...)
	switch cfg := col.Config.(type) {
	case *schema.FormulaConfig:
		addTemplate(cfg.Expression)
	case *schema.MergeConfig:
		for _, ref := range cfg.SourceColumns {
			if _, ok := byName[strings.ToLower(ref)]; ok {
				addName(ref)
				continue
			}
			deps = append(deps, ref)
		}
	case *schema.AIConfig:
		addTemplate(cfg.Prompt)
		addTemplate(cfg.SystemPrompt)
	case *schema.HTTPConfig:
		addTemplate(cfg.URL)
		addTemplate(cfg.Body)
		for _, v := range cfg.Headers {
			addTemplate(v)
		}
	}
	return deps
}

// validateDAG rejects column dependency cycles using Kahn's algorithm.
func validateDAG(table []*schema.Column) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	ids := make(map[string]bool, len(table))
	byName := make(map[string]*schema.Column, len(table))
	for _, c := range table {
		ids[c.ID] = true
		if _, dup := byName[strings.ToLower(c.Name)]; !dup {
			byName[strings.ToLower(c.Name)] = c
		}
	}
	resolver := expressions.NewTemplateResolver(columnNames(table))

	// edges[id] = columns id reads, reverse[id] = columns that read id.
	edges := make(map[string][]string, len(table))
	reverse := make(map[string][]string, len(table))
	for _, c := range table {
		seen := make(map[string]bool)
		for _, dep := range columnDependencies(c, byName, resolver) {
			if !ids[dep] || seen[dep] {
				continue // dangling refs are reported by the semantic stage
			}
			seen[dep] = true
			edges[c.ID] = append(edges[c.ID], dep)
			reverse[dep] = append(reverse[dep], c.ID)
		}
	}

	inDegree := make(map[string]int, len(table))
	queue := make([]string, 0, len(table))
	for id := range ids {
		inDegree[id] = len(edges[id])
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	visited := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited++
		for _, dependent := range reverse[node] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if visited != len(ids) {
		var stuck []string
		for _, c := range table {
			if inDegree[c.ID] > 0 {
				stuck = append(stuck, c.Name)
			}
		}
		result.AddError("config", schema.ErrCodeValidation,
			fmt.Sprintf("column dependencies contain a cycle through %s", strings.Join(stuck, ", ")))
	}
	return result
}
