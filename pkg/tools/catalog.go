package tools

import (
	"fmt"

	"github.com/samber/lo"
)

// ToolInfo describes a built-in tool for operator listings
type ToolInfo struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Category    string `json:"category"`
	Enabled     bool   `json:"enabled"`
}

// Catalog lists the built-in tools and which of them a registry enables.
type Catalog struct {
	registry *Registry
}

// NewCatalog creates a catalog for r. A nil registry reports every tool as
// disabled.
func NewCatalog(r *Registry) *Catalog {
	return &Catalog{registry: r}
}

// ListAll returns every built-in tool in declaration order
func (c *Catalog) ListAll() []ToolInfo {
	return lo.Map(builtins, func(b builtin, _ int) ToolInfo {
		return c.info(b.def)
	})
}

// ListByCategory returns built-in tools filtered by category
func (c *Catalog) ListByCategory(category string) []ToolInfo {
	return lo.Filter(c.ListAll(), func(t ToolInfo, _ int) bool {
		return t.Category == category
	})
}

// GetToolInfo returns info for a specific tool
func (c *Catalog) GetToolInfo(id string) (*ToolInfo, error) {
	b, ok := lookupBuiltin(ToolID(id))
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedTool, id)
	}
	info := c.info(b.def)
	return &info, nil
}

// GetCategories returns all available categories
func (c *Catalog) GetCategories() []string {
	return lo.Uniq(lo.Map(builtins, func(b builtin, _ int) string {
		return string(b.def.Category)
	}))
}

func (c *Catalog) info(def ToolDefinition) ToolInfo {
	enabled := false
	if c.registry != nil {
		_, enabled = c.registry.tools[def.ID]
	}
	return ToolInfo{
		ID:          string(def.ID),
		Description: def.Description,
		Category:    string(def.Category),
		Enabled:     enabled,
	}
}
