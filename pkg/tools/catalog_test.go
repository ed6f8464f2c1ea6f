package tools

import (
	"errors"
	"testing"
)

func TestCatalog(t *testing.T) {
	reg, err := NewRegistry(&ToolContext{}, ToolExtractOwner, ToolSearchDB)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	c := NewCatalog(reg)

	all := c.ListAll()
	if len(all) != len(AllToolIDs()) {
		t.Fatalf("ListAll() len = %d, want %d", len(all), len(AllToolIDs()))
	}
	enabled := map[string]bool{}
	for _, info := range all {
		enabled[info.ID] = info.Enabled
	}
	if !enabled[string(ToolExtractOwner)] || !enabled[string(ToolSearchDB)] || enabled[string(ToolSearchYouTube)] {
		t.Fatalf("enabled = %v", enabled)
	}

	knowledge := c.ListByCategory(string(CategoryKnowledge))
	if len(knowledge) != 2 {
		t.Fatalf("ListByCategory(knowledge) = %+v", knowledge)
	}
	if got := c.GetCategories(); len(got) != 3 || got[0] != string(CategoryCode) {
		t.Fatalf("GetCategories() = %v", got)
	}

	if _, err := c.GetToolInfo("rm_rf"); !errors.Is(err, ErrUnsupportedTool) {
		t.Fatalf("GetToolInfo(rm_rf) error = %v", err)
	}
	info, err := c.GetToolInfo(string(ToolTARoleForForum))
	if err != nil || info.Category != string(CategoryRouting) || info.Enabled {
		t.Fatalf("GetToolInfo() = %+v, %v", info, err)
	}
}
