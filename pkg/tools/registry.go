// Package tools provides the functions the assistant may call during a run.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"

	"github.com/coderschool/tabot/pkg/utils"
)

// ToolID identifies a built-in tool. The set is closed.
type ToolID string

const (
	ToolFetchAllCode   ToolID = "fetch_all_code_from_repo"
	ToolExtractOwner   ToolID = "extract_owner"
	ToolExtractRepo    ToolID = "extract_repo"
	ToolTARoleForForum ToolID = "get_ta_role_for_forum"
	ToolSearchDB       ToolID = "search_db"
	ToolSearchYouTube  ToolID = "search_youtube"
)

// ErrUnsupportedTool is reported for a name outside the closed tool set or
// one that was not enabled on the registry.
var ErrUnsupportedTool = errors.New("unsupported tool")

// ToolCategory groups tools for listing.
type ToolCategory string

const (
	CategoryCode      ToolCategory = "code"
	CategoryRouting   ToolCategory = "routing"
	CategoryKnowledge ToolCategory = "knowledge"
)

// ToolDefinition describes a built-in tool
type ToolDefinition struct {
	ID          ToolID       `json:"id"`
	Description string       `json:"description"`
	Category    ToolCategory `json:"category"`
}

// ToolFactory creates a tool bound to its collaborators.
type ToolFactory func(tc *ToolContext) tool.InvokableTool

type builtin struct {
	def     ToolDefinition
	factory ToolFactory
}

// builtins is ordered; the order is the one tools are declared to the model.
var builtins = []builtin{
	{ToolDefinition{ToolFetchAllCode, "Fetches all code files from a GitHub repository.", CategoryCode}, newFetchAllCodeTool},
	{ToolDefinition{ToolExtractOwner, "Extracts GitHub repository owner from a thread post.", CategoryCode}, newExtractOwnerTool},
	{ToolDefinition{ToolExtractRepo, "Extracts GitHub repository name from a thread post.", CategoryCode}, newExtractRepoTool},
	{ToolDefinition{ToolTARoleForForum, "Gets the TA role id responsible for a forum channel.", CategoryRouting}, newTARoleTool},
	{ToolDefinition{ToolSearchDB, "Searches the course knowledge base for relevant passages.", CategoryKnowledge}, newSearchDBTool},
	{ToolDefinition{ToolSearchYouTube, "Searches YouTube for tutorial videos.", CategoryKnowledge}, newSearchYouTubeTool},
}

// AllToolIDs returns every built-in tool id in declaration order.
func AllToolIDs() []ToolID {
	ids := make([]ToolID, len(builtins))
	for i, b := range builtins {
		ids[i] = b.def.ID
	}
	return ids
}

// Valid reports whether id names a built-in tool.
func (id ToolID) Valid() bool {
	for _, b := range builtins {
		if b.def.ID == id {
			return true
		}
	}
	return false
}

// Registry binds tool ids to tool instances. It is safe for concurrent use
// once constructed.
type Registry struct {
	tools  map[ToolID]tool.InvokableTool
	defs   []ToolDefinition
	logger *slog.Logger
}

// NewRegistry builds the tools named by ids, or every built-in tool when ids
// is empty.
func NewRegistry(tc *ToolContext, ids ...ToolID) (*Registry, error) {
	if tc == nil {
		tc = &ToolContext{}
	}
	if len(ids) == 0 {
		ids = AllToolIDs()
	}

	r := &Registry{
		tools:  make(map[ToolID]tool.InvokableTool, len(ids)),
		logger: utils.GetLogger(),
	}
	for _, id := range ids {
		b, ok := lookupBuiltin(id)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedTool, id)
		}
		if _, dup := r.tools[id]; dup {
			continue
		}
		r.tools[id] = b.factory(tc)
		r.defs = append(r.defs, b.def)
	}
	return r, nil
}

func lookupBuiltin(id ToolID) (builtin, bool) {
	for _, b := range builtins {
		if b.def.ID == id {
			return b, true
		}
	}
	return builtin{}, false
}

// Definitions lists the enabled tools in declaration order.
func (r *Registry) Definitions() []ToolDefinition {
	out := make([]ToolDefinition, len(r.defs))
	copy(out, r.defs)
	return out
}

// Infos returns the tool schemas to declare to a model.
func (r *Registry) Infos(ctx context.Context) ([]*schema.ToolInfo, error) {
	infos := make([]*schema.ToolInfo, 0, len(r.defs))
	for _, def := range r.defs {
		info, err := r.tools[def.ID].Info(ctx)
		if err != nil {
			return nil, fmt.Errorf("tool %s info: %w", def.ID, err)
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// ExecutionError is a tool failure. It is reported to the model, never to
// the caller of a run.
type ExecutionError struct {
	Tool string
	Err  error
}

func (e *ExecutionError) Error() string { return e.Err.Error() }

func (e *ExecutionError) Unwrap() error { return e.Err }

// Call runs the named tool and returns its raw result. Failures are
// ErrUnsupportedTool or an *ExecutionError; panics are recovered into the
// latter.
func (r *Registry) Call(ctx context.Context, name, arguments string) (output string, err error) {
	t, ok := r.tools[ToolID(name)]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedTool, name)
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Tool panicked", "tool", name, "panic", p, "stack", string(debug.Stack()))
			output, err = "", &ExecutionError{Tool: name, Err: fmt.Errorf("%v", p)}
		}
	}()

	if strings.TrimSpace(arguments) == "" {
		arguments = "{}"
	}
	out, err := t.InvokableRun(ctx, arguments)
	if err != nil {
		return "", &ExecutionError{Tool: name, Err: unwrapLocalFunc(err)}
	}
	return out, nil
}

// Invoke runs the named tool. It never fails: unknown names, tool errors and
// panics are all reported to the model as an "Error: ..." output string.
func (r *Registry) Invoke(ctx context.Context, name, arguments string) string {
	r.logger.Info("Calling tool", "tool", name, "arguments", arguments)
	out, err := r.Call(ctx, name, arguments)
	if err != nil {
		r.logger.Error("Tool call failed", "tool", name, "error", err)
		return "Error: " + err.Error()
	}
	return out
}

// eino prefixes local function failures with its own context.
func unwrapLocalFunc(err error) error {
	if inner := errors.Unwrap(err); inner != nil && strings.HasPrefix(err.Error(), "[LocalFunc]") {
		return inner
	}
	return err
}
