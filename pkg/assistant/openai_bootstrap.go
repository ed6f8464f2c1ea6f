package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/cloudwego/eino/schema"
)

// BootstrapOptions describes the hosted assistant to create at startup.
type BootstrapOptions struct {
	Name         string
	Model        string
	Instructions string
	// Tools are declared as function tools next to file_search and
	// code_interpreter.
	Tools []*schema.ToolInfo
	// DocPaths are uploaded into a fresh vector store bound to file_search.
	DocPaths        []string
	VectorStoreName string
	// PollInterval paces the file batch status checks.
	PollInterval time.Duration
}

var ErrVectorStoreBatchFailed = errors.New("vector store file batch did not complete")

type wireFunctionTool struct {
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters,omitempty"`
}

// Bootstrap creates the vector store and the assistant, and makes the backend
// start runs with the new assistant. It returns the assistant id.
func (b *OpenAIBackend) Bootstrap(ctx context.Context, opts BootstrapOptions) (string, error) {
	var vectorStoreID string
	if len(opts.DocPaths) > 0 {
		id, err := b.createVectorStore(ctx, opts)
		if err != nil {
			return "", err
		}
		vectorStoreID = id
	}

	tools := []any{
		wireToolType{Type: "file_search"},
		wireToolType{Type: "code_interpreter"},
	}
	for _, info := range opts.Tools {
		fn, err := functionTool(info)
		if err != nil {
			return "", err
		}
		tools = append(tools, fn)
	}

	body := map[string]any{
		"name":         opts.Name,
		"instructions": opts.Instructions,
		"model":        opts.Model,
		"tools":        tools,
	}
	if vectorStoreID != "" {
		body["tool_resources"] = map[string]any{
			"file_search": map[string]any{"vector_store_ids": []string{vectorStoreID}},
		}
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := b.do(ctx, http.MethodPost, "/assistants", body, &out); err != nil {
		return "", fmt.Errorf("create assistant: %w", err)
	}
	b.assistantID = out.ID
	b.logger.Info("Assistant created", "assistantID", out.ID, "model", opts.Model, "tools", len(tools), "vectorStoreID", vectorStoreID)
	return out.ID, nil
}

func functionTool(info *schema.ToolInfo) (wireFunctionTool, error) {
	fn := wireFunction{Name: info.Name, Description: info.Desc}
	if info.ParamsOneOf != nil {
		js, err := info.ParamsOneOf.ToJSONSchema()
		if err != nil {
			return wireFunctionTool{}, fmt.Errorf("tool %s schema: %w", info.Name, err)
		}
		raw, err := json.Marshal(js)
		if err != nil {
			return wireFunctionTool{}, fmt.Errorf("tool %s schema: %w", info.Name, err)
		}
		fn.Parameters = json.RawMessage(raw)
	} else {
		fn.Parameters = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return wireFunctionTool{Type: "function", Function: fn}, nil
}

func (b *OpenAIBackend) createVectorStore(ctx context.Context, opts BootstrapOptions) (string, error) {
	name := opts.VectorStoreName
	if name == "" {
		name = "Course documents"
	}

	fileIDs := make([]string, 0, len(opts.DocPaths))
	for _, p := range opts.DocPaths {
		f, err := os.Open(p)
		if err != nil {
			return "", fmt.Errorf("open document %s: %w", p, err)
		}
		info, err := b.UploadFile(ctx, filepath.Base(p), f)
		f.Close()
		if err != nil {
			return "", err
		}
		fileIDs = append(fileIDs, info.ID)
	}
	b.logger.Info("Adding files to vector store", "files", len(fileIDs))

	var store struct {
		ID string `json:"id"`
	}
	if err := b.do(ctx, http.MethodPost, "/vector_stores", map[string]string{"name": name}, &store); err != nil {
		return "", fmt.Errorf("create vector store: %w", err)
	}

	var batch struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	batchPath := "/vector_stores/" + url.PathEscape(store.ID) + "/file_batches"
	if err := b.do(ctx, http.MethodPost, batchPath, map[string]any{"file_ids": fileIDs}, &batch); err != nil {
		return "", fmt.Errorf("create file batch: %w", err)
	}

	interval := opts.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	for batch.Status == "in_progress" {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(interval):
		}
		if err := b.do(ctx, http.MethodGet, batchPath+"/"+url.PathEscape(batch.ID), nil, &batch); err != nil {
			return "", fmt.Errorf("poll file batch: %w", err)
		}
	}
	if batch.Status != "completed" {
		return "", fmt.Errorf("%w: status %s", ErrVectorStoreBatchFailed, batch.Status)
	}
	return store.ID, nil
}
