package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"corebus/pkg/protocol"

	"gopkg.in/yaml.v3"
)

// ValidateConfigRequest is the payload of a validate_config task. Config
// holds the YAML document to check.
type ValidateConfigRequest struct {
	ConfigID string `json:"config_id"`
	Config   string `json:"config"`
}

// ValidateConfigResult is reported for a document that parses.
type ValidateConfigResult struct {
	ConfigID string   `json:"config_id"`
	Valid    bool     `json:"valid"`
	Keys     []string `json:"keys"`
}

// ValidateConfig checks that the payload's config is a YAML mapping. A
// malformed document is reported as a task error.
func ValidateConfig(_ context.Context, task protocol.WorkerTask, progress ProgressFunc) (json.RawMessage, error) {
	var req ValidateConfigRequest
	if err := json.Unmarshal(task.Payload, &req); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if req.ConfigID == "" {
		req.ConfigID = task.Attributes["config_id"]
	}
	_ = progress(map[string]string{"stage": "parse"})

	var doc map[string]any
	if err := yaml.Unmarshal([]byte(req.Config), &doc); err != nil {
		return nil, fmt.Errorf("config %s: %w", req.ConfigID, err)
	}
	if doc == nil {
		return nil, errors.New("config " + req.ConfigID + ": empty document")
	}

	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	out, err := json.Marshal(ValidateConfigResult{ConfigID: req.ConfigID, Valid: true, Keys: keys})
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return out, nil
}

// Echo returns the task payload unchanged.
func Echo(_ context.Context, task protocol.WorkerTask, _ ProgressFunc) (json.RawMessage, error) {
	if len(task.Payload) == 0 {
		return json.RawMessage("null"), nil
	}
	return task.Payload, nil
}
