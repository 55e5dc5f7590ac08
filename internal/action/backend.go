package action

import (
	"context"
	"encoding/json"
	"fmt"
)

// Directory is the part of the directory client that executes actions.
type Directory interface {
	SendOutput(ctx context.Context, auth string, payload json.RawMessage) (string, error)
	SendCommand(ctx context.Context, auth string, payload json.RawMessage) (string, error)
	ActionResult(ctx context.Context, auth, id string) (json.RawMessage, error)
}

// DirectoryBackend runs actions through the directory service.
type DirectoryBackend struct {
	dir Directory
}

// NewDirectoryBackend creates a Backend over dir.
func NewDirectoryBackend(dir Directory) *DirectoryBackend {
	return &DirectoryBackend{dir: dir}
}

func (b *DirectoryBackend) Submit(ctx context.Context, kind Kind, auth string, payload json.RawMessage) (string, error) {
	switch kind {
	case KindOutput:
		return b.dir.SendOutput(ctx, auth, payload)
	case KindCommand:
		return b.dir.SendCommand(ctx, auth, payload)
	default:
		return "", fmt.Errorf("unknown action kind %q", kind)
	}
}

// Poll reports done once the directory returns a result whose id matches.
// Results for other actions and empty results mean still pending.
func (b *DirectoryBackend) Poll(ctx context.Context, auth, id string) (json.RawMessage, bool, error) {
	raw, err := b.dir.ActionResult(ctx, auth, id)
	if err != nil {
		return nil, false, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, false, nil
	}

	var head struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, false, fmt.Errorf("decoding action result: %w", err)
	}
	if head.ID != id {
		return nil, false, nil
	}
	return raw, true, nil
}
