package main

import (
	"context"

	"github.com/eleven-am/weft/internal/core"
	"github.com/eleven-am/weft/internal/domain"
	"github.com/eleven-am/weft/internal/ports"
)

// registerBuiltins installs the operations that need no external service.
// Real transforms are registered by embedding the engine as a library.
func registerBuiltins(manager *core.Manager) error {
	builtins := []struct {
		name    string
		handler ports.OperationHandler
		opts    ports.OperationOptions
	}{
		{
			name:    "passthrough",
			handler: ports.OperationFunc(passthrough),
			opts:    ports.OperationOptions{ParallelSafe: true, Description: "forward inputs unchanged"},
		},
		{
			name:    "tag",
			handler: ports.OperationFunc(tag),
			opts:    ports.OperationOptions{ParallelSafe: true, Description: "copy config.tags into artifact metadata"},
		},
	}

	for _, b := range builtins {
		if err := manager.RegisterOperation(b.name, b.handler, b.opts); err != nil {
			return err
		}
	}
	return nil
}

func passthrough(ctx context.Context, inputs []domain.ArtifactRef, config map[string]interface{}) ([]domain.ArtifactRef, error) {
	return append([]domain.ArtifactRef{}, inputs...), nil
}

func tag(ctx context.Context, inputs []domain.ArtifactRef, config map[string]interface{}) ([]domain.ArtifactRef, error) {
	tags, _ := config["tags"].(map[string]interface{})

	outputs := make([]domain.ArtifactRef, 0, len(inputs))
	for _, in := range inputs {
		out := in
		out.Metadata = make(map[string]interface{}, len(in.Metadata)+len(tags))
		for k, v := range in.Metadata {
			out.Metadata[k] = v
		}
		for k, v := range tags {
			out.Metadata[k] = v
		}
		outputs = append(outputs, out)
	}
	return outputs, nil
}
