package domain

import (
	"dario.cat/mergo"
)

// MergeNodeConfig overlays the run-level config on a node's own config.
// Run values win; nested maps are merged key by key. Neither input is
// modified.
func MergeNodeConfig(nodeConfig, runConfig map[string]interface{}) (map[string]interface{}, error) {
	merged := copyMap(nodeConfig)
	if len(runConfig) == 0 {
		return merged, nil
	}

	if err := mergo.Merge(&merged, copyMap(runConfig), mergo.WithOverride); err != nil {
		return nil, NewInternalError("failed to merge node config", err)
	}
	return merged, nil
}

func copyMap(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		if nested, ok := v.(map[string]interface{}); ok {
			out[k] = copyMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}
