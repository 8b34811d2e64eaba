package tvm

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadParamsResolvesByMetadataOrder(t *testing.T) {
	dir := t.TempDir()

	shardData := make([]byte, 16)
	for i := range shardData {
		shardData[i] = byte(i)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "params_shard_0.bin"), shardData, 0o644))

	index := map[string]any{
		"records": []map[string]any{
			{
				"dataPath": "params_shard_0.bin",
				"format":   "raw-shard",
				"nbytes":   16,
				"records": []map[string]any{
					{"name": "b.weight", "shape": []int{4}, "dtype": "f32", "format": "raw", "byteOffset": 8, "nbytes": 8},
					{"name": "a.weight", "shape": []int{4}, "dtype": "f32", "format": "raw", "byteOffset": 0, "nbytes": 8},
				},
			},
		},
	}
	data, err := json.Marshal(index)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tensor-cache.json"), data, 0o644))

	md := Metadata{Params: []ParamReference{{Name: "a.weight"}, {Name: "b.weight"}}}
	params, err := LoadParams(dir, md)
	require.NoError(t, err)
	require.Len(t, params, 2)
	require.Equal(t, "a.weight", params[0].Name)
	require.Equal(t, shardData[0:8], params[0].Data)
	require.Equal(t, "b.weight", params[1].Name)
	require.Equal(t, shardData[8:16], params[1].Data)
}

func TestLoadParamsMissingTensorFails(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "params_shard_0.bin"), make([]byte, 8), 0o644))

	index := map[string]any{
		"records": []map[string]any{
			{
				"dataPath": "params_shard_0.bin",
				"nbytes":   8,
				"records": []map[string]any{
					{"name": "a.weight", "shape": []int{2}, "byteOffset": 0, "nbytes": 8},
				},
			},
		},
	}
	data, err := json.Marshal(index)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tensor-cache.json"), data, 0o644))

	md := Metadata{Params: []ParamReference{{Name: "missing.weight"}}}
	_, err = LoadParams(dir, md)
	require.Error(t, err)
}
