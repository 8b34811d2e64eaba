package tvm

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"ailoy/internal/llm"
	"ailoy/internal/modelcache"
)

// ParamTensor is one parameter tensor resident in device memory, named and
// shaped per the tensor-cache index (spec.md §4.B step 4).
type ParamTensor struct {
	Name  string
	Shape []int
	DType string
	// Data holds the raw bytes read from the shard at the declared offset.
	// A real tensor VM would upload this to device memory in place of
	// keeping it host-side; the interface point is isolated here so a
	// future device-resident allocator only needs to replace this field.
	Data []byte
}

// LoadParams streams every shard named by dir's tensor-cache index and
// instantiates each inner record as a ParamTensor, then resolves them by
// name in the order VM metadata expects (spec.md §4.B steps 4-5).
func LoadParams(dir string, md Metadata) ([]ParamTensor, error) {
	idx, _, err := modelcache.LoadTensorCacheIndex(dir)
	if err != nil {
		return nil, err
	}

	byName := make(map[string]ParamTensor)
	for _, shard := range idx.Records {
		shardPath := filepath.Join(dir, shard.DataPath)
		data, err := readShard(shardPath, shard.NBytes)
		if err != nil {
			return nil, llm.Wrap(llm.KindLibraryLoad, err)
		}
		for _, rec := range shard.Records {
			end := rec.ByteOffset + rec.NBytes
			if end > int64(len(data)) {
				return nil, llm.New(llm.KindLibraryLoad, fmt.Sprintf("tensor %s offset+nbytes exceeds shard %s", rec.Name, shard.DataPath))
			}
			byName[rec.Name] = ParamTensor{
				Name:  rec.Name,
				Shape: rec.Shape,
				DType: rec.DType,
				Data:  data[rec.ByteOffset:end:end],
			}
		}
	}

	out := make([]ParamTensor, 0, len(md.Params))
	for _, ref := range md.Params {
		pt, ok := byName[ref.Name]
		if !ok {
			return nil, llm.New(llm.KindLibraryLoad, "missing parameter tensor: "+ref.Name)
		}
		out = append(out, pt)
	}
	return out, nil
}

// readShard reads a shard file fully and rejects a byte length disagreeing
// with the index's declared nbytes (spec.md §4.B step 4).
func readShard(path string, expected int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() != expected {
		return nil, fmt.Errorf("shard %s: size %d disagrees with nbytes %d", path, info.Size(), expected)
	}

	data := make([]byte, expected)
	if _, err := io.ReadFull(f, data); err != nil {
		return nil, err
	}
	return data, nil
}
