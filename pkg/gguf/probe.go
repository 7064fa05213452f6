package gguf

import (
	"fmt"
	"os"
)

// ProbedModel is the subset of a GGUF file's header metadata the model
// registry needs to populate a registry entry without reading tensor
// data.
type ProbedModel struct {
	Architecture  string
	Name          string
	Quantization  string
	ContextLength uint64
	BlockCount    uint64
	ParameterSize int64
	SizeBytes     int64
}

// ProbeFile opens path and reads only the GGUF header, metadata, and
// tensor info section, returning the fields the model lifecycle
// registry records for a load. It never reads tensor payloads.
func ProbeFile(path string) (*ProbedModel, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening model file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat model file: %w", err)
	}

	parsed, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parsing gguf header: %w", err)
	}

	return &ProbedModel{
		Architecture:  parsed.Architecture(),
		Name:          parsed.Name(),
		Quantization:  parsed.Quantization(),
		ContextLength: parsed.ContextLength(),
		BlockCount:    parsed.BlockCount(),
		ParameterSize: estimateParameterBytes(parsed),
		SizeBytes:     info.Size(),
	}, nil
}

// estimateParameterBytes sums the on-disk footprint of every tensor,
// derived from its declared shape and quantization type rather than
// reading tensor data — the registry only needs an estimate for
// admission control, not an exact byte count.
func estimateParameterBytes(f *GGUFFile) int64 {
	var total int64
	for _, t := range f.TensorInfo {
		elems := int64(1)
		for _, d := range t.Dimensions {
			elems *= int64(d)
		}
		total += elems * bytesPerElement(t.Type)
	}
	return total
}

func bytesPerElement(t GGMLType) int64 {
	switch t {
	case GGMLTypeF32, GGMLTypeI32:
		return 4
	case GGMLTypeF16, GGMLTypeBF16, GGMLTypeI16:
		return 2
	case GGMLTypeF64, GGMLTypeI64:
		return 8
	case GGMLTypeI8, GGMLTypeQ8_0, GGMLTypeQ8_1, GGMLTypeQ8K:
		return 1
	default:
		// K-quants and IQ-quants pack sub-byte weights; they are counted
		// as 1 byte/element, an overestimate that errs on the safe side
		// for an admission-control estimate.
		return 1
	}
}
