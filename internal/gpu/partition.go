package gpu

import (
	"github.com/defilantech/llmrund/internal/apperr"
)

// Strategy names a multi-GPU partitioning scheme (spec.md §4.4).
type Strategy string

const (
	StrategyLayerParallel    Strategy = "layer"
	StrategyTensorParallel   Strategy = "tensor"
	StrategyPipelineParallel Strategy = "pipeline"
	StrategyExpertParallel   Strategy = "expert"
	StrategyAuto             Strategy = "auto"
)

// LayerRange is a half-open [Start, End) range of model layers.
type LayerRange struct {
	Start int
	End   int
}

// Partition is the GPU Partition record from spec.md §3.
type Partition struct {
	GPUIndex          int
	LayerRange        LayerRange
	MemoryBudget      int64
	ParameterFraction float64
	Strategy          Strategy
}

// ResolveStrategy applies the Auto selection rules from spec.md §4.4,
// in order, returning the chosen concrete strategy unchanged if the
// caller did not ask for Auto.
func ResolveStrategy(requested Strategy, devices []Device, numLayers int) Strategy {
	if requested != StrategyAuto {
		return requested
	}

	p2p := P2PSupported(devices)
	numGPUs := len(devices)

	if numLayers > 48 && numGPUs >= 4 && p2p {
		return StrategyPipelineParallel
	}
	if MemoryVariance(devices) < 0.20 && p2p && numGPUs <= 8 {
		return StrategyTensorParallel
	}
	return StrategyLayerParallel
}

// PartitionModel computes the per-device partitions for the given strategy.
func PartitionModel(devices []Device, numLayers int, modelSize int64, strategy Strategy) ([]Partition, error) {
	if len(devices) == 0 {
		return nil, apperr.New(apperr.CodeInternal, "no devices available for partitioning")
	}

	resolved := ResolveStrategy(strategy, devices, numLayers)

	switch resolved {
	case StrategyLayerParallel, StrategyPipelineParallel:
		return partitionByLayers(devices, numLayers, modelSize, resolved)
	case StrategyTensorParallel, StrategyExpertParallel:
		return partitionByShards(devices, numLayers, modelSize, resolved)
	default:
		return nil, apperr.New(apperr.CodeInternal, "unknown partition strategy")
	}
}

func partitionByLayers(devices []Device, numLayers int, modelSize int64, strategy Strategy) ([]Partition, error) {
	numGPUs := len(devices)
	base := numLayers / numGPUs
	remainder := numLayers % numGPUs

	var totalAvailable int64
	for _, d := range devices {
		totalAvailable += d.AvailableMemory
	}

	partitions := make([]Partition, numGPUs)
	start := 0
	for i, d := range devices {
		count := base
		if i < remainder {
			count++
		}
		end := start + count

		var budget int64
		if totalAvailable > 0 {
			budget = int64(float64(modelSize) * (float64(d.AvailableMemory) / float64(totalAvailable)))
		}

		partitions[i] = Partition{
			GPUIndex:          d.Index,
			LayerRange:        LayerRange{Start: start, End: end},
			MemoryBudget:      budget,
			ParameterFraction: float64(count) / float64(numLayers),
			Strategy:          strategy,
		}
		start = end
	}
	return partitions, nil
}

func partitionByShards(devices []Device, numLayers int, modelSize int64, strategy Strategy) ([]Partition, error) {
	numGPUs := len(devices)
	fraction := 1.0 / float64(numGPUs)
	budget := modelSize / int64(numGPUs)

	partitions := make([]Partition, numGPUs)
	for i, d := range devices {
		partitions[i] = Partition{
			GPUIndex:          d.Index,
			LayerRange:        LayerRange{Start: 0, End: numLayers},
			MemoryBudget:      budget,
			ParameterFraction: fraction,
			Strategy:          strategy,
		}
	}
	return partitions, nil
}
