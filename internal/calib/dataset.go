// Package calib provides the supporting pieces around a GPTQ run: synthetic
// calibration datasets, demo models, and JSON run reports.
package calib

import (
	"math/rand"

	"github.com/samcharles93/caliper/internal/nn"
)

// DenseBatches generates deterministic calibration batches for dense models,
// shaped [batchSize, 1, features] with standard normal entries.  The same
// seed always yields the same batches.
func DenseBatches(n, batchSize, features int, seed int64) []*nn.Activation {
	rng := rand.New(rand.NewSource(seed))
	out := make([]*nn.Activation, n)
	for b := range out {
		a := nn.NewActivation(batchSize, 1, features)
		for i := range a.Data {
			a.Data[i] = float32(rng.NormFloat64())
		}
		out[b] = a
	}
	return out
}

// ImageBatches generates deterministic [batchSize, channels, h, w] batches
// for convolutional models.
func ImageBatches(n, batchSize, channels, h, w int, seed int64) []*nn.Activation {
	rng := rand.New(rand.NewSource(seed))
	out := make([]*nn.Activation, n)
	for b := range out {
		a := nn.NewActivation(batchSize, channels, h, w)
		for i := range a.Data {
			a.Data[i] = float32(rng.NormFloat64())
		}
		out[b] = a
	}
	return out
}
