package calib

import (
	"github.com/samcharles93/caliper/internal/gptq"
	"github.com/samcharles93/caliper/internal/nn"
)

// Run calibrates the model over the given batches and assembles a Report.
// Per-layer quantization error is measured immediately before and after the
// run so the report shows what the correction bought.
func Run(model *nn.Model, batches []*nn.Activation, opts gptq.Options) (*Report, error) {
	before := make(map[string]float64)
	for _, l := range model.Layers() {
		if !gptq.Eligible(l) {
			continue
		}
		ql := l.(nn.QuantLayer)
		before[l.LayerName()] = MeanAbsQuantErr(ql)
	}

	results, err := gptq.Calibrate(model, batches, opts)
	if err != nil {
		return nil, err
	}

	report := NewReport(model.Name)
	report.NumBlocks = opts.NumBlocks
	report.ActOrder = opts.ActOrder
	report.Batches = len(batches)
	for _, res := range results {
		lr := LayerReport{
			LayerResult:   res,
			MeanErrBefore: before[res.Layer],
		}
		if ql, ok := model.Layer(res.Layer).(nn.QuantLayer); ok {
			lr.MeanErrAfter = MeanAbsQuantErr(ql)
		}
		report.Layers = append(report.Layers, lr)
	}
	return report, nil
}
