package calib

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/samcharles93/caliper/internal/gptq"
)

// LayerReport is one layer's calibration outcome plus the weight-vs-quantized
// error before and after the correction.
type LayerReport struct {
	gptq.LayerResult
	MeanErrBefore float64 `json:"mean_err_before"`
	MeanErrAfter  float64 `json:"mean_err_after"`
}

// Report records one full calibration run.  Reports are the only thing
// caliper persists; the calibrated weights live in the in-memory model.
type Report struct {
	ID        string        `json:"id"`
	Model     string        `json:"model"`
	CreatedAt time.Time     `json:"created_at"`
	NumBlocks int           `json:"num_blocks"`
	ActOrder  bool          `json:"act_order"`
	Batches   int           `json:"batches"`
	Layers    []LayerReport `json:"layers"`
}

// NewReport creates an empty report with a fresh run id.
func NewReport(model string) *Report {
	return &Report{
		ID:        "run_" + uuid.NewString(),
		Model:     model,
		CreatedAt: time.Now().UTC(),
	}
}

// Encode writes the report as indented JSON.
func (r *Report) Encode(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// WriteFile writes the report to path, creating or truncating it.
func (r *Report) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("calib: write report: %w", err)
	}
	defer f.Close()
	if err := r.Encode(f); err != nil {
		return fmt.Errorf("calib: encode report: %w", err)
	}
	return f.Close()
}

// LoadReport reads a report previously written with WriteFile.
func LoadReport(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("calib: read report: %w", err)
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("calib: decode report: %w", err)
	}
	return &r, nil
}
