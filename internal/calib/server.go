package calib

import (
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/caliper/internal/gptq"
	"github.com/samcharles93/caliper/internal/logger"
)

// Store keeps calibration reports in memory, newest last.
type Store struct {
	mu      sync.RWMutex
	reports map[string]*Report
	order   []string
}

func NewStore() *Store {
	return &Store{reports: make(map[string]*Report)}
}

// Add registers a report under its run id.
func (s *Store) Add(r *Report) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.reports[r.ID]; !exists {
		s.order = append(s.order, r.ID)
	}
	s.reports[r.ID] = r
}

// Get returns the report with the given id.
func (s *Store) Get(id string) (*Report, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reports[id]
	return r, ok
}

// List returns all reports in insertion order.
func (s *Store) List() []*Report {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Report, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.reports[id])
	}
	return out
}

// CalibrationRequest describes a demo calibration to run server-side: a
// seeded dense model with the given layer widths is built, calibrated and
// the resulting report stored.
type CalibrationRequest struct {
	Model     string `json:"model"`
	Sizes     []int  `json:"sizes"`
	Bits      int    `json:"bits"`
	Batches   int    `json:"batches"`
	BatchSize int    `json:"batch_size"`
	NumBlocks int    `json:"num_blocks"`
	ActOrder  bool   `json:"act_order"`
	Seed      int64  `json:"seed"`
}

// Server exposes stored calibration reports over HTTP and accepts demo
// calibration requests.  The GPTQ core itself never touches the network;
// this is an outer surface only.
type Server struct {
	store *Store
	log   logger.Logger
}

func NewServer(store *Store, log logger.Logger) *Server {
	if store == nil {
		store = NewStore()
	}
	if log == nil {
		log = logger.Default()
	}
	return &Server{store: store, log: log}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/v1/reports", s.handleListReports)
	e.GET("/v1/reports/:id", s.handleGetReport)
	e.POST("/v1/calibrations", s.handleCreateCalibration)
}

func (s *Server) handleListReports(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"reports": s.store.List(),
	})
}

func (s *Server) handleGetReport(c *echo.Context) error {
	id := c.Param("id")
	r, ok := s.store.Get(id)
	if !ok {
		return writeError(c, http.StatusNotFound, fmt.Sprintf("no report with id %q", id))
	}
	return c.JSON(http.StatusOK, r)
}

func (s *Server) handleCreateCalibration(c *echo.Context) error {
	req, err := decodeJSON[CalibrationRequest](c.Request().Body)
	if err != nil {
		return writeError(c, http.StatusBadRequest, err.Error())
	}
	req.applyDefaults()

	model, err := DemoMLP(req.Model, req.Sizes, req.Bits, req.Seed)
	if err != nil {
		return writeError(c, http.StatusBadRequest, err.Error())
	}
	batches := DenseBatches(req.Batches, req.BatchSize, req.Sizes[0], req.Seed+1)

	report, err := Run(model, batches, gptq.Options{
		NumBlocks: req.NumBlocks,
		ActOrder:  req.ActOrder,
		Log:       s.log,
	})
	if err != nil {
		return writeError(c, http.StatusInternalServerError, err.Error())
	}
	s.store.Add(report)
	s.log.Info("calibration finished", "id", report.ID, "model", report.Model, "layers", len(report.Layers))
	return c.JSON(http.StatusCreated, report)
}

func (r *CalibrationRequest) applyDefaults() {
	if r.Model == "" {
		r.Model = "demo"
	}
	if len(r.Sizes) == 0 {
		r.Sizes = []int{32, 64, 16}
	}
	if r.Bits == 0 {
		r.Bits = 4
	}
	if r.Batches == 0 {
		r.Batches = 8
	}
	if r.BatchSize == 0 {
		r.BatchSize = 16
	}
	if r.NumBlocks == 0 {
		r.NumBlocks = 4
	}
}

func writeError(c *echo.Context, status int, msg string) error {
	return c.JSON(status, map[string]any{
		"error": map[string]string{"message": msg},
	})
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var v T
	dec := json.NewDecoder(r)
	if err := dec.Decode(&v); err != nil {
		return v, fmt.Errorf("invalid JSON body: %w", err)
	}
	return v, nil
}
