package training

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// MetricsRecord is one line of the metrics stream
type MetricsRecord struct {
	Step    int                `json:"step"`
	Time    time.Time          `json:"time"`
	Metrics map[string]float64 `json:"metrics"`
}

// MetricsLogger appends JSON lines to <dir>/<name>/metrics.jsonl and keeps
// every logged value for loss curve plots
type MetricsLogger struct {
	mu        sync.Mutex
	file      *os.File
	path      string
	collector *VisualizationCollector
}

// NewMetricsLogger opens (creating if needed) the metrics file for a run
func NewMetricsLogger(dir, name string) (*MetricsLogger, error) {
	runDir := filepath.Join(dir, name)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create metrics directory: %w", err)
	}
	path := filepath.Join(runDir, "metrics.jsonl")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open metrics file: %w", err)
	}
	return &MetricsLogger{
		file:      file,
		path:      path,
		collector: NewVisualizationCollector(name),
	}, nil
}

// Path returns the metrics file location
func (ml *MetricsLogger) Path() string {
	return ml.path
}

// Dir returns the directory holding the metrics file
func (ml *MetricsLogger) Dir() string {
	return filepath.Dir(ml.path)
}

// Collector returns the in-memory copy of logged metrics
func (ml *MetricsLogger) Collector() *VisualizationCollector {
	return ml.collector
}

// Log writes one record. Non-finite values are dropped since JSON cannot
// represent them.
func (ml *MetricsLogger) Log(step int, metrics map[string]float64) error {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	clean := make(map[string]float64, len(metrics))
	for k, v := range metrics {
		if isFinite(v) {
			clean[k] = v
		}
	}

	line, err := json.Marshal(MetricsRecord{Step: step, Time: time.Now().UTC(), Metrics: clean})
	if err != nil {
		return fmt.Errorf("failed to encode metrics: %w", err)
	}
	if _, err := ml.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write metrics: %w", err)
	}
	ml.collector.Record(step, clean)
	return nil
}

// Close flushes and closes the metrics file
func (ml *MetricsLogger) Close() error {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	return ml.file.Close()
}
