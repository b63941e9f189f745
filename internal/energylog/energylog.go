// Package energylog records timestamped power-flow snapshots to CSV files
// with automatic rotation, for after-the-fact inspection of what the
// allocator saw and decided.
package energylog

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Logger writes snapshots no more often than its interval and rotates files
// before they grow unwieldy.
type Logger struct {
	mu       sync.Mutex
	dir      string
	interval time.Duration
	enabled  bool

	file   *os.File
	writer *csv.Writer
	lastTs time.Time
	rows   int
}

// Config holds energy log configuration.
type Config struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	Path       string `yaml:"path" json:"path"`
	IntervalMs int    `yaml:"interval_ms" json:"intervalMs"`
}

const maxRowsPerFile = 100_000

var csvHeader = []string{
	"timestamp", "generation_w", "consumption_w", "charger_load_w",
	"budget_a", "amps_in_use_a", "slaves", "cars_charging", "kwh_delivered",
}

// Snapshot is one row of the log.
type Snapshot struct {
	Generation   float64
	Consumption  float64
	ChargerLoad  float64
	BudgetAmps   float64
	AmpsInUse    float64
	Slaves       int
	CarsCharging int
	KWhDelivered float64
}

// New creates a Logger.
func New(cfg Config) *Logger {
	if cfg.Path == "" {
		cfg.Path = "/var/log/twcmaster"
	}
	interval := time.Duration(cfg.IntervalMs) * time.Millisecond
	if interval < time.Second {
		interval = 10 * time.Second
	}
	return &Logger{
		dir:      cfg.Path,
		interval: interval,
		enabled:  cfg.Enabled,
	}
}

// Record writes a snapshot if the minimum interval has elapsed.
func (l *Logger) Record(snap Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}
	now := time.Now()
	if now.Sub(l.lastTs) < l.interval {
		return
	}
	l.lastTs = now

	if l.writer == nil || l.rows >= maxRowsPerFile {
		if err := l.rotateFile(now); err != nil {
			log.Printf("[energylog] rotate failed: %v", err)
			return
		}
	}

	row := []string{
		now.Format(time.RFC3339),
		fmt.Sprintf("%.0f", snap.Generation),
		fmt.Sprintf("%.0f", snap.Consumption),
		fmt.Sprintf("%.0f", snap.ChargerLoad),
		fmt.Sprintf("%.2f", snap.BudgetAmps),
		fmt.Sprintf("%.2f", snap.AmpsInUse),
		fmt.Sprintf("%d", snap.Slaves),
		fmt.Sprintf("%d", snap.CarsCharging),
		fmt.Sprintf("%.3f", snap.KWhDelivered),
	}
	if err := l.writer.Write(row); err != nil {
		log.Printf("[energylog] write failed: %v", err)
		return
	}
	l.writer.Flush()
	l.rows++
}

// Close flushes and closes the current log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeFile()
}

func (l *Logger) rotateFile(now time.Time) error {
	l.closeFile()

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", l.dir, err)
	}

	path := filepath.Join(l.dir, fmt.Sprintf("twc_%s.csv", now.Format("2006-01-02_150405")))
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	l.file = f
	l.writer = csv.NewWriter(f)
	l.rows = 0

	if err := l.writer.Write(csvHeader); err != nil {
		return err
	}
	l.writer.Flush()

	log.Printf("[energylog] opened %s", path)
	return nil
}

func (l *Logger) closeFile() {
	if l.writer != nil {
		l.writer.Flush()
		l.writer = nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}
