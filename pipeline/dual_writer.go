package pipeline

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/aluiziolira/go-scrape-mercado/models"
)

// DualPaths derives the CSV and JSONL file names from one output path.
// "out/products.csv", "out/products.jsonl" and "out/products" all map to
// out/products.csv and out/products.jsonl.
func DualPaths(filename string) (csvPath, jsonPath string) {
	base := filename
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv", ".json", ".jsonl":
		base = strings.TrimSuffix(filename, filepath.Ext(filename))
	}
	return base + ".csv", base + ".jsonl"
}

// DualWriter keeps a CSV file and a JSONL file with the same rows in the
// same order.
type DualWriter struct {
	csv      *CSVWriter
	json     *JSONWriter
	csvPath  string
	jsonPath string

	mu      sync.Mutex
	records int
}

// NewDualWriter opens both outputs next to each other, see DualPaths.
func NewDualWriter(filename string) (*DualWriter, error) {
	csvPath, jsonPath := DualPaths(filename)

	csvWriter, err := NewCSVWriter(csvPath)
	if err != nil {
		return nil, err
	}
	jsonWriter, err := NewJSONWriter(jsonPath)
	if err != nil {
		_ = csvWriter.Close()
		return nil, err
	}

	return &DualWriter{
		csv:      csvWriter,
		json:     jsonWriter,
		csvPath:  csvPath,
		jsonPath: jsonPath,
	}, nil
}

// Paths returns the CSV and JSONL file names.
func (dw *DualWriter) Paths() (string, string) {
	return dw.csvPath, dw.jsonPath
}

// Write appends the batch to the CSV file, then to the JSONL file. A batch
// the CSV side rejects never reaches the JSONL side.
func (dw *DualWriter) Write(products []*models.Product) error {
	if len(products) == 0 {
		return nil
	}

	dw.mu.Lock()
	defer dw.mu.Unlock()

	if err := dw.csv.Write(products); err != nil {
		return fmt.Errorf("%s: %w", dw.csvPath, err)
	}
	if err := dw.json.Write(products); err != nil {
		return fmt.Errorf("%s (csv already holds %d more rows): %w", dw.jsonPath, len(products), err)
	}
	dw.records += len(products)
	return nil
}

// Records returns the number of products written to both files.
func (dw *DualWriter) Records() int {
	dw.mu.Lock()
	defer dw.mu.Unlock()
	return dw.records
}

// Close closes both files and reports every failure.
func (dw *DualWriter) Close() error {
	dw.mu.Lock()
	defer dw.mu.Unlock()

	return errors.Join(dw.csv.Close(), dw.json.Close())
}

// Validate fails when either file is unusable or no product was written.
// The CSV header alone does not count as output.
func (dw *DualWriter) Validate() error {
	var errs []error
	if err := dw.csv.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := dw.json.Validate(); err != nil {
		errs = append(errs, err)
	}
	if dw.Records() == 0 {
		errs = append(errs, fmt.Errorf("no products written to %s or %s", dw.csvPath, dw.jsonPath))
	}
	return errors.Join(errs...)
}
