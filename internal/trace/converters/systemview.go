// Package converters wraps third-party trace tooling (ESP-IDF's
// sysviewtrace_proc.py, babeltrace) to produce Chrome JSON traces from
// formats this bridge doesn't parse natively. Ported from
// original_source's eab/cli/trace/converters/{systemview,ctf}.py.
package converters

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"ebridge/internal/ebridgeerr"
)

// Summary reports the outcome of a third-party trace conversion.
type Summary struct {
	EventCount  int
	OutputPath  string
	OutputBytes int64
}

// ExportSystemViewToPerfetto converts a SEGGER SystemView .svdat capture to
// Chrome JSON by shelling out to ESP-IDF's sysviewtrace_proc.py, located via
// the IDF_PATH environment variable.
func ExportSystemViewToPerfetto(ctx context.Context, inputPath, outputPath string) (Summary, error) {
	idfPath := os.Getenv("IDF_PATH")
	if idfPath == "" {
		return Summary{}, ebridgeerr.New("converters.ExportSystemViewToPerfetto", ebridgeerr.ExternalToolMissing,
			errNoIDFPath)
	}

	tool := filepath.Join(idfPath, "tools", "esp_app_trace", "sysviewtrace_proc.py")
	if _, err := os.Stat(tool); err != nil {
		return Summary{}, ebridgeerr.New("converters.ExportSystemViewToPerfetto", ebridgeerr.ExternalToolMissing, err)
	}

	python, err := findPython()
	if err != nil {
		return Summary{}, ebridgeerr.New("converters.ExportSystemViewToPerfetto", ebridgeerr.ExternalToolMissing, err)
	}

	runCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	cmd := exec.CommandContext(runCtx, python, tool, inputPath, outputPath)
	if out, err := cmd.CombinedOutput(); err != nil {
		return Summary{}, ebridgeerr.New("converters.ExportSystemViewToPerfetto", ebridgeerr.ExternalToolMissing,
			wrapOutput(err, out))
	}

	return summarizeJSONFile(outputPath)
}

func findPython() (string, error) {
	if path, err := exec.LookPath("python3"); err == nil {
		return path, nil
	}
	return exec.LookPath("python")
}

func summarizeJSONFile(outputPath string) (Summary, error) {
	info, err := os.Stat(outputPath)
	if err != nil {
		return Summary{}, ebridgeerr.New("converters.summarizeJSONFile", ebridgeerr.NotFound, err)
	}

	var doc struct {
		TraceEvents []json.RawMessage `json:"traceEvents"`
	}
	if data, err := os.ReadFile(outputPath); err == nil {
		_ = json.Unmarshal(data, &doc)
	}

	return Summary{
		EventCount:  len(doc.TraceEvents),
		OutputPath:  outputPath,
		OutputBytes: info.Size(),
	}, nil
}
