package ocr

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Runner lets us stub external commands in tests.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	start := time.Now()

	cmd := exec.CommandContext(ctx, name, args...)
	var out, errb bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errb

	err := cmd.Run()
	if err != nil {
		slog.Error("exec failed",
			"cmd", name,
			"args", strings.Join(args, " "),
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err,
			"stderr", truncate(errb.String(), 8<<10),
		)
	} else {
		slog.Debug("exec ok",
			"cmd", name,
			"duration_ms", time.Since(start).Milliseconds(),
			"stdout_bytes", out.Len(),
		)
	}
	return out.Bytes(), errb.Bytes(), err
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}

// Tesseract implements the Recognizer interface with the tesseract CLI
type Tesseract struct {
	binary string
	runner Runner
}

// NewTesseract creates a Tesseract recognizer. An empty binary means "tesseract" on PATH.
func NewTesseract(binary string) *Tesseract {
	return NewTesseractWithRunner(binary, execRunner{})
}

// NewTesseractWithRunner creates a Tesseract recognizer with a custom command runner for testing
func NewTesseractWithRunner(binary string, runner Runner) *Tesseract {
	if binary == "" {
		binary = "tesseract"
	}
	return &Tesseract{binary: binary, runner: runner}
}

// RecognizeText OCRs an image or PDF. PDFs with an embedded text layer are
// read directly; otherwise each page is rendered and recognized.
func (t *Tesseract) RecognizeText(ctx context.Context, data []byte, contentType, lang string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 120*time.Second)
	defer cancel()

	if lang == "" {
		lang = "eng"
	}

	if strings.EqualFold(strings.TrimSpace(contentType), "application/pdf") {
		if text, err := pdfText(data); err != nil {
			slog.Warn("Failed to read PDF text layer", "error", err)
		} else if strings.TrimSpace(text) != "" {
			return text, nil
		}
	}

	pages, err := toPNGPages(data, contentType)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for i, page := range pages {
		text, err := t.recognizePage(ctx, page, lang)
		if err != nil {
			return "", fmt.Errorf("recognizing page %d: %w", i+1, err)
		}
		b.WriteString(text)
		b.WriteString("\n")
	}
	return b.String(), nil
}

// recognizePage OCRs one PNG, retrying on a binarized copy when nothing is found
func (t *Tesseract) recognizePage(ctx context.Context, page []byte, lang string) (string, error) {
	text, err := t.run(ctx, page, lang)
	if err != nil || strings.TrimSpace(text) != "" {
		return text, err
	}

	bw, err := binarize(page)
	if err != nil {
		slog.Warn("Failed to binarize page for OCR retry", "error", err)
		return text, nil
	}
	return t.run(ctx, bw, lang)
}

func (t *Tesseract) run(ctx context.Context, png []byte, lang string) (string, error) {
	f, err := os.CreateTemp("", "receipt-ocr-*.png")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(f.Name())

	if _, err := f.Write(png); err != nil {
		f.Close()
		return "", fmt.Errorf("writing temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("closing temp file: %w", err)
	}

	// tesseract <file> stdout -l <lang>
	out, errb, err := t.runner.Run(ctx, t.binary, f.Name(), "stdout", "-l", lang)
	if err != nil {
		return "", fmt.Errorf("tesseract: %w: %s", err, truncate(string(errb), 512))
	}
	return string(out), nil
}

// Close is a no-op; tesseract runs as a subprocess per page
func (t *Tesseract) Close() error {
	return nil
}
