package engine

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Tesseract runs a local tesseract binary. Images are piped through stdin
// and results read from stdout, so no temp files are left behind.
type Tesseract struct {
	cmd string
}

// NewTesseract creates an OCR engine backed by the binary at cmd.
func NewTesseract(cmd string) *Tesseract {
	if cmd == "" {
		cmd = "tesseract"
	}
	return &Tesseract{cmd: cmd}
}

func (t *Tesseract) run(ctx context.Context, stdin []byte, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, t.cmd, args...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("tesseract: %s: %w", firstLine(msg), err)
		}
		return nil, fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	return stdout.Bytes(), nil
}

// Extract performs OCR and returns the recognized text with an average
// word confidence.
func (t *Tesseract) Extract(ctx context.Context, image []byte, opts ExtractOptions) (*TextResult, error) {
	detailed, err := t.ExtractDetailed(ctx, image, opts)
	if err != nil {
		return nil, err
	}
	return &TextResult{
		Text:       detailed.Text,
		Confidence: detailed.Confidence,
		Language:   detailed.Language,
	}, nil
}

// ExtractDetailed performs OCR and returns word-level boxes and confidences
// parsed from tesseract's TSV output.
func (t *Tesseract) ExtractDetailed(ctx context.Context, image []byte, opts ExtractOptions) (*DetailedResult, error) {
	lang := opts.Language
	if lang == "" {
		lang = "eng"
	}
	args := []string{
		"stdin", "stdout",
		"-l", lang,
		"--psm", strconv.Itoa(opts.PSM),
		"--oem", strconv.Itoa(opts.OEM),
		"tsv",
	}
	out, err := t.run(ctx, image, args...)
	if err != nil {
		return nil, err
	}

	result := parseTSV(out)
	result.Language = lang
	return result, nil
}

// ExtractHOCR performs OCR and returns the result as an hOCR XML document,
// which carries layout information for downstream document analysis.
func (t *Tesseract) ExtractHOCR(ctx context.Context, image []byte, opts ExtractOptions) (string, error) {
	lang := opts.Language
	if lang == "" {
		lang = "eng"
	}
	args := []string{
		"stdin", "stdout",
		"-l", lang,
		"--psm", strconv.Itoa(opts.PSM),
		"--oem", strconv.Itoa(opts.OEM),
		"hocr",
	}
	out, err := t.run(ctx, image, args...)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Languages lists the installed language packs.
func (t *Tesseract) Languages(ctx context.Context) ([]string, error) {
	out, err := t.run(ctx, nil, "--list-langs")
	if err != nil {
		return nil, err
	}
	// First line is a banner ("List of available languages ...").
	var langs []string
	for i, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if i == 0 || line == "" {
			continue
		}
		langs = append(langs, line)
	}
	return langs, nil
}

// Version reports the tesseract version string.
func (t *Tesseract) Version(ctx context.Context) (string, error) {
	out, err := t.run(ctx, nil, "--version")
	if err != nil {
		return "", err
	}
	line := firstLine(string(out))
	return strings.TrimSpace(strings.TrimPrefix(line, "tesseract")), nil
}

// TSV columns: level page block par line word left top width height conf text.
const (
	tsvColLine   = 4
	tsvColLeft   = 6
	tsvColTop    = 7
	tsvColWidth  = 8
	tsvColHeight = 9
	tsvColConf   = 10
	tsvColText   = 11
	tsvColCount  = 12
)

func parseTSV(out []byte) *DetailedResult {
	result := &DetailedResult{Words: []Word{}}

	var confSum float64
	lines := map[string]struct{}{}
	var textLines []string
	lastLineKey := ""

	for i, row := range strings.Split(string(out), "\n") {
		if i == 0 { // header
			continue
		}
		cols := strings.Split(row, "\t")
		if len(cols) < tsvColCount {
			continue
		}
		conf, err := strconv.ParseFloat(cols[tsvColConf], 64)
		if err != nil || conf < 0 {
			continue
		}
		text := strings.TrimSpace(cols[tsvColText])
		if text == "" {
			continue
		}

		left, _ := strconv.Atoi(cols[tsvColLeft])
		top, _ := strconv.Atoi(cols[tsvColTop])
		width, _ := strconv.Atoi(cols[tsvColWidth])
		height, _ := strconv.Atoi(cols[tsvColHeight])

		result.Words = append(result.Words, Word{
			Text:       text,
			Confidence: conf,
			Left:       left,
			Top:        top,
			Width:      width,
			Height:     height,
		})
		confSum += conf

		// Group words into text lines via block/par/line numbers.
		lineKey := cols[2] + ":" + cols[3] + ":" + cols[tsvColLine]
		lines[lineKey] = struct{}{}
		if lineKey == lastLineKey && len(textLines) > 0 {
			textLines[len(textLines)-1] += " " + text
		} else {
			textLines = append(textLines, text)
			lastLineKey = lineKey
		}
	}

	result.WordCount = len(result.Words)
	result.LineCount = len(lines)
	result.Text = strings.Join(textLines, "\n")
	if result.WordCount > 0 {
		result.Confidence = confSum / float64(result.WordCount)
	}
	return result
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}
