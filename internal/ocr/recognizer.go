package ocr

import (
	"context"
	"strings"
)

// Recognizer turns an image, PDF or text document into raw text
type Recognizer interface {
	// RecognizeText returns the text found in data. lang is a language hint
	// such as "eng"; implementations may ignore it.
	RecognizeText(ctx context.Context, data []byte, contentType, lang string) (string, error)
	// Close closes the recognizer and releases resources
	Close() error
}

// plainText passes text/plain documents through without OCR
type plainText struct {
	Recognizer
}

// WithPlainText wraps r so that text/plain documents are returned as-is
func WithPlainText(r Recognizer) Recognizer {
	return &plainText{Recognizer: r}
}

func (p *plainText) RecognizeText(ctx context.Context, data []byte, contentType, lang string) (string, error) {
	if isPlainText(contentType) {
		return strings.ToValidUTF8(string(data), ""), nil
	}
	return p.Recognizer.RecognizeText(ctx, data, contentType, lang)
}

func isPlainText(contentType string) bool {
	mimeType, _, _ := strings.Cut(strings.ToLower(strings.TrimSpace(contentType)), ";")
	return strings.TrimSpace(mimeType) == "text/plain"
}
