package ocr

import (
	"fmt"
	"strings"
)

// transcribePrompt asks a vision model for a verbatim transcription. Field
// extraction happens afterwards with the same rules used for tesseract output,
// so the model must not summarize or restructure.
const transcribePrompt = `You are an OCR engine. Transcribe every piece of text visible in this receipt or bill exactly as printed.

Rules:
- Keep the original line breaks and reading order, top to bottom
- Keep currency symbols, dates and numbers exactly as printed; do not reformat them
- Do not translate, summarize, correct or explain anything
- Do not add labels, headings or markdown
- If the document contains no readable text, return an empty response`

func buildPrompt(lang string) string {
	if lang == "" {
		return transcribePrompt
	}
	return fmt.Sprintf("%s\n- The document language is most likely %q (tesseract language code)", transcribePrompt, lang)
}

// cleanTranscript removes markdown code fences models sometimes wrap output in
func cleanTranscript(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}

	// drop the opening fence line, which may carry a language tag
	if i := strings.Index(text, "\n"); i >= 0 {
		text = text[i+1:]
	} else {
		text = strings.TrimLeft(text, "`")
	}
	text = strings.TrimSpace(text)
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}
