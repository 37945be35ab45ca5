package ocr

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	"image/png"
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"
)

// maxPDFPages bounds how many PDF pages are rendered for OCR
const maxPDFPages = 20

// pdfText returns the embedded text layer of a PDF, one page after another
func pdfText(pdfData []byte) (string, error) {
	doc, err := fitz.NewFromMemory(pdfData)
	if err != nil {
		return "", fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	var b strings.Builder
	for i := 0; i < doc.NumPage() && i < maxPDFPages; i++ {
		text, err := doc.Text(i)
		if err != nil {
			return "", fmt.Errorf("reading PDF page %d text: %w", i, err)
		}
		b.WriteString(text)
		b.WriteString("\n")
	}
	return b.String(), nil
}

// pdfToImages renders every PDF page (up to maxPDFPages) as PNG
func pdfToImages(pdfData []byte) ([][]byte, error) {
	doc, err := fitz.NewFromMemory(pdfData)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	var pages [][]byte
	for i := 0; i < doc.NumPage() && i < maxPDFPages; i++ {
		// 300 DPI keeps small receipt print legible
		img, err := doc.ImageDPI(i, 300)
		if err != nil {
			return nil, fmt.Errorf("rendering PDF page %d: %w", i, err)
		}
		data, err := encodePNG(img)
		if err != nil {
			return nil, err
		}
		pages = append(pages, data)
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("PDF has no pages")
	}
	return pages, nil
}

// decodeImage decodes JPEG, PNG, GIF and HEIC/HEIF images
func decodeImage(imageData []byte, mimeType string) (image.Image, error) {
	// Go's standard image package doesn't support HEIC
	if isHEICFormat(imageData) || isHEICMimeType(mimeType) {
		img, err := heic.Decode(bytes.NewReader(imageData))
		if err != nil {
			return nil, fmt.Errorf("decoding HEIC/HEIF image: %w", err)
		}
		return img, nil
	}

	img, _, err := image.Decode(bytes.NewReader(imageData))
	if err != nil {
		if strings.Contains(err.Error(), "unknown format") {
			return nil, fmt.Errorf("unsupported image format. Supported formats: JPEG, PNG, GIF, HEIC, HEIF, PDF. Error: %w", err)
		}
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	return img, nil
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// isHEICFormat checks the ftyp box brand at offset 4
func isHEICFormat(data []byte) bool {
	if len(data) < 12 || string(data[4:8]) != "ftyp" {
		return false
	}
	brand := string(data[8:12])
	return brand == "heic" || brand == "heif" || brand == "mif1" || brand == "msf1"
}

// isHEICMimeType checks if the MIME type indicates HEIC/HEIF format
func isHEICMimeType(mimeType string) bool {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	return strings.Contains(mimeType, "heic") || strings.Contains(mimeType, "heif")
}

// toPNGPages converts a PDF or image into PNG pages ready for recognition.
// PNG input that needs no conversion is returned unchanged.
func toPNGPages(data []byte, contentType string) ([][]byte, error) {
	mimeType := strings.ToLower(strings.TrimSpace(contentType))
	if mimeType == "application/pdf" {
		return pdfToImages(data)
	}
	if mimeType == "image/png" && !isHEICFormat(data) {
		return [][]byte{data}, nil
	}
	img, err := decodeImage(data, mimeType)
	if err != nil {
		return nil, fmt.Errorf("converting image to PNG: %w", err)
	}
	page, err := encodePNG(img)
	if err != nil {
		return nil, err
	}
	return [][]byte{page}, nil
}

// binarize converts a PNG to black and white using Otsu's threshold. Faint
// or low contrast scans often only yield text after this step.
func binarize(pngData []byte) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(pngData))
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	bounds := img.Bounds()
	gray := image.NewGray(bounds)
	var histogram [256]int
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			c := color.GrayModel.Convert(img.At(x, y)).(color.Gray)
			gray.SetGray(x, y, c)
			histogram[c.Y]++
		}
	}

	threshold := otsuThreshold(histogram, bounds.Dx()*bounds.Dy())
	out := image.NewGray(bounds)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			if gray.GrayAt(x, y).Y > threshold {
				out.SetGray(x, y, color.Gray{Y: 255})
			} else {
				out.SetGray(x, y, color.Gray{Y: 0})
			}
		}
	}
	return encodePNG(out)
}

func otsuThreshold(histogram [256]int, total int) uint8 {
	if total == 0 {
		return 127
	}
	var sum float64
	for i, n := range histogram {
		sum += float64(i * n)
	}

	var (
		sumB, maxVar float64
		weightB      int
		threshold    uint8
	)
	for i, n := range histogram {
		weightB += n
		if weightB == 0 {
			continue
		}
		weightF := total - weightB
		if weightF == 0 {
			break
		}
		sumB += float64(i * n)
		meanB := sumB / float64(weightB)
		meanF := (sum - sumB) / float64(weightF)
		between := float64(weightB) * float64(weightF) * (meanB - meanF) * (meanB - meanF)
		if between > maxVar {
			maxVar = between
			threshold = uint8(i)
		}
	}
	return threshold
}
