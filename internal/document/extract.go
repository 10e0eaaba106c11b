package document

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"github.com/ledongthuc/pdf"
)

const (
	// PromptSeparator introduces the extracted text appended to a prompt.
	PromptSeparator = "[Uploaded Documents Content]:\n"

	errEmptyText = "The text file is empty."
	errEmptyPDF  = "No text could be extracted from this PDF. It may contain only scanned images."
	errImage     = "Text recognition for images is not available. Please paste the text into the chat instead."
)

var (
	multiSpace   = regexp.MustCompile(` {2,}`)
	multiNewline = regexp.MustCompile(`\n{3,}`)
)

// File is an attachment as received from a client.
type File struct {
	Name string
	Type string
	Data []byte
}

// Result describes the outcome of extracting text from one file. Err is the user-facing reason when
// Success is false.
type Result struct {
	FileName  string `json:"fileName"`
	FileType  string `json:"fileType"`
	Text      string `json:"extractedText"`
	PageCount int    `json:"pageCount,omitempty"`
	Success   bool   `json:"success"`
	Err       string `json:"error,omitempty"`
}

// Extractor turns attachments into plain text for the model.
type Extractor struct {
	logger *slog.Logger
}

// NewExtractor creates an Extractor that logs skipped files to logger.
func NewExtractor(logger *slog.Logger) Extractor {
	return Extractor{logger: logger.With(slog.String("module", "document"))}
}

// Extract reads the text of one file. Plain text formats are read directly and PDFs through their
// text layer. Failures are reported in the Result, never as a panic.
func (e Extractor) Extract(name, fileType string, data []byte) Result {
	fileType = strings.ToLower(fileType)
	if fileType == "" {
		fileType = strings.ToLower(http.DetectContentType(data))
	}
	lowerName := strings.ToLower(name)

	e.logger.Debug("Processing file",
		slog.String("name", name),
		slog.String("type", fileType),
		slog.Int("size", len(data)))

	switch {
	case strings.HasPrefix(fileType, "image/"):
		return failed(name, fileType, errImage)
	case strings.HasPrefix(fileType, "text/"),
		strings.HasSuffix(lowerName, ".txt"),
		strings.HasSuffix(lowerName, ".csv"),
		strings.HasSuffix(lowerName, ".json"):
		return extractText(name, fileType, data)
	case fileType == "application/pdf", strings.HasSuffix(lowerName, ".pdf"):
		res := e.extractPDF(name, fileType, data)
		if !res.Success {
			e.logger.Warn("Failed to extract PDF", slog.String("name", name), slog.String("reason", res.Err))
		}
		return res
	}

	e.logger.Warn("Unsupported file type", slog.String("name", name), slog.String("type", fileType))
	return failed(name, fileType, fmt.Sprintf(
		"File type %q is not yet supported. Supported formats: PDF and Text files (TXT, CSV, JSON).", fileType))
}

// ExtractAll extracts every file and joins the successful ones under a header per file. allOK is
// false when at least one file failed.
func (e Extractor) ExtractAll(files []File) (combined string, results []Result, allOK bool) {
	parts := make([]string, 0, len(files))
	allOK = true
	for _, f := range files {
		res := e.Extract(f.Name, f.Type, f.Data)
		results = append(results, res)
		if !res.Success {
			allOK = false
			continue
		}
		if res.Text == "" {
			continue
		}

		header := fmt.Sprintf("=== %s ===", res.FileName)
		if res.PageCount > 0 {
			header = fmt.Sprintf("=== %s (%d pages) ===", res.FileName, res.PageCount)
		}
		parts = append(parts, "\n\n"+header+"\n"+res.Text)
	}
	return strings.Join(parts, "\n"), results, allOK
}

// BuildPrompt appends extracted document text to the typed content.
func BuildPrompt(content, extracted string) string {
	if extracted == "" {
		return content
	}
	if content == "" {
		return PromptSeparator + extracted
	}
	return content + "\n\n" + PromptSeparator + extracted
}

// DisplayContent is what the transcript shows for a prompt: the typed text, or a file count when
// only attachments were sent.
func DisplayContent(content string, fileCount int) string {
	if content != "" || fileCount == 0 {
		return content
	}
	return fmt.Sprintf("Sent %d file(s)", fileCount)
}

// Normalize collapses runs of spaces and blank lines and trims every line.
func Normalize(text string) string {
	text = multiSpace.ReplaceAllString(text, " ")
	text = multiNewline.ReplaceAllString(text, "\n\n")
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func extractText(name, fileType string, data []byte) Result {
	text := string(data)
	if strings.TrimSpace(text) == "" {
		return failed(name, fileType, errEmptyText)
	}
	return Result{
		FileName: name,
		FileType: fileType,
		Text:     Normalize(text),
		Success:  true,
	}
}

func (e Extractor) extractPDF(name, fileType string, data []byte) (res Result) {
	// The pdf reader panics on some malformed cross-reference tables.
	defer func() {
		if r := recover(); r != nil {
			res = failed(name, fileType, fmt.Sprintf("Failed to read PDF: %v", r))
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return failed(name, fileType, fmt.Sprintf("Failed to open PDF: %v", err))
	}

	content, err := reader.GetPlainText()
	if err != nil {
		return failed(name, fileType, fmt.Sprintf("Failed to extract PDF text: %v", err))
	}

	var builder strings.Builder
	if _, err := io.Copy(&builder, content); err != nil {
		return failed(name, fileType, fmt.Sprintf("Failed to extract PDF text: %v", err))
	}

	text := Normalize(builder.String())
	if text == "" {
		return failed(name, fileType, errEmptyPDF)
	}
	return Result{
		FileName:  name,
		FileType:  fileType,
		Text:      text,
		PageCount: reader.NumPage(),
		Success:   true,
	}
}

func failed(name, fileType, reason string) Result {
	return Result{FileName: name, FileType: fileType, Err: reason}
}
