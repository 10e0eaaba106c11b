package document_test

import (
	"io"
	"log/slog"
	"testing"

	"github.com/MegaGrindStone/askai-chat/internal/document"
	"github.com/stretchr/testify/require"
)

func newExtractor() document.Extractor {
	return document.NewExtractor(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestExtract(t *testing.T) {
	tests := []struct {
		name     string
		fileName string
		fileType string
		data     string
		wantOK   bool
		wantText string
		wantErr  string
	}{
		{
			name:     "Plain text normalized",
			fileName: "notes.txt",
			fileType: "text/plain",
			data:     "  first   line  \n\n\n\n second line ",
			wantOK:   true,
			wantText: "first line\n\nsecond line",
		},
		{
			name:     "CSV by extension",
			fileName: "table.CSV",
			fileType: "application/octet-stream",
			data:     "a,b\n1,2",
			wantOK:   true,
			wantText: "a,b\n1,2",
		},
		{
			name:     "JSON by extension",
			fileName: "data.json",
			fileType: "application/json",
			data:     `{"a": 1}`,
			wantOK:   true,
			wantText: `{"a": 1}`,
		},
		{
			name:     "Empty text",
			fileName: "empty.txt",
			fileType: "text/plain",
			data:     " \n ",
			wantErr:  "The text file is empty.",
		},
		{
			name:     "Image",
			fileName: "scan.png",
			fileType: "image/png",
			data:     "\x89PNG",
			wantErr:  "Text recognition for images is not available. Please paste the text into the chat instead.",
		},
		{
			name:     "Unsupported",
			fileName: "archive.zip",
			fileType: "application/zip",
			data:     "PK",
			wantErr:  `File type "application/zip" is not yet supported. Supported formats: PDF and Text files (TXT, CSV, JSON).`,
		},
	}

	e := newExtractor()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := e.Extract(tt.fileName, tt.fileType, []byte(tt.data))
			require.Equal(t, tt.wantOK, res.Success)
			require.Equal(t, tt.fileName, res.FileName)
			require.Equal(t, tt.wantText, res.Text)
			require.Equal(t, tt.wantErr, res.Err)
		})
	}
}

func TestExtractBrokenPDF(t *testing.T) {
	res := newExtractor().Extract("paper.pdf", "application/pdf", []byte("%PDF-1.4 not really"))
	require.False(t, res.Success)
	require.NotEmpty(t, res.Err)
}

func TestExtractAll(t *testing.T) {
	combined, results, allOK := newExtractor().ExtractAll([]document.File{
		{Name: "a.txt", Type: "text/plain", Data: []byte("alpha")},
		{Name: "b.png", Type: "image/png", Data: []byte("x")},
		{Name: "c.txt", Type: "text/plain", Data: []byte("gamma")},
	})

	require.False(t, allOK)
	require.Len(t, results, 3)
	require.Equal(t, "\n\n=== a.txt ===\nalpha\n\n\n=== c.txt ===\ngamma", combined)
}

func TestBuildPrompt(t *testing.T) {
	require.Equal(t, "hi", document.BuildPrompt("hi", ""))
	require.Equal(t, "hi\n\n[Uploaded Documents Content]:\ndoc", document.BuildPrompt("hi", "doc"))
	require.Equal(t, "[Uploaded Documents Content]:\ndoc", document.BuildPrompt("", "doc"))
}

func TestDisplayContent(t *testing.T) {
	require.Equal(t, "hi", document.DisplayContent("hi", 2))
	require.Equal(t, "Sent 2 file(s)", document.DisplayContent("", 2))
	require.Equal(t, "", document.DisplayContent("", 0))
}
