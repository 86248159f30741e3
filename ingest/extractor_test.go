package ingest

import (
	"strings"
	"testing"
)

func TestContentTypeFromExtension(t *testing.T) {
	tests := []struct {
		ext  string
		want ContentType
	}{
		{"md", TypeMarkdown},
		{"markdown", TypeMarkdown},
		{"MD", TypeMarkdown},
		{"pdf", TypePDF},
		{"txt", TypePlainText},
		{"", TypePlainText},
		{"docx", TypePlainText},
	}
	for _, tt := range tests {
		if got := ContentTypeFromExtension(tt.ext); got != tt.want {
			t.Errorf("ContentTypeFromExtension(%q) = %q, want %q", tt.ext, got, tt.want)
		}
	}
}

func TestExtractorFor(t *testing.T) {
	if _, ok := ExtractorFor(TypeMarkdown).(MarkdownExtractor); !ok {
		t.Error("markdown content should get the markdown extractor")
	}
	if _, ok := ExtractorFor(TypePDF).(PDFExtractor); !ok {
		t.Error("pdf content should get the pdf extractor")
	}
	if _, ok := ExtractorFor(TypePlainText).(PlainTextExtractor); !ok {
		t.Error("plain text should get the passthrough extractor")
	}
}

func TestPlainTextExtractor(t *testing.T) {
	got, err := PlainTextExtractor{}.Extract([]byte("as is"))
	if err != nil || got != "as is" {
		t.Errorf("Extract = %q, %v", got, err)
	}
}

func TestMarkdownExtractor(t *testing.T) {
	src := "# Opening Hours\n\nWe are open *every* weekday from [9am](https://example.com).\n\n- ramen\n- udon\n\n```\norder --now\n```\n"
	got, err := MarkdownExtractor{}.Extract([]byte(src))
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"Opening Hours", "every", "9am", "ramen", "udon", "order --now"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
	for _, bad := range []string{"#", "*", "[", "https://example.com", "```"} {
		if strings.Contains(got, bad) {
			t.Errorf("markup %q leaked into output:\n%s", bad, got)
		}
	}
	// Block structure survives as blank-line separated text.
	if !strings.Contains(got, "Opening Hours\n\n") {
		t.Errorf("heading not block-separated:\n%s", got)
	}
}

func TestPDFExtractorEmpty(t *testing.T) {
	if _, err := (PDFExtractor{}).Extract(nil); err == nil {
		t.Error("empty input must error")
	}
	if _, err := (PDFExtractor{}).Extract([]byte("not a pdf")); err == nil {
		t.Error("garbage input must error")
	}
}
