package ingest

import (
	"context"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/go-shiori/go-readability"
)

const maxPageBytes = 4 << 20

// FetchPage downloads a web page and extracts its readable article text.
// Pages readability cannot parse fall back to tag stripping.
func FetchPage(ctx context.Context, client *http.Client, rawURL string) (title, content string, err error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", "", fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("fetch %s: status %d", rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return "", "", fmt.Errorf("read %s: %w", rawURL, err)
	}
	html := string(body)

	parsedURL, _ := url.Parse(rawURL)
	article, err := readability.FromReader(strings.NewReader(html), parsedURL)
	if err == nil && article.TextContent != "" {
		return article.Title, strings.TrimSpace(article.TextContent), nil
	}

	return "", StripHTML(html), nil
}

// StripHTML removes tags plus script and style bodies, collapsing the
// remainder into whitespace-separated text.
func StripHTML(content string) string {
	var result strings.Builder
	result.Grow(len(content))

	inTag := false
	skipUntil := "" // closing tag whose body is being skipped
	var tagName strings.Builder
	collectingTag := false

	i := 0
	for i < len(content) {
		r, size := utf8.DecodeRuneInString(content[i:])

		if r == '<' {
			inTag = true
			collectingTag = true
			tagName.Reset()
			i += size
			continue
		}
		if inTag {
			if r == '>' {
				inTag = false
				name := strings.ToLower(strings.TrimSpace(tagName.String()))
				switch {
				case skipUntil != "" && name == skipUntil:
					skipUntil = ""
				case skipUntil == "" && name == "script":
					skipUntil = "/script"
				case skipUntil == "" && name == "style":
					skipUntil = "/style"
				}
				result.WriteByte(' ')
			} else if collectingTag {
				if r == ' ' || r == '\t' || r == '\n' {
					collectingTag = false
				} else {
					tagName.WriteRune(r)
				}
			}
			i += size
			continue
		}
		if skipUntil == "" {
			result.WriteRune(r)
		}
		i += size
	}

	return strings.Join(strings.Fields(html.UnescapeString(result.String())), " ")
}
