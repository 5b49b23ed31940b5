package browser

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// CleanHTML strips scripting, styling and hidden elements from captured
// page HTML and trims noisy attributes, producing the compact document
// stored as a DOM snapshot.
func CleanHTML(htmlContent string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlContent))
	if err != nil {
		return "", fmt.Errorf("failed to parse HTML: %w", err)
	}

	doc.Find("script, style, noscript, iframe, svg, link, meta").Remove()
	doc.Find("[hidden]").Remove()
	doc.Find("[style*='display:none']").Remove()
	doc.Find("[style*='display: none']").Remove()

	// Keep only the attributes useful for replaying or explaining a page.
	doc.Find("*").Each(func(i int, s *goquery.Selection) {
		if len(s.Nodes) == 0 {
			return
		}
		node := s.Nodes[0]
		var preserved []html.Attribute
		for _, attr := range node.Attr {
			switch {
			case attr.Key == "id" || attr.Key == "class" || attr.Key == "name" ||
				attr.Key == "href" || attr.Key == "src" || attr.Key == "alt" ||
				attr.Key == "title" || attr.Key == "type" || attr.Key == "value" ||
				attr.Key == "placeholder" || attr.Key == "role" ||
				strings.HasPrefix(attr.Key, "aria-") ||
				strings.HasPrefix(attr.Key, "data-test"):
				if attr.Key == "class" {
					classes := strings.Fields(attr.Val)
					if len(classes) > 3 {
						attr.Val = strings.Join(classes[:3], " ")
					}
				}
				if (attr.Key == "src" || attr.Key == "href") && len(attr.Val) > 100 {
					if strings.HasPrefix(attr.Val, "data:") {
						attr.Val = "data:..."
					} else {
						attr.Val = attr.Val[:100] + "..."
					}
				}
				preserved = append(preserved, attr)
			}
		}
		node.Attr = preserved
	})

	cleaned, err := doc.Html()
	if err != nil {
		return "", fmt.Errorf("failed to render cleaned HTML: %w", err)
	}
	return cleaned, nil
}

// ExtractText pulls readable text out of page HTML for embedding input,
// collapsing whitespace and capping the result at maxChars.
func ExtractText(htmlContent string, maxChars int) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlContent))
	if err != nil {
		return "", fmt.Errorf("failed to parse HTML: %w", err)
	}

	doc.Find("script, style, noscript").Remove()

	var builder strings.Builder
	doc.Find("body").Each(func(i int, s *goquery.Selection) {
		builder.WriteString(s.Text())
	})
	if builder.Len() == 0 {
		builder.WriteString(doc.Text())
	}

	text := strings.Join(strings.Fields(builder.String()), " ")
	if maxChars > 0 && len(text) > maxChars {
		text = text[:maxChars]
	}
	return text, nil
}
