package feed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"strings"

	"lotwatch/internal/domain"

	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"
	"github.com/mmcdole/gofeed"
)

const missingTitle = "N/A"

// ErrUndecodable means the payload is not a feed at all. A feed with zero
// entries is not an error.
var ErrUndecodable = errors.New("undecodable feed")

type Parser struct {
	titlePolicy *bluemonday.Policy
	log         *slog.Logger
}

func NewParser(log *slog.Logger) *Parser {
	return &Parser{
		titlePolicy: bluemonday.StrictPolicy(),
		log:         log,
	}
}

// Parse extracts entries in feed order. Items without an identifier are
// skipped. A payload that decodes only partially yields whatever items were
// recovered.
func (p *Parser) Parse(ctx context.Context, data []byte) ([]domain.Entry, error) {
	parsed, err := gofeed.NewParser().Parse(bytes.NewReader(data))
	if err != nil {
		if parsed == nil || len(parsed.Items) == 0 {
			return nil, fmt.Errorf("%w: %w", ErrUndecodable, err)
		}

		p.log.WarnContext(ctx, "Feed is decoded partially",
			"error", err,
			"items", len(parsed.Items))
	}

	entries := make([]domain.Entry, 0, len(parsed.Items))
	skipped := 0

	for _, item := range parsed.Items {
		if item == nil {
			continue
		}

		entry, ok := p.toEntry(ctx, item)
		if !ok {
			skipped++
			continue
		}

		entries = append(entries, entry)
	}

	if skipped > 0 {
		p.log.WarnContext(ctx, "Skipped feed items without identifier",
			"skipped", skipped,
			"kept", len(entries))
	}

	return entries, nil
}

func (p *Parser) toEntry(ctx context.Context, item *gofeed.Item) (domain.Entry, bool) {
	link := strings.TrimSpace(item.Link)

	id := strings.TrimSpace(item.GUID)
	if id == "" {
		id = link
	}
	if id == "" {
		return domain.Entry{}, false
	}

	title := strings.TrimSpace(html.UnescapeString(p.titlePolicy.Sanitize(item.Title)))
	if title == "" {
		title = missingTitle
	}

	entryURL := link
	if entryURL == "" {
		entryURL = id
	}

	return domain.Entry{
		ID:          id,
		Title:       title,
		URL:         entryURL,
		Description: p.plainText(ctx, item.Description),
	}, true
}

func (p *Parser) plainText(ctx context.Context, fragment string) string {
	if strings.TrimSpace(fragment) == "" {
		return ""
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		p.log.DebugContext(ctx, "Failed to parse description markup",
			"error", err)

		return strings.Join(strings.Fields(fragment), " ")
	}

	return strings.Join(strings.Fields(doc.Text()), " ")
}
