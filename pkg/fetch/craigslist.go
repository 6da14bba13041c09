package fetch

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/mmcdole/gofeed"
)

// priceSuffix matches the "- $1,250" tail craigslist appends to feed
// item titles.
var priceSuffix = regexp.MustCompile(`[-–]\s*\$([0-9][0-9,]*)\s*$`)

// Craigslist reads search results from the per-search RSS feed.
// Feeds carry the full result window in one page, so there is no
// pagination step.
type Craigslist struct {
	parser  *gofeed.Parser
	baseURL string
}

// NewCraigslist creates a craigslist adapter backed by the shared
// transport client.
func NewCraigslist(client *http.Client, baseURL string) *Craigslist {
	parser := gofeed.NewParser()
	if client != nil {
		parser.Client = client
	}
	return &Craigslist{parser: parser, baseURL: strings.TrimRight(baseURL, "/")}
}

func (c *Craigslist) Retailer() string { return "craigslist" }

func (c *Craigslist) Search(ctx context.Context, req Request) (*Result, error) {
	endpoint := req.Endpoint
	if endpoint == "" {
		endpoint = c.feedURL(req.Query)
	}

	feed, err := c.parser.ParseURLWithContext(endpoint, ctx)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "failed to detect feed type") {
			return nil, fmt.Errorf("craigslist feed: %w", badPayload(err))
		}
		return nil, fmt.Errorf("craigslist feed: %w", unreachable(err))
	}

	listings := make([]RawListing, 0, len(feed.Items))
	for _, item := range feed.Items {
		externalID := item.GUID
		if externalID == "" {
			externalID = item.Link
		}
		if externalID == "" {
			continue
		}

		title, price := splitTitlePrice(item.Title)

		listing := RawListing{
			ExternalID:  externalID,
			Title:       title,
			Description: item.Description,
			Price:       price,
			Currency:    "USD",
			PriceType:   PriceFixed,
			ProductURL:  item.Link,
			Available:   true,
		}
		if len(item.Enclosures) > 0 {
			listing.ImageURL = absolutize(item.Enclosures[0].URL, c.baseURL)
		}
		listings = append(listings, listing)
	}

	return &Result{Listings: listings, Endpoint: endpoint}, nil
}

// feedURL maps a search onto the RSS endpoint. Pasted search URLs get
// the format parameter appended; plain text goes through /search/sss.
func (c *Craigslist) feedURL(query string) string {
	if strings.HasPrefix(query, "http://") || strings.HasPrefix(query, "https://") {
		sep := "?"
		if strings.Contains(query, "?") {
			sep = "&"
		}
		return query + sep + "format=rss"
	}
	return fmt.Sprintf("%s/search/sss?query=%s&format=rss", c.baseURL, url.QueryEscape(query))
}

// splitTitlePrice strips the trailing price marker from a feed title
// and returns both halves. Titles without one price at zero.
func splitTitlePrice(title string) (string, float64) {
	m := priceSuffix.FindStringSubmatch(title)
	if m == nil {
		return strings.TrimSpace(title), 0
	}
	raw := strings.ReplaceAll(m[1], ",", "")
	price, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return strings.TrimSpace(title), 0
	}
	return strings.TrimSpace(strings.TrimSuffix(title, m[0])), price
}

func absolutize(raw, base string) string {
	switch {
	case raw == "":
		return ""
	case strings.HasPrefix(raw, "//"):
		return "https:" + raw
	case strings.HasPrefix(raw, "/"):
		return base + raw
	default:
		return raw
	}
}
