package fetch

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

const (
	olxPageSize  = 40
	olxMaxPages  = 10
	olxPageDelay = 500 * time.Millisecond
)

var olxDigits = regexp.MustCompile(`[0-9]+`)

// OLX scrapes the HTML search result grid. Pages are walked
// sequentially with a delay between requests; the first page's total
// counter bounds the walk.
type OLX struct {
	client  *http.Client
	baseURL string
	delay   time.Duration
}

// NewOLX creates an OLX adapter.
func NewOLX(client *http.Client, baseURL string) *OLX {
	if client == nil {
		client = NewClient(TransportOpts{})
	}
	return &OLX{client: client, baseURL: strings.TrimRight(baseURL, "/"), delay: olxPageDelay}
}

func (o *OLX) Retailer() string { return "olx" }

func (o *OLX) Search(ctx context.Context, req Request) (*Result, error) {
	endpoint := req.Endpoint
	if endpoint == "" {
		endpoint = o.searchURL(req.Query)
	}

	first, total, err := o.fetchPage(ctx, endpoint, 1)
	if err != nil {
		return nil, fmt.Errorf("olx page 1: %w", err)
	}

	pages := (total + olxPageSize - 1) / olxPageSize
	if pages > olxMaxPages {
		pages = olxMaxPages
	}

	listings := first
	for page := 2; page <= pages; page++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(o.delay):
		}

		batch, _, err := o.fetchPage(ctx, endpoint, page)
		if err != nil {
			return nil, fmt.Errorf("olx page %d: %w", page, err)
		}
		listings = append(listings, batch...)
	}

	return &Result{Listings: listings, Endpoint: endpoint}, nil
}

func (o *OLX) searchURL(query string) string {
	if strings.HasPrefix(query, "http://") || strings.HasPrefix(query, "https://") {
		return query
	}
	return fmt.Sprintf("%s/offers/?q=%s", o.baseURL, url.QueryEscape(query))
}

func (o *OLX) fetchPage(ctx context.Context, endpoint string, page int) ([]RawListing, int, error) {
	sep := "?"
	if strings.Contains(endpoint, "?") {
		sep = "&"
	}
	pageURL := fmt.Sprintf("%s%spage=%d", endpoint, sep, page)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, 0, badPayload(err)
	}

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, 0, unreachable(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, 0, statusErr("olx", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, 0, badPayload(fmt.Errorf("olx status %d", resp.StatusCode))
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, 0, badPayload(err)
	}

	total := 0
	if m := olxDigits.FindString(doc.Find(`[data-testid="total-count"]`).First().Text()); m != "" {
		total, _ = strconv.Atoi(m)
	}

	var listings []RawListing
	doc.Find(`[data-cy="l-card"]`).Each(func(_ int, card *goquery.Selection) {
		id, ok := card.Attr("id")
		if !ok || id == "" {
			return
		}

		listing := RawListing{
			ExternalID: id,
			Title:      strings.TrimSpace(card.Find("h6").First().Text()),
			Currency:   "PLN",
			Available:  true,
		}

		priceText := strings.TrimSpace(card.Find(`[data-testid="ad-price"]`).First().Text())
		listing.Price, listing.PriceType = olxPrice(priceText)

		if href, ok := card.Find("a").First().Attr("href"); ok {
			listing.ProductURL = absolutize(href, o.baseURL)
		}
		if src, ok := card.Find("img").First().Attr("src"); ok {
			listing.ImageURL = absolutize(src, o.baseURL)
		}

		locDate := strings.TrimSpace(card.Find(`[data-testid="location-date"]`).First().Text())
		if i := strings.Index(locDate, " - "); i >= 0 {
			locDate = locDate[:i]
		}
		listing.Location = locDate

		listings = append(listings, listing)
	})

	if len(listings) == 0 && doc.Find(`[data-testid="listing-grid"]`).Length() == 0 {
		return nil, 0, badPayload(fmt.Errorf("olx page %d: no listing grid", page))
	}

	return listings, total, nil
}

// olxPrice parses a display price like "1 200,50 zł" and recognizes
// the negotiable marker. Prices it cannot read come back as zero.
func olxPrice(text string) (float64, PriceType) {
	priceType := PriceFixed
	lower := strings.ToLower(text)
	if strings.Contains(lower, "do negocjacji") || strings.Contains(lower, "negotiable") {
		priceType = PriceNegotiable
	}

	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r >= '0' && r <= '9':
			return r
		case r == ',':
			return '.'
		case r == '.':
			return r
		default:
			return -1
		}
	}, text)

	price, err := strconv.ParseFloat(strings.TrimSpace(cleaned), 64)
	if err != nil {
		return 0, priceType
	}
	return price, priceType
}
