package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
)

const (
	kufarPageSize = 50
	kufarMaxPages = 10
)

// Kufar searches a classifieds board through its JSON listing API.
// Human search URLs are translated once into the machine endpoint via
// discovery; the caller memoizes the result on the query.
type Kufar struct {
	client  *http.Client
	baseURL string
}

// NewKufar creates a Kufar adapter. baseURL is the site root.
func NewKufar(client *http.Client, baseURL string) *Kufar {
	if client == nil {
		client = NewClient(TransportOpts{})
	}
	return &Kufar{client: client, baseURL: strings.TrimRight(baseURL, "/")}
}

func (k *Kufar) Retailer() string { return "kufar" }

func (k *Kufar) Search(ctx context.Context, req Request) (*Result, error) {
	endpoint := req.Endpoint
	if endpoint == "" {
		var err error
		endpoint, err = k.discoverEndpoint(ctx, req.Query)
		if err != nil {
			return nil, fmt.Errorf("kufar discover: %w", err)
		}
	}

	first, total, err := k.fetchPage(ctx, endpoint, 1)
	if err != nil {
		return nil, fmt.Errorf("kufar page 1: %w", err)
	}

	pages := (total + kufarPageSize - 1) / kufarPageSize
	if pages > kufarMaxPages {
		pages = kufarMaxPages
	}

	listings := first
	if pages > 1 {
		// Total count is known up front, so the remaining pages are
		// fetched concurrently under a small worker cap. A failed page
		// fails the whole search: the contract is the complete set.
		var (
			mu      sync.Mutex
			wg      sync.WaitGroup
			sem     = make(chan struct{}, 4)
			pageErr error
		)
		for page := 2; page <= pages; page++ {
			wg.Add(1)
			go func(page int) {
				defer wg.Done()
				sem <- struct{}{}
				defer func() { <-sem }()

				batch, _, err := k.fetchPage(ctx, endpoint, page)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					if pageErr == nil {
						pageErr = fmt.Errorf("kufar page %d: %w", page, err)
					}
					return
				}
				listings = append(listings, batch...)
			}(page)
		}
		wg.Wait()
		if pageErr != nil {
			return nil, pageErr
		}
	}

	return &Result{Listings: listings, Endpoint: endpoint}, nil
}

// discoverEndpoint turns a search into the stable API endpoint. Plain
// text searches map directly onto the API; a pasted browser URL is
// fetched once and the embedded API link extracted from the page head.
func (k *Kufar) discoverEndpoint(ctx context.Context, query string) (string, error) {
	if !strings.HasPrefix(query, "http://") && !strings.HasPrefix(query, "https://") {
		return fmt.Sprintf("%s/api/search/ads?query=%s", k.baseURL, url.QueryEscape(query)), nil
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, query, nil)
	if err != nil {
		return "", badPayload(err)
	}

	resp, err := k.client.Do(httpReq)
	if err != nil {
		return "", unreachable(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", statusErr("kufar", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return "", badPayload(err)
	}

	href, ok := doc.Find(`link[rel="alternate"][type="application/json"]`).Attr("href")
	if !ok || href == "" {
		return "", badPayload(fmt.Errorf("no api link in search page %s", query))
	}
	return absolutize(href, k.baseURL), nil
}

func (k *Kufar) fetchPage(ctx context.Context, endpoint string, page int) ([]RawListing, int, error) {
	sep := "?"
	if strings.Contains(endpoint, "?") {
		sep = "&"
	}
	pageURL := fmt.Sprintf("%s%ssize=%d&page=%d", endpoint, sep, kufarPageSize, page)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, 0, badPayload(err)
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := k.client.Do(httpReq)
	if err != nil {
		return nil, 0, unreachable(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, 0, statusErr("kufar", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, 0, badPayload(fmt.Errorf("kufar status %d", resp.StatusCode))
	}

	var payload kufarResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, 0, badPayload(err)
	}

	listings := make([]RawListing, 0, len(payload.Ads))
	for _, ad := range payload.Ads {
		listings = append(listings, RawListing{
			ExternalID:  fmt.Sprintf("%d", ad.AdID),
			Title:       ad.Subject,
			Description: ad.Body,
			Price:       float64(ad.PriceCents) / 100,
			Currency:    ad.Currency,
			PriceType:   kufarPriceType(ad.PriceType),
			ImageURL:    absolutize(ad.Image, k.baseURL),
			ProductURL:  absolutize(ad.AdLink, k.baseURL),
			Location:    ad.Location.Name,
			DistanceM:   ad.Location.DistanceM,
			Available:   !ad.Closed,
		})
	}
	return listings, payload.Total, nil
}

func kufarPriceType(t string) PriceType {
	switch t {
	case "bid", "auction":
		return PriceBid
	case "negotiable":
		return PriceNegotiable
	case "reserved":
		return PriceReserved
	default:
		return PriceFixed
	}
}

type kufarResponse struct {
	Total int       `json:"total"`
	Ads   []kufarAd `json:"ads"`
}

type kufarAd struct {
	AdID       int64  `json:"ad_id"`
	Subject    string `json:"subject"`
	Body       string `json:"body"`
	PriceCents int64  `json:"price"`
	PriceType  string `json:"price_type"`
	Currency   string `json:"currency"`
	Image      string `json:"image"`
	AdLink     string `json:"ad_link"`
	Closed     bool   `json:"closed"`
	Location   struct {
		Name      string `json:"name"`
		DistanceM int    `json:"distance_m"`
	} `json:"location"`
}
