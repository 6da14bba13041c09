package fetch

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func olxCard(id, title, price string) string {
	return fmt.Sprintf(`<div data-cy="l-card" id="%s">
		<a href="/d/oferta/%s.html"><img src="//img.example.com/%s.jpg"></a>
		<h6>%s</h6>
		<p data-testid="ad-price">%s</p>
		<p data-testid="location-date">Warszawa, Mokotów - Dzisiaj o 12:30</p>
	</div>`, id, id, id, title, price)
}

func olxPage(total int, cards ...string) string {
	return fmt.Sprintf(`<html><body>
		<span data-testid="total-count">Znaleźliśmy %d ogłoszeń</span>
		<div data-testid="listing-grid">%s</div>
	</body></html>`, total, strings.Join(cards, "\n"))
}

func TestOLXParsesListingGrid(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, olxPage(2,
			olxCard("777", "Rower miejski", "1 200,50 zł"),
			olxCard("778", "Rower górski", "800 zł do negocjacji"),
		))
	}))
	defer ts.Close()

	o := NewOLX(ts.Client(), ts.URL)
	o.delay = 0
	result, err := o.Search(context.Background(), Request{Query: "rower"})
	require.NoError(t, err)
	require.Len(t, result.Listings, 2)

	fixed := result.Listings[0]
	assert.Equal(t, "777", fixed.ExternalID)
	assert.Equal(t, "Rower miejski", fixed.Title)
	assert.Equal(t, 1200.50, fixed.Price)
	assert.Equal(t, "PLN", fixed.Currency)
	assert.Equal(t, PriceFixed, fixed.PriceType)
	assert.Equal(t, ts.URL+"/d/oferta/777.html", fixed.ProductURL)
	assert.Equal(t, "https://img.example.com/777.jpg", fixed.ImageURL)
	assert.Equal(t, "Warszawa, Mokotów", fixed.Location, "date tail is dropped")

	negotiable := result.Listings[1]
	assert.Equal(t, PriceNegotiable, negotiable.PriceType)
	assert.Equal(t, 800.0, negotiable.Price)
}

func TestOLXWalksPagesSequentially(t *testing.T) {
	var pagesSeen []int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		pagesSeen = append(pagesSeen, page)

		start := (page - 1) * olxPageSize
		var cards []string
		for i := 0; i < olxPageSize && start+i < 60; i++ {
			id := fmt.Sprintf("ad-%d", start+i)
			cards = append(cards, olxCard(id, "Rower", "100 zł"))
		}
		fmt.Fprint(w, olxPage(60, cards...))
	}))
	defer ts.Close()

	o := NewOLX(ts.Client(), ts.URL)
	o.delay = 0
	result, err := o.Search(context.Background(), Request{Query: "rower"})
	require.NoError(t, err)

	assert.Len(t, result.Listings, 60, "sixty results over two pages of forty")
	assert.Equal(t, []int{1, 2}, pagesSeen, "pages are walked in order")
}

func TestOLXCancelBetweenPages(t *testing.T) {
	firstServed := make(chan struct{})
	var once sync.Once
	var requests atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		cards := make([]string, olxPageSize)
		for i := range cards {
			cards[i] = olxCard(fmt.Sprintf("ad-%d", i), "Rower", "100 zł")
		}
		fmt.Fprint(w, olxPage(400, cards...))
		once.Do(func() { close(firstServed) })
	}))
	defer ts.Close()

	o := NewOLX(ts.Client(), ts.URL)
	o.delay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-firstServed
		cancel()
	}()

	// The cancel lands after page one is served, at the latest in the
	// hour-long inter-page wait. Either way it must surface through the
	// error chain and the walk must stop before page two.
	_, err := o.Search(ctx, Request{Query: "rower"})
	require.ErrorIs(t, err, context.Canceled)
	assert.EqualValues(t, 1, requests.Load(), "no page is requested after the cancel")
}

func TestOLXMissingGridIsBadPayload(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html><body><h1>Przepraszamy</h1></body></html>")
	}))
	defer ts.Close()

	o := NewOLX(ts.Client(), ts.URL)
	_, err := o.Search(context.Background(), Request{Query: "rower"})
	require.ErrorIs(t, err, ErrBadPayload)
}

func TestOLXEmptyGridIsZeroResults(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, olxPage(0))
	}))
	defer ts.Close()

	o := NewOLX(ts.Client(), ts.URL)
	result, err := o.Search(context.Background(), Request{Query: "rower"})
	require.NoError(t, err)
	assert.Empty(t, result.Listings, "an empty grid is a valid empty result")
}

func TestOLXThrottledIsUnreachable(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer ts.Close()

	o := NewOLX(ts.Client(), ts.URL)
	_, err := o.Search(context.Background(), Request{Query: "rower"})
	require.ErrorIs(t, err, ErrUnreachable)
}

func TestOLXPriceParsing(t *testing.T) {
	tests := []struct {
		in       string
		want     float64
		wantType PriceType
	}{
		{"1 200,50 zł", 1200.50, PriceFixed},
		{"800 zł", 800, PriceFixed},
		{"800 zł do negocjacji", 800, PriceNegotiable},
		{"Za darmo", 0, PriceFixed},
		{"", 0, PriceFixed},
	}
	for _, tc := range tests {
		price, priceType := olxPrice(tc.in)
		assert.Equal(t, tc.want, price, "input %q", tc.in)
		assert.Equal(t, tc.wantType, priceType, "input %q", tc.in)
	}
}
