package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"

// resolvePage reads track metadata from the public share page meta tags.
func (c *Client) resolvePage(ctx context.Context, loc Locator) (Track, error) {
	pageURL := c.pageURL + "/track/" + loc.ID
	slog.Debug("Extracting track info", "url", pageURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return Track{}, fmt.Errorf("%w: %v", ErrAPIRequest, err)
	}
	req.Header.Set("User-Agent", userAgent)

	res, err := c.pages.Do(req)
	if err != nil {
		return Track{}, fmt.Errorf("%w: %v", ErrAPIRequest, err)
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return Track{}, fmt.Errorf("%w: %s", ErrNotFound, loc.URI())
	}
	if res.StatusCode != http.StatusOK {
		return Track{}, fmt.Errorf("%w: %s", ErrAPIRequest, res.Status)
	}

	doc, err := goquery.NewDocumentFromReader(res.Body)
	if err != nil {
		return Track{}, fmt.Errorf("%w: parse page: %v", ErrAPIRequest, err)
	}

	track := Track{ID: loc.ID, URI: loc.URI()}
	doc.Find("meta").Each(func(_ int, s *goquery.Selection) {
		content, _ := s.Attr("content")
		property, _ := s.Attr("property")
		name, _ := s.Attr("name")
		switch {
		case property == "og:title":
			track.Name = strings.TrimSpace(content)
		case property == "og:description":
			// "Artist · Album · Song · 2020"
			track.Artist = strings.TrimSpace(strings.Split(content, "·")[0])
		case name == "music:duration" || property == "music:duration":
			if secs, err := strconv.ParseInt(strings.TrimSpace(content), 10, 64); err == nil {
				track.DurationMs = secs * 1000
			}
		}
	})

	if track.Name == "" {
		return Track{}, fmt.Errorf("%w: no title on page for %s", ErrNotFound, loc.URI())
	}
	return track, nil
}
