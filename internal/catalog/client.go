// Package catalog resolves user supplied Spotify locators into playable
// tracks and starts playback on the device the Agent is attached to.
//
// With API credentials every request goes through the Web API using an
// [oauth2] refresh-token source, throttled by a [rate.Limiter]. Without
// credentials only single tracks resolve, from their public share page.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

const (
	spotifyAuthURL  = "https://accounts.spotify.com/authorize"
	spotifyTokenURL = "https://accounts.spotify.com/api/token"
	spotifyBaseURL  = "https://api.spotify.com/v1"
	spotifyPageURL  = "https://open.spotify.com"

	defaultRequestsPerSecond = 5
	pageTimeout              = 30 * time.Second
)

// Track is one playable catalog entry.
type Track struct {
	ID         string `json:"id"`
	URI        string `json:"uri"`
	Name       string `json:"name"`
	Artist     string `json:"artist"`
	DurationMs int64  `json:"durationMs"`
}

type Config struct {
	ClientID          string
	ClientSecret      string
	RefreshToken      string
	APIBaseURL        string
	TokenURL          string
	PageBaseURL       string
	RequestsPerSecond float64
}

type Client struct {
	api           *http.Client
	pages         *http.Client
	baseURL       string
	pageURL       string
	limiter       *rate.Limiter
	authenticated bool
}

func NewClient(ctx context.Context, cfg Config) *Client {
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = spotifyBaseURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = spotifyTokenURL
	}
	if cfg.PageBaseURL == "" {
		cfg.PageBaseURL = spotifyPageURL
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = defaultRequestsPerSecond
	}

	c := &Client{
		api:     http.DefaultClient,
		pages:   &http.Client{Timeout: pageTimeout},
		baseURL: strings.TrimRight(cfg.APIBaseURL, "/"),
		pageURL: strings.TrimRight(cfg.PageBaseURL, "/"),
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
	}

	if cfg.ClientID != "" && cfg.ClientSecret != "" && cfg.RefreshToken != "" {
		oauthCfg := &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:  spotifyAuthURL,
				TokenURL: cfg.TokenURL,
			},
		}
		ts := oauthCfg.TokenSource(ctx, &oauth2.Token{RefreshToken: cfg.RefreshToken})
		c.api = oauth2.NewClient(ctx, ts)
		c.authenticated = true
	} else {
		slog.Warn("Spotify API credentials missing, only track links will resolve")
	}
	return c
}

type apiArtist struct {
	Name string `json:"name"`
}

type apiTrack struct {
	ID         string      `json:"id"`
	URI        string      `json:"uri"`
	Type       string      `json:"type"`
	Name       string      `json:"name"`
	DurationMS int64       `json:"duration_ms"`
	Artists    []apiArtist `json:"artists"`
}

type albumTracksPage struct {
	Items []apiTrack `json:"items"`
	Next  *string    `json:"next"`
}

type playlistTracksPage struct {
	Items []struct {
		Track *apiTrack `json:"track"`
	} `json:"items"`
	Next *string `json:"next"`
}

type apiError struct {
	Error struct {
		Status  int    `json:"status"`
		Message string `json:"message"`
	} `json:"error"`
}

func (t apiTrack) toTrack() Track {
	names := make([]string, 0, len(t.Artists))
	for _, a := range t.Artists {
		names = append(names, a.Name)
	}
	return Track{
		ID:         t.ID,
		URI:        t.URI,
		Name:       t.Name,
		Artist:     strings.Join(names, ", "),
		DurationMs: t.DurationMS,
	}
}

// Resolve expands a locator into its tracks: one for a track, every track
// for an album or playlist.
func (c *Client) Resolve(ctx context.Context, locator string) ([]Track, error) {
	loc, err := ParseLocator(locator)
	if err != nil {
		return nil, err
	}

	if !c.authenticated {
		if loc.Kind != KindTrack {
			return nil, fmt.Errorf("%w: cannot expand %s", ErrNoCredentials, loc.URI())
		}
		track, err := c.resolvePage(ctx, loc)
		if err != nil {
			return nil, err
		}
		return []Track{track}, nil
	}

	switch loc.Kind {
	case KindTrack:
		var t apiTrack
		if err := c.getJSON(ctx, c.baseURL+"/tracks/"+loc.ID, &t); err != nil {
			return nil, err
		}
		return []Track{t.toTrack()}, nil
	case KindAlbum:
		return c.albumTracks(ctx, loc.ID)
	default:
		return c.playlistTracks(ctx, loc.ID)
	}
}

func (c *Client) albumTracks(ctx context.Context, id string) ([]Track, error) {
	var tracks []Track
	next := c.baseURL + "/albums/" + id + "/tracks?limit=50"
	for next != "" {
		var page albumTracksPage
		if err := c.getJSON(ctx, next, &page); err != nil {
			return nil, err
		}
		for _, t := range page.Items {
			tracks = append(tracks, t.toTrack())
		}
		next = ""
		if page.Next != nil {
			next = *page.Next
		}
	}
	return tracks, nil
}

func (c *Client) playlistTracks(ctx context.Context, id string) ([]Track, error) {
	var tracks []Track
	next := c.baseURL + "/playlists/" + id + "/tracks?limit=100"
	for next != "" {
		var page playlistTracksPage
		if err := c.getJSON(ctx, next, &page); err != nil {
			return nil, err
		}
		for _, item := range page.Items {
			// Removed tracks come back null and podcast episodes have their own type.
			if item.Track == nil || item.Track.ID == "" || item.Track.Type != "track" {
				continue
			}
			tracks = append(tracks, item.Track.toTrack())
		}
		next = ""
		if page.Next != nil {
			next = *page.Next
		}
	}
	return tracks, nil
}

// StartPlayback asks the player on deviceID (or the active device when
// empty) to play uri.
func (c *Client) StartPlayback(ctx context.Context, uri, deviceID string) error {
	if !c.authenticated {
		return fmt.Errorf("%w: %w", ErrPlayback, ErrNoCredentials)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrPlayback, err)
	}

	endpoint := c.baseURL + "/me/player/play"
	if deviceID != "" {
		endpoint += "?device_id=" + url.QueryEscape(deviceID)
	}
	body, err := json.Marshal(map[string][]string{"uris": {uri}})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPlayback, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPlayback, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.api.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPlayback, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %s", ErrPlayback, errorMessage(resp))
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAPIRequest, err)
	}
	resp, err := c.api.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAPIRequest, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusBadRequest:
		return fmt.Errorf("%w: %s", ErrNotFound, errorMessage(resp))
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("%w: %s", ErrAPIRequest, errorMessage(resp))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrAPIRequest, err)
	}
	return nil
}

func errorMessage(resp *http.Response) string {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var apiErr apiError
	if err := json.Unmarshal(data, &apiErr); err == nil && apiErr.Error.Message != "" {
		return apiErr.Error.Message
	}
	return resp.Status
}
