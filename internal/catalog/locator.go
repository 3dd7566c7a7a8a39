package catalog

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

type Kind string

const (
	KindTrack    Kind = "track"
	KindAlbum    Kind = "album"
	KindPlaylist Kind = "playlist"
)

var (
	ErrInvalidLocator = errors.New("invalid locator")
	ErrNotFound       = errors.New("not found in catalog")
	ErrNoCredentials  = errors.New("catalog credentials not configured")
	ErrAPIRequest     = errors.New("catalog request failed")
	ErrPlayback       = errors.New("playback start failed")
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9]+$`)

type Locator struct {
	Kind Kind
	ID   string
}

func (l Locator) URI() string {
	return "spotify:" + string(l.Kind) + ":" + l.ID
}

// ParseLocator accepts spotify:<kind>:<id> URIs and open.spotify.com links,
// including localized /intl-xx/ paths and query strings.
func ParseLocator(s string) (Locator, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "spotify:") {
		parts := strings.Split(s, ":")
		if len(parts) != 3 {
			return Locator{}, fmt.Errorf("%w: %q", ErrInvalidLocator, s)
		}
		return newLocator(parts[1], parts[2], s)
	}

	u, err := url.Parse(s)
	if err != nil || u.Host != "open.spotify.com" {
		return Locator{}, fmt.Errorf("%w: %q", ErrInvalidLocator, s)
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segments) > 0 && strings.HasPrefix(segments[0], "intl-") {
		segments = segments[1:]
	}
	if len(segments) != 2 {
		return Locator{}, fmt.Errorf("%w: %q", ErrInvalidLocator, s)
	}
	return newLocator(segments[0], segments[1], s)
}

func newLocator(kind, id, raw string) (Locator, error) {
	switch Kind(kind) {
	case KindTrack, KindAlbum, KindPlaylist:
	default:
		return Locator{}, fmt.Errorf("%w: unsupported type %q in %q", ErrInvalidLocator, kind, raw)
	}
	if !idPattern.MatchString(id) {
		return Locator{}, fmt.Errorf("%w: bad id in %q", ErrInvalidLocator, raw)
	}
	return Locator{Kind: Kind(kind), ID: id}, nil
}
