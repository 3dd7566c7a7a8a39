package queue

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"sgfq/internal/agent"
	"sgfq/internal/models"
)

const defaultDownloadError = "Download failed"

// Outcome is what correlation did with one download-status event.
type Outcome int

const (
	Applied Outcome = iota
	IgnoredNoCurrent
	IgnoredLocatorMismatch
	IgnoredStaleError
	IgnoredStaleTimeout
	IgnoredUnknownStatus
	IgnoredMalformed
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case IgnoredNoCurrent:
		return "ignored: no current item"
	case IgnoredLocatorMismatch:
		return "ignored: locator mismatch"
	case IgnoredStaleError:
		return "ignored: stale playback error"
	case IgnoredStaleTimeout:
		return "ignored: playback id outside trust window"
	case IgnoredUnknownStatus:
		return "ignored: unknown status"
	case IgnoredMalformed:
		return "ignored: malformed event"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

type downloadStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Path    string `json:"path,omitempty"`
}

// The Agent sends either {"results":{"<uri>":{...}}} or a bare status
// object tagged with {"playbackId":...}.
type downloadStatusEvent struct {
	downloadStatus
	PlaybackID string          `json:"playbackId,omitempty"`
	Results    json.RawMessage `json:"results,omitempty"`
}

type statusEvent struct {
	downloadStatus
	Locator    string
	PlaybackID string
}

var errNoResults = errors.New("empty results map")

func parseStatusEvent(content []byte) (statusEvent, error) {
	var raw downloadStatusEvent
	if err := json.Unmarshal(content, &raw); err != nil {
		return statusEvent{}, err
	}
	if len(raw.Results) == 0 || string(raw.Results) == "null" {
		return statusEvent{downloadStatus: raw.downloadStatus, PlaybackID: raw.PlaybackID}, nil
	}
	locator, st, err := firstResult(raw.Results)
	if err != nil {
		return statusEvent{}, err
	}
	return statusEvent{downloadStatus: st, Locator: locator, PlaybackID: raw.PlaybackID}, nil
}

// firstResult reads the first entry of a results object in document order.
func firstResult(raw json.RawMessage) (string, downloadStatus, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return "", downloadStatus{}, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return "", downloadStatus{}, fmt.Errorf("results is %v, want object", tok)
	}
	if !dec.More() {
		return "", downloadStatus{}, errNoResults
	}
	keyTok, err := dec.Token()
	if err != nil {
		return "", downloadStatus{}, err
	}
	var st downloadStatus
	if err := dec.Decode(&st); err != nil {
		return "", downloadStatus{}, err
	}
	return keyTok.(string), st, nil
}

func (e *Engine) handleDownloadStatus(msg agent.Message) Outcome {
	ev, err := parseStatusEvent(msg.Content)
	if err != nil {
		slog.Error("Dropping malformed download status", "error", err)
		return IgnoredMalformed
	}
	outcome := e.correlate(ev)
	slog.Debug("Download status", "status", ev.Status, "locator", ev.Locator, "playbackId", ev.PlaybackID, "outcome", outcome)
	return outcome
}

func (e *Engine) correlate(ev statusEvent) Outcome {
	if e.current == nil {
		return IgnoredNoCurrent
	}
	status := strings.ToUpper(ev.Status)

	if ev.Locator != "" {
		if ev.Locator != e.current.Uri {
			return IgnoredLocatorMismatch
		}
	} else {
		// Errors tagged only by playbackId are usually left over from an
		// earlier playback session.
		if status == "ERROR" {
			return IgnoredStaleError
		}
		if e.now().UnixMilli()-e.current.StartedAt >= playbackIDTrustWindow.Milliseconds() {
			return IgnoredStaleTimeout
		}
	}

	switch status {
	case "IN_PROGRESS":
		if e.current.Status != models.StatusConverting {
			e.current.Status = models.StatusDownloading
		}
		e.notify()
	case "CONVERTING":
		e.current.Status = models.StatusConverting
		e.notify()
	case "DONE":
		e.finish(models.StatusCompleted, "", ev.Path, doneAdvanceDelay)
	case "ERROR":
		msg := ev.Message
		if msg == "" {
			msg = defaultDownloadError
		}
		e.finish(models.StatusError, msg, "", errorAdvanceDelay)
	default:
		return IgnoredUnknownStatus
	}
	return Applied
}
