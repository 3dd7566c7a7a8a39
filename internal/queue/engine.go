// Package queue drives download jobs through the Agent one at a time.
//
// Every mutation of the pending list, the current slot and the history runs
// as a task on a single loop goroutine started by [Engine.Start]. Agent
// events, delayed re-advances and public calls all submit tasks to that
// loop, so no two of them ever touch queue state concurrently.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"sgfq/internal/agent"
	"sgfq/internal/catalog"
	"sgfq/internal/models"
)

const (
	doneAdvanceDelay         = 1000 * time.Millisecond
	errorAdvanceDelay        = 2000 * time.Millisecond
	skipAdvanceDelay         = 500 * time.Millisecond
	startFailureAdvanceDelay = 2000 * time.Millisecond

	// playbackIDTrustWindow bounds how long after startedAt an event
	// carrying only a playbackId is attributed to the current item.
	playbackIDTrustWindow = 5000 * time.Millisecond

	StatusHistoryLimit  = 20
	DefaultHistoryLimit = 500

	defaultResolveConcurrency = 4
	startPlaybackTimeout      = 30 * time.Second
	recordTimeout             = 5 * time.Second
	taskBuffer                = 64
)

var (
	ErrInvalidLocator = catalog.ErrInvalidLocator
	ErrStopped        = errors.New("queue engine stopped")
)

type Catalog interface {
	Resolve(ctx context.Context, locator string) ([]catalog.Track, error)
	StartPlayback(ctx context.Context, uri, deviceID string) error
}

type Channel interface {
	Connected() bool
	On(t agent.MessageType, h agent.Handler)
}

// Observer is notified on the engine loop whenever observable state changes.
type Observer interface {
	QueueUpdated(status models.QueueStatus)
	AgentConnected()
	AgentDisconnected()
}

// Recorder receives every item that reaches a terminal status.
type Recorder interface {
	Record(ctx context.Context, item models.QueueItem) error
}

type Options struct {
	DeviceID string
	Observer Observer
	Recorder Recorder
	// HistoryLimit caps the stored history; 0 means DefaultHistoryLimit and
	// a negative value keeps everything until ClearCompleted.
	HistoryLimit       int
	ResolveConcurrency int
	Now                func() time.Time
	AfterFunc          agent.AfterFunc
}

type Engine struct {
	catalog            Catalog
	channel            Channel
	observer           Observer
	recorder           Recorder
	deviceID           string
	historyLimit       int
	resolveConcurrency int
	now                func() time.Time
	afterFunc          agent.AfterFunc

	tasks    chan func()
	quit     chan struct{}
	done     chan struct{}
	started  atomic.Bool
	stopOnce sync.Once
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	timersMu  sync.Mutex
	timers    map[uint64]agent.Timer
	nextTimer uint64
	stopped   bool

	// Owned by the loop goroutine.
	pending          []*models.QueueItem
	current          *models.QueueItem
	history          []models.QueueItem
	scheduledAdvance int
	lastStamp        int64
}

func New(cat Catalog, ch Channel, opts Options) *Engine {
	if opts.HistoryLimit == 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	if opts.ResolveConcurrency <= 0 {
		opts.ResolveConcurrency = defaultResolveConcurrency
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = func(d time.Duration, f func()) agent.Timer { return time.AfterFunc(d, f) }
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		catalog:            cat,
		channel:            ch,
		observer:           opts.Observer,
		recorder:           opts.Recorder,
		deviceID:           opts.DeviceID,
		historyLimit:       opts.HistoryLimit,
		resolveConcurrency: opts.ResolveConcurrency,
		now:                opts.Now,
		afterFunc:          opts.AfterFunc,
		tasks:              make(chan func(), taskBuffer),
		quit:               make(chan struct{}),
		done:               make(chan struct{}),
		ctx:                ctx,
		cancel:             cancel,
		timers:             make(map[uint64]agent.Timer),
	}
}

// Start subscribes to the channel and runs the loop until ctx is done or
// Stop is called. Calls made before Start wait for it.
func (e *Engine) Start(ctx context.Context) {
	if !e.started.CompareAndSwap(false, true) {
		return
	}
	e.channel.On(agent.DownloadStatus, func(msg agent.Message) {
		e.submit(func() { e.handleDownloadStatus(msg) })
	})
	e.channel.On(agent.Connected, func(agent.Message) {
		e.submit(func() {
			slog.Info("Agent connected, resuming queue")
			if e.observer != nil {
				e.observer.AgentConnected()
			}
			e.advance()
		})
	})
	e.channel.On(agent.Disconnected, func(agent.Message) {
		e.submit(func() {
			slog.Warn("Agent disconnected, queue paused")
			if e.observer != nil {
				e.observer.AgentDisconnected()
			}
		})
	})
	go e.run(ctx)
}

// Stop cancels scheduled re-advances and in-flight playback requests, then
// ends the loop.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.timersMu.Lock()
		e.stopped = true
		for _, t := range e.timers {
			t.Stop()
		}
		e.timers = nil
		e.timersMu.Unlock()

		e.cancel()
		close(e.quit)
		if e.started.Load() {
			<-e.done
		}
		e.wg.Wait()
	})
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.quit:
			return
		case task := <-e.tasks:
			task()
		}
	}
}

func (e *Engine) submit(task func()) bool {
	select {
	case e.tasks <- task:
		return true
	case <-e.done:
		return false
	case <-e.quit:
		return false
	}
}

// do runs fn on the loop and waits for it.
func (e *Engine) do(fn func()) bool {
	finished := make(chan struct{})
	if !e.submit(func() {
		defer close(finished)
		fn()
	}) {
		return false
	}
	select {
	case <-finished:
		return true
	case <-e.done:
		select {
		case <-finished:
			return true
		default:
			return false
		}
	}
}

// AddJob resolves every locator and appends the resulting tracks to the
// pending list, skipping ids already pending or current. It returns only
// the items actually added.
func (e *Engine) AddJob(ctx context.Context, locators []string) ([]models.QueueItem, error) {
	tracks, err := e.resolve(ctx, locators)
	if err != nil {
		return nil, err
	}

	var added []models.QueueItem
	if !e.do(func() {
		added = e.appendTracks(tracks)
		e.advance()
	}) {
		return nil, ErrStopped
	}
	return added, nil
}

func (e *Engine) resolve(ctx context.Context, locators []string) ([]catalog.Track, error) {
	results := make([][]catalog.Track, len(locators))
	known := make([]bool, len(locators))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.resolveConcurrency)
	for i, locator := range locators {
		g.Go(func() error {
			tracks, err := e.catalog.Resolve(gctx, locator)
			if errors.Is(err, catalog.ErrInvalidLocator) {
				slog.Warn("Ignoring invalid locator", "locator", locator, "error", err)
				return nil
			}
			known[i] = true
			if err != nil {
				slog.Error("Failed to resolve locator", "locator", locator, "error", err)
				return nil
			}
			results[i] = tracks
			return nil
		})
	}
	g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	anyKnown := false
	var tracks []catalog.Track
	for i := range locators {
		anyKnown = anyKnown || known[i]
		tracks = append(tracks, results[i]...)
	}
	if !anyKnown {
		return nil, fmt.Errorf("%w: none of %d locators is a track, album or playlist", ErrInvalidLocator, len(locators))
	}
	return tracks, nil
}

func (e *Engine) appendTracks(tracks []catalog.Track) []models.QueueItem {
	added := []models.QueueItem{}
	addedAt := e.stamp()
	for _, t := range tracks {
		if e.queued(t.ID) {
			slog.Info("Skipping duplicate track", "id", t.ID, "name", t.Name)
			continue
		}
		item := &models.QueueItem{
			Id:         t.ID,
			Key:        uuid.NewString(),
			Uri:        t.URI,
			Name:       t.Name,
			Artist:     t.Artist,
			DurationMs: t.DurationMs,
			Status:     models.StatusQueued,
			AddedAt:    addedAt,
		}
		e.pending = append(e.pending, item)
		added = append(added, *item)
	}
	if len(added) > 0 {
		slog.Info("Added to queue", "count", len(added), "pending", len(e.pending))
		e.notify()
	}
	return added
}

func (e *Engine) queued(id string) bool {
	if e.current != nil && e.current.Id == id {
		return true
	}
	for _, item := range e.pending {
		if item.Id == id {
			return true
		}
	}
	return false
}

// advance hands the head of the pending list to the Agent when the slot is
// free. While a delayed re-advance is scheduled only that timer may start
// the next item.
func (e *Engine) advance() {
	if e.current != nil || len(e.pending) == 0 || e.scheduledAdvance > 0 {
		return
	}
	if !e.channel.Connected() {
		slog.Debug("Agent not connected, queue waiting", "pending", len(e.pending))
		return
	}

	item := e.pending[0]
	e.pending[0] = nil
	e.pending = e.pending[1:]
	item.Status = models.StatusDownloading
	item.StartedAt = e.stamp()
	e.current = item
	slog.Info("Starting download", "id", item.Id, "name", item.Name, "uri", item.Uri)
	e.notify()

	key, uri := item.Key, item.Uri
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(e.ctx, startPlaybackTimeout)
		defer cancel()
		if err := e.catalog.StartPlayback(ctx, uri, e.deviceID); err != nil {
			e.submit(func() { e.failStart(key, err) })
		}
	}()
}

func (e *Engine) failStart(key string, err error) {
	if e.current == nil || e.current.Key != key {
		slog.Warn("Playback start failed for an item no longer current", "error", err)
		return
	}
	slog.Error("Failed to start playback", "id", e.current.Id, "uri", e.current.Uri, "error", err)
	e.finish(models.StatusError, err.Error(), "", startFailureAdvanceDelay)
}

// finish moves the current item to the head of history in a terminal status
// and schedules the next advance after delay.
func (e *Engine) finish(status models.Status, errMsg, path string, delay time.Duration) {
	item := e.current
	if item == nil || !item.Status.Active() || !status.Terminal() {
		slog.Error("Invalid finish transition", "status", status)
		return
	}
	item.Status = status
	item.CompletedAt = e.stamp()
	item.Error = errMsg
	item.Path = path
	e.current = nil

	e.history = append([]models.QueueItem{*item}, e.history...)
	if e.historyLimit > 0 && len(e.history) > e.historyLimit {
		e.history = e.history[:e.historyLimit]
	}

	slog.Info("Download finished", "id", item.Id, "status", status, "path", path, "error", errMsg)
	e.record(*item)
	e.notify()
	e.scheduleAdvance(delay)
}

func (e *Engine) scheduleAdvance(delay time.Duration) {
	e.timersMu.Lock()
	defer e.timersMu.Unlock()
	if e.stopped {
		return
	}
	id := e.nextTimer
	e.nextTimer++
	e.scheduledAdvance++
	e.timers[id] = e.afterFunc(delay, func() {
		e.timersMu.Lock()
		delete(e.timers, id)
		e.timersMu.Unlock()
		e.submit(func() {
			e.scheduledAdvance--
			e.advance()
		})
	})
}

func (e *Engine) record(item models.QueueItem) {
	if e.recorder == nil {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		if err := e.recorder.Record(ctx, item); err != nil {
			slog.Error("Failed to record history", "id", item.Id, "error", err)
		}
	}()
}

// stamp returns the current time in milliseconds, never earlier than a
// previously returned stamp.
func (e *Engine) stamp() int64 {
	ms := e.now().UnixMilli()
	if ms < e.lastStamp {
		ms = e.lastStamp
	}
	e.lastStamp = ms
	return ms
}

func (e *Engine) notify() {
	if e.observer != nil {
		e.observer.QueueUpdated(e.snapshot())
	}
}

func (e *Engine) snapshot() models.QueueStatus {
	status := models.QueueStatus{
		Pending:        make([]models.QueueItem, 0, len(e.pending)),
		History:        make([]models.QueueItem, 0, min(len(e.history), StatusHistoryLimit)),
		AgentConnected: e.channel.Connected(),
	}
	if e.current != nil {
		current := *e.current
		status.Current = &current
	}
	for _, item := range e.pending {
		status.Pending = append(status.Pending, *item)
	}
	for i := 0; i < len(e.history) && i < StatusHistoryLimit; i++ {
		status.History = append(status.History, e.history[i])
	}
	return status
}

// Status returns a snapshot with at most StatusHistoryLimit history items.
func (e *Engine) Status() models.QueueStatus {
	var status models.QueueStatus
	e.do(func() { status = e.snapshot() })
	return status
}

// RemoveFromQueue drops a pending item. The current item cannot be removed.
func (e *Engine) RemoveFromQueue(id string) bool {
	removed := false
	e.do(func() {
		for i, item := range e.pending {
			if item.Id == id {
				e.pending = append(e.pending[:i], e.pending[i+1:]...)
				removed = true
				slog.Info("Removed from queue", "id", id)
				e.notify()
				return
			}
		}
	})
	return removed
}

// SkipCurrent abandons the current item without telling the Agent; its
// eventual status events are then dropped by correlation.
func (e *Engine) SkipCurrent() bool {
	skipped := false
	e.do(func() {
		if e.current == nil {
			return
		}
		e.finish(models.StatusSkipped, "", "", skipAdvanceDelay)
		skipped = true
	})
	return skipped
}

func (e *Engine) ClearCompleted() {
	e.do(func() {
		e.history = nil
		e.notify()
	})
}
