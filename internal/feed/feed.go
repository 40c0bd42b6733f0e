// Package feed pushes session snapshots to subscribers as they change. One watcher polls the store
// per session, however many subscribers the session has.
package feed

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/victornm/quizroom/internal/domain"
	"github.com/victornm/quizroom/internal/errors"
	"github.com/victornm/quizroom/internal/telemetry"
)

const (
	defaultPollInterval   = time.Second
	defaultMaxRetries     = 5
	defaultInitialBackoff = time.Second
	defaultMaxBackoff     = 10 * time.Second
)

var errHubClosed = errors.New(errors.CodeInternal, errors.WithMessagef("change feed is closed"))

type Reader interface {
	GetSession(ctx context.Context, id string) (*domain.Session, error)
}

type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type Config struct {
	Reader       Reader
	PollInterval time.Duration
	// MaxRetries bounds the reads attempted per poll before the watcher gives up.
	MaxRetries     uint
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	NewTickerFunc  func(d time.Duration) Ticker
}

type Hub struct {
	reader         Reader
	interval       time.Duration
	maxRetries     uint
	initialBackoff time.Duration
	maxBackoff     time.Duration
	newTicker      func(d time.Duration) Ticker

	mu       sync.Mutex
	watchers map[string]*watcher
	closed   bool
	wg       sync.WaitGroup
}

func NewHub(c Config) *Hub {
	h := &Hub{
		reader:         c.Reader,
		interval:       c.PollInterval,
		maxRetries:     c.MaxRetries,
		initialBackoff: c.InitialBackoff,
		maxBackoff:     c.MaxBackoff,
		newTicker:      c.NewTickerFunc,
		watchers:       make(map[string]*watcher),
	}

	if h.interval <= 0 {
		h.interval = defaultPollInterval
	}
	if h.maxRetries == 0 {
		h.maxRetries = defaultMaxRetries
	}
	if h.initialBackoff <= 0 {
		h.initialBackoff = defaultInitialBackoff
	}
	if h.maxBackoff <= 0 {
		h.maxBackoff = defaultMaxBackoff
	}
	if h.newTicker == nil {
		h.newTicker = newTimeTicker
	}

	return h
}

// Subscribe starts receiving snapshots of the session. The latest known snapshot, if any, is
// delivered right away. The subscription ends when ctx is done, Close is called, or the session
// can no longer be read.
func (h *Hub) Subscribe(ctx context.Context, sessionID string) *Subscription {
	sub := &Subscription{
		hub: h,
		ch:  make(chan *domain.Session, 1),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		sub.close(errHubClosed)
		return sub
	}

	w, ok := h.watchers[sessionID]
	if !ok {
		w = h.startWatcher(sessionID)
	}

	sub.w = w
	w.subs[sub] = struct{}{}
	telemetry.FeedSubscribed()

	if w.latest != nil {
		sub.offer(w.latest)
	}
	h.mu.Unlock()

	stop := context.AfterFunc(ctx, sub.Close)
	sub.mu.Lock()
	if sub.closed {
		stop()
	} else {
		sub.stop = stop
	}
	sub.mu.Unlock()

	slog.DebugContext(ctx, "feed: subscribed", "session_id", sessionID)
	return sub
}

// Watchers returns the number of sessions being polled.
func (h *Hub) Watchers() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.watchers)
}

// Close stops every watcher and ends all subscriptions.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var subs []*Subscription
	for _, w := range h.watchers {
		w.cancel()
		subs = slices.AppendSeq(subs, maps.Keys(w.subs))
	}
	clear(h.watchers)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.close(nil)
	}

	h.wg.Wait()
}

// startWatcher must be called with h.mu held.
func (h *Hub) startWatcher(sessionID string) *watcher {
	ctx, cancel := context.WithCancel(context.Background())
	w := &watcher{
		sessionID: sessionID,
		cancel:    cancel,
		subs:      make(map[*Subscription]struct{}),
	}
	h.watchers[sessionID] = w

	h.wg.Add(1)
	go h.run(ctx, w)

	return w
}

func (h *Hub) run(ctx context.Context, w *watcher) {
	defer h.wg.Done()

	telemetry.FeedWatcherStarted()
	defer telemetry.FeedWatcherStopped()

	t := h.newTicker(h.interval)
	defer t.Stop()

	if !h.poll(ctx, w) {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C():
			if !h.poll(ctx, w) {
				return
			}
		}
	}
}

// poll reads the session and fans it out. It reports false when the watcher must stop.
func (h *Hub) poll(ctx context.Context, w *watcher) bool {
	ss, err := h.read(ctx, w.sessionID)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}

		if !errors.Is(err, errors.CodeNotFound) {
			err = errors.New(errors.CodeStoreFailure,
				errors.WithMessagef("connection lost: session=%s", w.sessionID),
				errors.WithCause(err),
			)
		}

		slog.ErrorContext(ctx, "feed: watcher terminated", "session_id", w.sessionID, "error", err)
		telemetry.FeedTerminated()
		h.terminate(w, err)
		return false
	}

	h.mu.Lock()
	w.latest = ss
	subs := slices.Collect(maps.Keys(w.subs))
	h.mu.Unlock()

	for _, sub := range subs {
		sub.offer(ss)
	}

	return true
}

func (h *Hub) read(ctx context.Context, sessionID string) (*domain.Session, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = h.initialBackoff
	b.MaxInterval = h.maxBackoff

	return backoff.Retry(ctx, func() (*domain.Session, error) {
		ss, err := h.reader.GetSession(ctx, sessionID)
		if errors.Is(err, errors.CodeNotFound) {
			return nil, backoff.Permanent(err)
		}
		return ss, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(h.maxRetries),
		backoff.WithNotify(func(err error, d time.Duration) {
			slog.WarnContext(ctx, "feed: read session failed, retrying",
				"session_id", sessionID,
				"backoff", d,
				"error", err,
			)
		}),
	)
}

func (h *Hub) terminate(w *watcher, err error) {
	h.mu.Lock()
	if h.watchers[w.sessionID] == w {
		delete(h.watchers, w.sessionID)
	}
	subs := slices.Collect(maps.Keys(w.subs))
	h.mu.Unlock()

	w.cancel()
	for _, sub := range subs {
		sub.close(err)
	}
}

func (h *Hub) unsubscribe(sub *Subscription) {
	if sub.w == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	w := sub.w
	delete(w.subs, sub)
	if len(w.subs) > 0 {
		return
	}

	if h.watchers[w.sessionID] == w {
		delete(h.watchers, w.sessionID)
	}
	w.cancel()
}

type watcher struct {
	sessionID string
	cancel    context.CancelFunc
	// subs and latest are guarded by Hub.mu.
	subs   map[*Subscription]struct{}
	latest *domain.Session
}

// Subscription receives snapshots with strictly increasing UpdatedAt. A slow reader only ever sees
// the most recent pending snapshot. Snapshots are shared between subscribers and must not be
// modified.
type Subscription struct {
	hub *Hub
	w   *watcher
	ch  chan *domain.Session

	mu        sync.Mutex
	watermark time.Time
	closed    bool
	err       error
	stop      func() bool
}

// Updates returns the snapshot channel. It is closed when the subscription ends.
func (s *Subscription) Updates() <-chan *domain.Session {
	return s.ch
}

// Err returns why the subscription ended, or nil if it was closed by the subscriber.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.err
}

// Close ends the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	if s.close(nil) {
		s.hub.unsubscribe(s)
	}
}

func (s *Subscription) offer(ss *domain.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || !ss.UpdatedAt.After(s.watermark) {
		return
	}
	s.watermark = ss.UpdatedAt

	// Only offer sends, under s.mu, so after draining there is room.
	select {
	case <-s.ch:
	default:
	}
	s.ch <- ss
}

// close reports whether this call ended the subscription.
func (s *Subscription) close(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}

	s.closed = true
	s.err = err
	close(s.ch)
	if s.stop != nil {
		s.stop()
	}
	if s.w != nil {
		telemetry.FeedUnsubscribed()
	}

	return true
}

type timeTicker struct {
	t *time.Ticker
}

func newTimeTicker(d time.Duration) Ticker {
	return &timeTicker{t: time.NewTicker(d)}
}

func (t *timeTicker) C() <-chan time.Time { return t.t.C }

func (t *timeTicker) Stop() { t.t.Stop() }
