package syncer

import (
	"context"
	"errors"
	"sync"
	"time"
	"zerotrace/internal/model"
	"zerotrace/internal/utils/log"

	"go.uber.org/zap"
)

type (
	Fetcher interface {
		FetchEnvelopesFor(ctx context.Context, kemPublic string, after float64) ([]*model.Envelope, error)
	}

	Opener interface {
		Open(ctx context.Context, id *model.Identity, env *model.Envelope) (*model.DecryptedMessage, error)
	}

	Store interface {
		UpsertPlaceholders(ctx context.Context, dialogs []string, ts float64) error
		CommitBatch(ctx context.Context, records []model.CacheRecord) error
		ClearPlaceholders(ctx context.Context) error
		Since(ctx context.Context, dialogHash string, after float64) ([]model.CacheRecord, error)
		MaxTimestamp(ctx context.Context) (float64, error)
	}

	// Sink receives new entries from the presentation task. An empty batch
	// follows the last one that carried a LoadingEntry once no placeholder
	// remains. Present must not block on network I/O.
	Sink interface {
		Present(entries []Entry)
	}

	Options struct {
		IngestInterval  time.Duration
		PresentInterval time.Duration
		// Now is used for placeholder timestamps. Defaults to time.Now.
		Now func() time.Time
	}

	Engine struct {
		id      *model.Identity
		fetcher Fetcher
		opener  Opener
		store   Store
		sink    Sink
		opts    Options

		// ingestMu makes the ingest task the single writer of the store.
		ingestMu     sync.Mutex
		remoteCursor float64

		viewMu     sync.Mutex
		viewCursor float64
		dialog     string
		loading    bool

		trigger chan struct{}
		cancel  context.CancelFunc
		wg      sync.WaitGroup
	}
)

func New(id *model.Identity, fetcher Fetcher, opener Opener, store Store, sink Sink, opts Options) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		id:      id,
		fetcher: fetcher,
		opener:  opener,
		store:   store,
		sink:    sink,
		opts:    opts,
		trigger: make(chan struct{}, 1),
	}
}

// Start restores the remote cursor from the cache and launches both tasks.
// They run until ctx is cancelled or Stop is called.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.store.ClearPlaceholders(ctx); err != nil {
		return err
	}
	ts, err := e.store.MaxTimestamp(ctx)
	if err != nil {
		return err
	}
	e.ingestMu.Lock()
	e.remoteCursor = ts
	e.ingestMu.Unlock()

	ctx, e.cancel = context.WithCancel(ctx)

	e.wg.Add(2)
	go e.runIngest(ctx)
	go e.runPresent(ctx)

	log.Info("sync engine started",
		zap.Float64("cursor", ts),
		zap.Duration("ingest_interval", e.opts.IngestInterval),
		zap.Duration("present_interval", e.opts.PresentInterval))
	return nil
}

// Stop cancels both tasks and waits for them. A batch already fetched is
// finished first.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// Trigger requests an ingest cycle ahead of the timer. It never blocks.
func (e *Engine) Trigger() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// SetDialog scopes the presentation task to one dialog (empty for all)
// and replays it from the start.
func (e *Engine) SetDialog(dialogHash string) {
	e.viewMu.Lock()
	defer e.viewMu.Unlock()
	e.dialog = dialogHash
	e.viewCursor = 0
}

func (e *Engine) RemoteCursor() float64 {
	e.ingestMu.Lock()
	defer e.ingestMu.Unlock()
	return e.remoteCursor
}

func (e *Engine) runIngest(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.opts.IngestInterval)
	defer ticker.Stop()

	for {
		if err := e.Ingest(ctx); err != nil && ctx.Err() == nil {
			log.Error("ingest batch aborted", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-e.trigger:
		}
	}
}

func (e *Engine) runPresent(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.opts.PresentInterval)
	defer ticker.Stop()

	for {
		if err := e.Present(ctx); err != nil && ctx.Err() == nil {
			log.Error("presentation read failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Ingest runs one polling batch. On any error the remote cursor is left
// unchanged so the next cycle fetches the same envelopes again.
func (e *Engine) Ingest(ctx context.Context) error {
	e.ingestMu.Lock()
	defer e.ingestMu.Unlock()

	envs, err := e.fetcher.FetchEnvelopesFor(ctx, e.id.KEMPublicHex(), e.remoteCursor)
	if err != nil {
		return err
	}
	if len(envs) == 0 {
		return nil
	}

	// Once fetched, the batch runs to completion even if shutdown starts.
	ctx = context.WithoutCancel(ctx)

	now := float64(e.opts.Now().UnixNano()) / 1e9
	if err := e.store.UpsertPlaceholders(ctx, dialogsOf(envs), now); err != nil {
		return err
	}

	var (
		records = make([]model.CacheRecord, 0, len(envs))
		cursor  = e.remoteCursor
	)
	for _, env := range envs {
		if env.Timestamp > cursor {
			cursor = env.Timestamp
		}

		msg, err := e.opener.Open(ctx, e.id, env)
		if err != nil {
			if errors.Is(err, model.ErrAuthentication) {
				log.Warn("envelope dropped", zap.String("id", env.ID), zap.Error(err))
				continue
			}
			return err
		}
		if msg.MsgType == model.MessageLoad || !msg.MsgType.Valid() {
			log.Warn("envelope with unknown type dropped",
				zap.String("id", env.ID), zap.Stringer("type", msg.MsgType))
			continue
		}
		records = append(records, toRecord(msg))
	}

	if err := e.store.CommitBatch(ctx, records); err != nil {
		return err
	}
	e.remoteCursor = cursor

	log.Debug("ingest batch committed",
		zap.Int("fetched", len(envs)),
		zap.Int("stored", len(records)),
		zap.Float64("cursor", cursor))
	return nil
}

// Present hands entries newer than the view cursor to the sink. Placeholder
// rows are reported on every call while they exist; the cursor only moves
// over stored messages.
func (e *Engine) Present(ctx context.Context) error {
	e.viewMu.Lock()
	defer e.viewMu.Unlock()

	rows, err := e.store.Since(ctx, e.dialog, e.viewCursor)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		if e.loading {
			e.loading = false
			e.sink.Present(nil)
		}
		return nil
	}

	entries := make([]Entry, 0, len(rows))
	loading := false
	for _, r := range rows {
		entries = append(entries, toEntry(r))
		if r.Type == model.MessageLoad {
			loading = true
		} else if r.Timestamp > e.viewCursor {
			e.viewCursor = r.Timestamp
		}
	}
	e.loading = loading
	e.sink.Present(entries)
	return nil
}

func dialogsOf(envs []*model.Envelope) []string {
	seen := make(map[string]struct{}, len(envs))
	var out []string
	for _, env := range envs {
		if _, ok := seen[env.DialogHash]; ok {
			continue
		}
		seen[env.DialogHash] = struct{}{}
		out = append(out, env.DialogHash)
	}
	return out
}
