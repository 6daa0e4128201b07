package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ama66/datasync/internal/progress"
)

const archiveContentType = "application/json"

var tracer = otel.Tracer("datasync/ingest")

// PipelineConfig controls Pipeline behavior.
type PipelineConfig struct {
	// Workers bounds how many fetched pages may exist ahead of the persist
	// stage. 1 keeps exactly one fetch overlapping one persist.
	Workers    int
	BlobPrefix string
	Topic      string
	RunID      [16]byte
}

// Pipeline runs one complete drain: a fetch stage walking the upstream
// cursor chain feeds a persist stage over a bounded channel, so the next
// page downloads while the current batch commits. Ordering is preserved;
// a checkpoint is only written after its batch is durable. Any fatal
// error on either stage stops both.
type Pipeline struct {
	walker      *Walker
	store       EventStore
	checkpoints CheckpointStore
	archive     BlobStore
	publisher   Publisher
	emitter     progress.Emitter
	clock       Clock
	cfg         PipelineConfig
	logger      *zap.Logger
}

// NewPipeline constructs a Pipeline. The archive, publisher, and emitter
// are optional; passing nil disables the corresponding side channel.
func NewPipeline(
	walker *Walker,
	store EventStore,
	checkpoints CheckpointStore,
	archive BlobStore,
	publisher Publisher,
	emitter progress.Emitter,
	clock Clock,
	cfg PipelineConfig,
	logger *zap.Logger,
) *Pipeline {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		walker:      walker,
		store:       store,
		checkpoints: checkpoints,
		archive:     archive,
		publisher:   publisher,
		emitter:     emitter,
		clock:       clock,
		cfg:         cfg,
		logger:      logger,
	}
}

// Run drains the upstream stream to the store and blocks until the stream
// is exhausted, the context finishes, or a fatal error occurs. The
// returned Summary reflects the work committed before return, including
// partial progress on error.
func (p *Pipeline) Run(ctx context.Context) (Summary, error) {
	ctx, span := tracer.Start(ctx, "drain-run", trace.WithAttributes(
		attribute.String("datasync.run_id", uuid.UUID(p.cfg.RunID).String()),
	))
	defer span.End()

	start := p.clock.Now()
	summary := Summary{}

	if err := p.walker.Restore(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "restore checkpoint")
		return summary, err
	}

	p.emit(progress.Event{Stage: progress.StageRunStart, Cursor: p.walker.Cursor()})
	p.logger.Info("drain run starting",
		zap.String("run_id", uuid.UUID(p.cfg.RunID).String()),
		zap.String("cursor", p.walker.Cursor()),
	)

	pages := make(chan *Page, p.cfg.Workers-1)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(pages)
		for {
			page, err := p.walker.Next(gctx)
			if errors.Is(err, ErrEndOfStream) {
				return nil
			}
			if err != nil {
				return err
			}
			select {
			case pages <- page:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})

	g.Go(func() error {
		seq := 0
		for page := range pages {
			seq++
			if err := p.persistPage(gctx, page, seq, &summary); err != nil {
				return err
			}
		}
		return nil
	})

	err := g.Wait()
	if err == nil {
		// Stream exhausted: clear the cursor so the next run starts a
		// fresh scan from the beginning.
		if saveErr := p.checkpoints.Save(ctx, "", p.walker.TotalEstimate()); saveErr != nil {
			err = fmt.Errorf("save terminal checkpoint: %w", saveErr)
		}
	}

	summary.TotalEstimate = p.walker.TotalEstimate()
	summary.Resets = p.walker.Resets()
	summary.Elapsed = p.clock.Now().Sub(start)

	if err != nil {
		p.emit(progress.Event{Stage: progress.StageRunError, Dur: summary.Elapsed, Note: err.Error()})
		p.logger.Error("drain run failed",
			zap.Int("pages", summary.Pages),
			zap.Int64("inserted", summary.Inserted),
			zap.Duration("elapsed", summary.Elapsed),
			zap.Error(err),
		)
		span.RecordError(err)
		span.SetStatus(codes.Error, "drain failed")
		return summary, err
	}

	span.SetAttributes(
		attribute.Int("datasync.pages", summary.Pages),
		attribute.Int64("datasync.inserted", summary.Inserted),
		attribute.Int64("datasync.duplicates", summary.Duplicates),
	)

	p.emit(progress.Event{
		Stage:         progress.StageRunDone,
		Events:        summary.Events,
		Inserted:      summary.Inserted,
		Duplicates:    summary.Duplicates,
		TotalEstimate: summary.TotalEstimate,
		Dur:           summary.Elapsed,
	})
	p.logger.Info("drain run complete",
		zap.Int("pages", summary.Pages),
		zap.Int64("events", summary.Events),
		zap.Int64("inserted", summary.Inserted),
		zap.Int64("duplicates", summary.Duplicates),
		zap.Int("resets", summary.Resets),
		zap.Duration("elapsed", summary.Elapsed),
	)
	return summary, nil
}

// persistPage commits one page: normalize, insert, checkpoint. The raw
// body archive and the batch notification are side channels and never
// fail the page.
func (p *Pipeline) persistPage(ctx context.Context, page *Page, seq int, summary *Summary) (err error) {
	ctx, span := tracer.Start(ctx, "persist-page", trace.WithAttributes(
		attribute.String("datasync.cursor", page.Cursor),
		attribute.Int("datasync.page_seq", seq),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "persist page")
		}
		span.End()
	}()

	p.archivePage(ctx, page, seq)

	events, err := NormalizeAll(page.Records)
	if err != nil {
		return fmt.Errorf("normalize page at cursor %q: %w", page.Cursor, err)
	}
	span.SetAttributes(attribute.Int("datasync.events", len(events)))

	commitStart := time.Now()
	inserted, err := p.store.InsertBatch(ctx, events)
	if err != nil {
		return fmt.Errorf("insert batch at cursor %q: %w", page.Cursor, err)
	}
	if err := p.checkpoints.Save(ctx, page.NextCursor, page.TotalEstimate); err != nil {
		return fmt.Errorf("save checkpoint at cursor %q: %w", page.Cursor, err)
	}
	commitDur := time.Since(commitStart)

	duplicates := int64(len(events)) - inserted
	summary.Pages++
	summary.Events += int64(len(events))
	summary.Inserted += inserted
	summary.Duplicates += duplicates

	p.publishBatch(ctx, page, inserted, duplicates)

	p.emit(progress.Event{
		Stage:         progress.StagePageFetched,
		Cursor:        page.Cursor,
		Events:        int64(len(events)),
		TotalEstimate: page.TotalEstimate,
		Dur:           page.FetchDuration,
	})
	p.emit(progress.Event{
		Stage:      progress.StageBatchCommit,
		Cursor:     page.Cursor,
		Events:     int64(len(events)),
		Inserted:   inserted,
		Duplicates: duplicates,
		Dur:        commitDur,
	})

	p.logger.Debug("page committed",
		zap.String("cursor", page.Cursor),
		zap.String("next_cursor", page.NextCursor),
		zap.Int("events", len(events)),
		zap.Int64("inserted", inserted),
		zap.Int64("duplicates", duplicates),
	)
	return nil
}

func (p *Pipeline) archivePage(ctx context.Context, page *Page, seq int) {
	if p.archive == nil || len(page.Raw) == 0 {
		return
	}
	uri, err := p.archive.PutObject(ctx, p.buildArchivePath(seq), archiveContentType, page.Raw)
	if err != nil {
		p.logger.Warn("page archive failed",
			zap.String("cursor", page.Cursor),
			zap.Error(err),
		)
		return
	}
	p.logger.Debug("page archived", zap.String("blob_uri", uri))
}

func (p *Pipeline) buildArchivePath(seq int) string {
	run := uuid.UUID(p.cfg.RunID).String()
	prefix := strings.Trim(p.cfg.BlobPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/page-%06d.json", run, seq)
	}
	return fmt.Sprintf("%s/%s/page-%06d.json", prefix, run, seq)
}

func (p *Pipeline) publishBatch(ctx context.Context, page *Page, inserted, duplicates int64) {
	if p.cfg.Topic == "" || p.publisher == nil {
		return
	}
	payload := map[string]any{
		"run_id":         uuid.UUID(p.cfg.RunID).String(),
		"cursor":         page.Cursor,
		"next_cursor":    page.NextCursor,
		"events":         len(page.Records),
		"inserted":       inserted,
		"duplicates":     duplicates,
		"total_estimate": page.TotalEstimate,
		"final":          page.Final,
		"committed_at":   p.clock.Now().Format(time.RFC3339),
	}
	if _, err := p.publisher.Publish(ctx, p.cfg.Topic, payload); err != nil {
		p.logger.Warn("batch publish failed",
			zap.String("cursor", page.Cursor),
			zap.Error(err),
		)
	}
}

func (p *Pipeline) emit(evt progress.Event) {
	if p.emitter == nil {
		return
	}
	evt.RunID = p.cfg.RunID
	evt.TS = p.clock.Now()
	p.emitter.Emit(evt)
}
