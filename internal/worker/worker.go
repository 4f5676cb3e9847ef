package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-community/relay/internal/ledger"
	"github.com/aura-community/relay/internal/models"
	"github.com/aura-community/relay/pkg/queue"
	"github.com/aura-community/relay/pkg/storage"
)

// dequeueWait bounds each blocking pop so shutdown is noticed promptly.
const dequeueWait = 5 * time.Second

// LedgerSource reads a community's provenance.
type LedgerSource interface {
	Entries(ctx context.Context, scopeID uuid.UUID, q ledger.Query) ([]models.LedgerEntry, error)
	Relays(ctx context.Context, scopeID uuid.UUID, q ledger.Query) ([]models.RelayRecord, error)
}

// Uploader stores archive objects.
type Uploader interface {
	LedgerBucket() string
	Upload(ctx context.Context, bucket, key, contentType string, body io.Reader) (string, error)
}

// JobQueue is the job source with retry and dead-lettering.
type JobQueue interface {
	Dequeue(ctx context.Context, wait time.Duration) (*queue.Job, error)
	Retry(ctx context.Context, job *queue.Job) error
}

// archiveLine is one JSONL row. Exactly one of Entry and Relay is set.
type archiveLine struct {
	Kind  string              `json:"kind"`
	Entry *models.LedgerEntry `json:"entry,omitempty"`
	Relay *models.RelayRecord `json:"relay,omitempty"`
}

// LedgerArchiver processes ledger export jobs: read provenance, write JSONL, upload to S3.
type LedgerArchiver struct {
	source   LedgerSource
	uploader Uploader
	queue    JobQueue
	logger   *zap.Logger
	now      func() time.Time
	backoff  time.Duration
}

// NewLedgerArchiver creates a ledger export processor.
func NewLedgerArchiver(source LedgerSource, uploader Uploader, q JobQueue, logger *zap.Logger) *LedgerArchiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LedgerArchiver{
		source:   source,
		uploader: uploader,
		queue:    q,
		logger:   logger,
		now:      time.Now,
		backoff:  queue.RetryBackoff,
	}
}

// Process executes one ledger export job and returns the object key written.
func (p *LedgerArchiver) Process(ctx context.Context, job *queue.Job) (string, error) {
	if job.Type != queue.JobTypeLedgerExport {
		return "", fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.LedgerExportPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return "", fmt.Errorf("unmarshal payload: %w", err)
	}
	if payload.ScopeID == uuid.Nil {
		return "", fmt.Errorf("payload missing scope_id")
	}
	q := ledger.Query{Since: payload.Since, Until: payload.Until}

	entries, err := p.source.Entries(ctx, payload.ScopeID, q)
	if err != nil {
		return "", fmt.Errorf("read entries: %w", err)
	}
	relays, err := p.source.Relays(ctx, payload.ScopeID, q)
	if err != nil {
		return "", fmt.Errorf("read relays: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range entries {
		if err := enc.Encode(archiveLine{Kind: "entry", Entry: &entries[i]}); err != nil {
			return "", fmt.Errorf("encode entry: %w", err)
		}
	}
	for i := range relays {
		if err := enc.Encode(archiveLine{Kind: "relay", Relay: &relays[i]}); err != nil {
			return "", fmt.Errorf("encode relay: %w", err)
		}
	}

	key := storage.LedgerKey(payload.ScopeID.String(), p.now())
	url, err := p.uploader.Upload(ctx, p.uploader.LedgerBucket(), key, "application/x-ndjson", &buf)
	if err != nil {
		return "", fmt.Errorf("s3 upload: %w", err)
	}
	p.logger.Info("ledger archive uploaded",
		zap.String("scope_id", payload.ScopeID.String()),
		zap.String("slug", payload.Slug),
		zap.Int("entries", len(entries)),
		zap.Int("relays", len(relays)),
		zap.String("url", url))
	return key, nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *LedgerArchiver) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			p.logger.Info("ledger archiver stopping")
			return
		}

		job, err := p.queue.Dequeue(ctx, dequeueWait)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			p.sleep(ctx)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if _, err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt), zap.Error(err))
			if reErr := p.queue.Retry(context.WithoutCancel(ctx), job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			p.sleep(ctx)
		}
	}
}

func (p *LedgerArchiver) sleep(ctx context.Context) {
	t := time.NewTimer(p.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
