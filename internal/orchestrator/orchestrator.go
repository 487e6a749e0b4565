// Package orchestrator runs every applicable analyzer against a file and
// turns their outcomes into a single ScanResult.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/cloud-scan/cloudscan-lens/internal/finding"
	"github.com/cloud-scan/cloudscan-lens/internal/publish"
	"github.com/cloud-scan/cloudscan-lens/internal/registry"
	"github.com/cloud-scan/cloudscan-lens/internal/store"
)

// DefaultTimeout is the per-adapter timeout used when none is configured
const DefaultTimeout = 10 * time.Second

// ErrShutdown is returned for scans requested after Shutdown
var ErrShutdown = errors.New("orchestrator is shut down")

// Options configures an Orchestrator
type Options struct {
	// MaxProcesses bounds concurrently running tool processes process-wide
	MaxProcesses int
	// DefaultTimeout applies to tools without an entry in Timeouts
	DefaultTimeout time.Duration
	Timeouts       map[finding.ToolID]time.Duration
	// Publisher receives every committed result; nil discards them
	Publisher publish.Publisher
}

// Request asks for a scan of one file
type Request struct {
	FileID     string
	Path       string
	LanguageID string
}

// call is one scheduled scan and everyone waiting for it
type call struct {
	req    Request
	epoch  uint64
	done   chan struct{}
	result *finding.ScanResult
}

// fileGate exists while a scan of its file is running. next collects every
// request that arrived in the meantime into a single follow-up scan.
type fileGate struct {
	next *call
}

// Orchestrator schedules scans. At most one scan per file id runs at a
// time; requests arriving during a scan share the scan queued right behind
// it, so no request waits for more than one scan it did not ask for.
type Orchestrator struct {
	registry  *registry.Registry
	store     *store.Store
	publisher publish.Publisher
	sem       *semaphore.Weighted
	opts      Options
	logger    *log.Entry

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	gates    map[string]*fileGate
	epochs   map[string]uint64
	epochSeq uint64

	// pubMu orders publishes against clears so a closed file is never
	// republished by a scan that finished late
	pubMu sync.Mutex

	now func() time.Time
}

// New creates an orchestrator writing into st
func New(reg *registry.Registry, st *store.Store, opts Options) *Orchestrator {
	if opts.MaxProcesses < 1 {
		opts.MaxProcesses = 1
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	pub := opts.Publisher
	if pub == nil {
		pub = publish.Nop
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		registry:  reg,
		store:     st,
		publisher: pub,
		sem:       semaphore.NewWeighted(int64(opts.MaxProcesses)),
		opts:      opts,
		logger:    log.WithField("component", "orchestrator"),
		baseCtx:   ctx,
		cancel:    cancel,
		gates:     make(map[string]*fileGate),
		epochs:    make(map[string]uint64),
		now:       time.Now,
	}
}

// Scan scans a file and returns the result committed for it. Analyzer
// failures are reported inside the result; the error is only ever the
// caller's context error or ErrShutdown.
func (o *Orchestrator) Scan(ctx context.Context, req Request) (*finding.ScanResult, error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, ErrShutdown
	}

	var c *call
	g, running := o.gates[req.FileID]
	switch {
	case !running:
		c = o.newCallLocked(req)
		o.gates[req.FileID] = &fileGate{}
		o.wg.Add(1)
		go o.drive(req.FileID, c)
	case g.next == nil:
		c = o.newCallLocked(req)
		g.next = c
		o.logger.WithField("file_id", req.FileID).Debug("Scan queued behind running scan")
	default:
		// the queued scan has not started yet; it picks up the newest request
		c = g.next
		c.req = req
		c.epoch = o.epochs[req.FileID]
		o.logger.WithField("file_id", req.FileID).Debug("Scan request coalesced")
	}
	o.mu.Unlock()

	select {
	case <-c.done:
		return c.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (o *Orchestrator) newCallLocked(req Request) *call {
	return &call{
		req:   req,
		epoch: o.epochs[req.FileID],
		done:  make(chan struct{}),
	}
}

// drive runs c and then every scan queued for the file until none is left
func (o *Orchestrator) drive(fileID string, c *call) {
	defer o.wg.Done()
	for c != nil {
		c.result = o.run(c.req, c.epoch)
		close(c.done)

		o.mu.Lock()
		g := o.gates[fileID]
		c, g.next = g.next, nil
		if c == nil {
			delete(o.gates, fileID)
			delete(o.epochs, fileID)
		}
		o.mu.Unlock()
	}
}

// Invalidate drops the stored result of a file and withdraws it from the
// publisher. A scan of the file that is running or queued still answers its
// callers but is not committed.
func (o *Orchestrator) Invalidate(ctx context.Context, fileID string) error {
	o.mu.Lock()
	if _, running := o.gates[fileID]; running {
		o.epochSeq++
		o.epochs[fileID] = o.epochSeq
	} else {
		delete(o.epochs, fileID)
	}
	o.store.Invalidate(fileID)
	o.mu.Unlock()

	o.pubMu.Lock()
	defer o.pubMu.Unlock()
	return o.publisher.Clear(ctx, fileID)
}

// commit stores and publishes res unless the file was invalidated since
// the scan was requested
func (o *Orchestrator) commit(epoch uint64, res *finding.ScanResult) bool {
	o.mu.Lock()
	if o.epochs[res.FileID] != epoch {
		o.mu.Unlock()
		o.logger.WithField("file_id", res.FileID).Debug("Discarding result of invalidated file")
		return false
	}
	o.store.Update(res.FileID, res)
	o.mu.Unlock()

	o.pubMu.Lock()
	defer o.pubMu.Unlock()
	o.mu.Lock()
	current := o.epochs[res.FileID] == epoch
	o.mu.Unlock()
	if !current {
		return false
	}
	if err := o.publisher.Publish(o.baseCtx, res.FileID, res.Clone()); err != nil {
		o.logger.WithError(err).WithField("file_id", res.FileID).Warn("Failed to publish diagnostics")
	}
	return true
}

// Shutdown stops accepting scans, cancels running tools and waits for the
// running scans to settle or ctx to expire
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) timeoutFor(tool finding.ToolID) time.Duration {
	if d, ok := o.opts.Timeouts[tool]; ok && d > 0 {
		return d
	}
	return o.opts.DefaultTimeout
}
