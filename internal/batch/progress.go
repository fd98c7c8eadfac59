package batch

import (
	"sync"
	"time"
)

// Progress is the live state of one batch, safe for concurrent polling.
type Progress struct {
	mu       sync.Mutex
	total    int
	doneN    int
	started  time.Time
	report   *Report
	finished bool
}

// Snapshot is one progress poll reply.
type Snapshot struct {
	BatchID   string  `json:"batch_id"`
	Total     int     `json:"total"`
	Done      int     `json:"done"`
	Finished  bool    `json:"finished"`
	ElapsedMS int64   `json:"elapsed_ms"`
	Report    *Report `json:"report,omitempty"`
}

func (o *Orchestrator) track(batchID string, total int) *Progress {
	p := &Progress{total: total, started: time.Now()}
	o.mu.Lock()
	o.progress[batchID] = p
	o.mu.Unlock()
	return p
}

// Get returns the progress of a running or finished batch, or nil for an
// unknown id.
func (o *Orchestrator) Get(batchID string) *Snapshot {
	o.mu.Lock()
	p := o.progress[batchID]
	o.mu.Unlock()
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	snap := &Snapshot{
		BatchID:   batchID,
		Total:     p.total,
		Done:      p.doneN,
		Finished:  p.finished,
		ElapsedMS: time.Since(p.started).Milliseconds(),
	}
	if p.finished {
		snap.Report = p.report
	}
	return snap
}

func (p *Progress) done() {
	p.mu.Lock()
	p.doneN++
	p.mu.Unlock()
}

func (p *Progress) finish(report *Report) {
	p.mu.Lock()
	p.report = report
	p.finished = true
	p.mu.Unlock()
}
