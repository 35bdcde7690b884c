// internal/syncer/coordinator.go
package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/signalnine/rmmclient/internal/events"
	"github.com/signalnine/rmmclient/internal/metrics"
	"github.com/signalnine/rmmclient/internal/protocol"
	"github.com/signalnine/rmmclient/internal/remote"
	"github.com/signalnine/rmmclient/internal/store"
)

// DefaultLevel is used for local entries recorded without a level
const DefaultLevel = "info"

// Remote is the management server as the coordinator sees it
type Remote interface {
	FetchStatus(ctx context.Context, machineID string) (*protocol.Machine, error)
	UpdateStatus(ctx context.Context, machineID, status string) (*protocol.Machine, error)
	FetchLogs(ctx context.Context, machineID string) ([]protocol.LogEntry, error)
	PushLogs(ctx context.Context, machineID string, entries []protocol.LogEntry) (remote.PushResult, error)
}

// Store is the local cache as the coordinator sees it
type Store interface {
	UpsertStatus(rec store.MachineStatus) error
	GetStatus(machineID string) (*store.MachineStatus, error)
	AppendLog(entry store.LogEntry) (int64, error)
	ListLogs(machineID string) ([]store.LogEntry, error)
	ListUnsyncedLogs(machineID string) ([]store.LogEntry, error)
	MarkSynced(ids []int64, at time.Time) error
}

// Coordinator runs the fetch/cache/update/push flows. It keeps no state
// between calls other than a lock per machine, so two flows for the same
// machine never interleave.
type Coordinator struct {
	remote      Remote
	store       Store
	log         *zap.Logger
	metrics     *metrics.Metrics
	publisher   events.Publisher
	now         func() time.Time
	incremental bool

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option customizes a Coordinator
type Option func(*Coordinator)

// WithLogger sets the logger; nil keeps the no-op default.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.log = l
		}
	}
}

// WithMetrics records flow outcomes and push counts on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithPublisher sends status and push events to p; nil keeps the no-op publisher.
func WithPublisher(p events.Publisher) Option {
	return func(c *Coordinator) {
		if p != nil {
			c.publisher = p
		}
	}
}

// WithClock overrides time.Now for last_updated, created_at and synced_at.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithIncrementalPush makes PushLogs send only rows the server has not
// acknowledged yet. Off by default: every push resends all local rows.
func WithIncrementalPush(on bool) Option {
	return func(c *Coordinator) { c.incremental = on }
}

// New creates a coordinator over r and s
func New(r Remote, s Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		remote:    r,
		store:     s,
		log:       zap.NewNop(),
		publisher: events.Nop{},
		now:       time.Now,
		locks:     make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) lock(machineID string) func() {
	c.mu.Lock()
	l, ok := c.locks[machineID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[machineID] = l
	}
	c.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// RefreshStatus fetches the machine's status and caches it. A remote
// failure is returned as is and leaves the cache alone; whether to show the
// stale cached record is the caller's call.
func (c *Coordinator) RefreshStatus(ctx context.Context, machineID string) (rec *store.MachineStatus, err error) {
	defer func() { c.metrics.ObserveFlow("refresh_status", err) }()
	unlock := c.lock(machineID)
	defer unlock()

	m, err := c.remote.FetchStatus(ctx, machineID)
	if err != nil {
		c.log.Warn("status refresh failed", zap.String("machine_id", machineID), zap.Error(err))
		return nil, fmt.Errorf("refresh status: %w", err)
	}

	rec, err = c.cacheStatus(machineID, m)
	if err != nil {
		return nil, fmt.Errorf("refresh status: %w", err)
	}

	c.log.Info("status refreshed", zap.String("machine_id", machineID), zap.String("status", rec.Status))
	c.publishStatus(ctx, rec, "refresh")
	return rec, nil
}

// ChangeStatus asks the server to set a new status and caches what it
// confirms. Nothing is written locally unless the server accepted it.
func (c *Coordinator) ChangeStatus(ctx context.Context, machineID, status string) (rec *store.MachineStatus, err error) {
	defer func() { c.metrics.ObserveFlow("change_status", err) }()
	unlock := c.lock(machineID)
	defer unlock()

	m, err := c.remote.UpdateStatus(ctx, machineID, status)
	if err != nil {
		c.log.Warn("status change failed",
			zap.String("machine_id", machineID), zap.String("requested", status), zap.Error(err))
		return nil, fmt.Errorf("change status: %w", err)
	}

	rec, err = c.cacheStatus(machineID, m)
	if err != nil {
		return nil, fmt.Errorf("change status: %w", err)
	}

	c.log.Info("status changed",
		zap.String("machine_id", machineID), zap.String("requested", status), zap.String("confirmed", rec.Status))
	c.publishStatus(ctx, rec, "change")
	return rec, nil
}

// cacheStatus is keyed by the id the caller asked about, so later lookups
// with that id find the row whatever id format the server echoes.
func (c *Coordinator) cacheStatus(machineID string, m *protocol.Machine) (*store.MachineStatus, error) {
	if m.ID != "" && m.ID != machineID {
		c.log.Debug("server returned a different machine id",
			zap.String("requested", machineID), zap.String("returned", m.ID))
	}

	rec := store.MachineStatus{
		MachineID:   machineID,
		Name:        m.Name,
		Status:      m.Status,
		LastUpdated: c.now(),
	}
	if err := c.store.UpsertStatus(rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// CachedStatus returns the locally cached status without touching the
// network. store.ErrNotFound when the machine was never fetched.
func (c *Coordinator) CachedStatus(machineID string) (*store.MachineStatus, error) {
	return c.store.GetStatus(machineID)
}

// PullLogs returns the server's logs for display. They are not cached.
func (c *Coordinator) PullLogs(ctx context.Context, machineID string) (logs []protocol.LogEntry, err error) {
	defer func() { c.metrics.ObserveFlow("pull_logs", err) }()
	unlock := c.lock(machineID)
	defer unlock()

	logs, err = c.remote.FetchLogs(ctx, machineID)
	if err != nil {
		c.log.Warn("log pull failed", zap.String("machine_id", machineID), zap.Error(err))
		return nil, fmt.Errorf("pull logs: %w", err)
	}

	c.log.Debug("logs pulled", zap.String("machine_id", machineID), zap.Int("count", len(logs)))
	return logs, nil
}

// RecordLog appends a locally authored entry stamped with the local clock
func (c *Coordinator) RecordLog(machineID, level, message string) (*store.LogEntry, error) {
	if strings.TrimSpace(machineID) == "" {
		return nil, errors.New("record log: machine id is required")
	}
	if strings.TrimSpace(level) == "" {
		level = DefaultLevel
	}

	unlock := c.lock(machineID)
	defer unlock()

	entry := store.LogEntry{
		MachineID: machineID,
		Level:     level,
		Message:   message,
		CreatedAt: c.now(),
	}
	id, err := c.store.AppendLog(entry)
	if err != nil {
		return nil, fmt.Errorf("record log: %w", err)
	}
	entry.ID = id
	return &entry, nil
}

// LocalLogs lists the locally stored entries for machineID
func (c *Coordinator) LocalLogs(machineID string) ([]store.LogEntry, error) {
	return c.store.ListLogs(machineID)
}

// PushLogs sends local log rows to the server, one request per row, and
// marks each acknowledged row as synced. The report is always returned;
// when the server stops accepting entries the error is a *PartialPushError.
func (c *Coordinator) PushLogs(ctx context.Context, machineID string) (report *PushReport, err error) {
	defer func() { c.metrics.ObserveFlow("push_logs", err) }()
	unlock := c.lock(machineID)
	defer unlock()

	report = newPushReport(uuid.NewString(), machineID)
	log := c.log.With(zap.String("machine_id", machineID), zap.String("run_id", report.RunID))

	var rows []store.LogEntry
	if c.incremental {
		rows, err = c.store.ListUnsyncedLogs(machineID)
	} else {
		rows, err = c.store.ListLogs(machineID)
	}
	if err != nil {
		return report, fmt.Errorf("push logs: %w", err)
	}

	report.Total = len(rows)
	if len(rows) == 0 {
		log.Debug("no local logs to push")
		return report, nil
	}

	ids := make([]int64, len(rows))
	entries := make([]protocol.LogEntry, len(rows))
	for i, row := range rows {
		ids[i] = row.ID
		entries[i] = toWire(row)
	}

	res, pushErr := c.remote.PushLogs(ctx, machineID, entries)

	sent, failed := splitPush(res, len(ids))
	report.Sent = append(report.Sent, ids[:sent]...)
	if failed >= 0 {
		entryErr := res.Err
		if entryErr == nil {
			entryErr = pushErr
		}
		if entryErr == nil {
			entryErr = errors.New("remote stopped short without an error")
		}
		if pushErr == nil {
			pushErr = entryErr
		}
		report.Failed = append(report.Failed, FailedEntry{ID: ids[failed], Err: entryErr})
		report.Unattempted = append(report.Unattempted, ids[failed+1:]...)
	}
	c.metrics.ObservePush(len(report.Sent), len(report.Failed), len(report.Unattempted))

	var markErr error
	if len(report.Sent) > 0 {
		if markErr = c.store.MarkSynced(report.Sent, c.now()); markErr != nil {
			log.Error("acknowledged entries could not be marked synced", zap.Error(markErr))
			markErr = fmt.Errorf("push logs: %w", markErr)
		}
	}

	c.publishPush(ctx, report)

	if pushErr != nil {
		log.Warn("log push incomplete", zap.String("result", report.Summary()), zap.Error(pushErr))
		var perr error = &PartialPushError{Report: report, Err: pushErr}
		if markErr != nil {
			perr = errors.Join(perr, markErr)
		}
		return report, perr
	}
	if markErr != nil {
		return report, markErr
	}

	log.Info("logs pushed", zap.Int("count", len(report.Sent)))
	return report, nil
}

// splitPush bounds a remote result to n rows. It returns how many rows were
// sent and the index of the failed row, or -1 when all n went through. Any
// shortfall is charged to the first unsent row, so sent, failed and
// unattempted always add up to n.
func splitPush(res remote.PushResult, n int) (sent, failed int) {
	sent = min(max(res.Sent, 0), n)
	if sent == n {
		return sent, -1
	}
	return sent, sent
}

// toWire maps a stored row to the shape the server accepts
func toWire(row store.LogEntry) protocol.LogEntry {
	return protocol.LogEntry{
		Level:     row.Level,
		Message:   row.Message,
		CreatedAt: protocol.NewTimestamp(row.CreatedAt),
	}
}

type statusEvent struct {
	MachineID   string    `json:"machine_id"`
	Name        string    `json:"name"`
	Status      string    `json:"status"`
	Source      string    `json:"source"`
	LastUpdated time.Time `json:"last_updated"`
}

type pushEvent struct {
	RunID       string `json:"run_id"`
	MachineID   string `json:"machine_id"`
	Total       int    `json:"total"`
	Sent        int    `json:"sent"`
	Failed      int    `json:"failed"`
	Unattempted int    `json:"unattempted"`
}

func (c *Coordinator) publishStatus(ctx context.Context, rec *store.MachineStatus, source string) {
	ev := statusEvent{
		MachineID:   rec.MachineID,
		Name:        rec.Name,
		Status:      rec.Status,
		Source:      source,
		LastUpdated: rec.LastUpdated,
	}
	if err := events.PublishJSON(ctx, c.publisher, events.StatusSubject(rec.MachineID), ev); err != nil {
		c.log.Warn("publish status event", zap.String("machine_id", rec.MachineID), zap.Error(err))
	}
}

func (c *Coordinator) publishPush(ctx context.Context, r *PushReport) {
	ev := pushEvent{
		RunID:       r.RunID,
		MachineID:   r.MachineID,
		Total:       r.Total,
		Sent:        len(r.Sent),
		Failed:      len(r.Failed),
		Unattempted: len(r.Unattempted),
	}
	if err := events.PublishJSON(ctx, c.publisher, events.LogsPushedSubject(r.MachineID), ev); err != nil {
		c.log.Warn("publish push event", zap.String("machine_id", r.MachineID), zap.Error(err))
	}
}
