// internal/syncer/coordinator_test.go
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalnine/rmmclient/internal/metrics"
	"github.com/signalnine/rmmclient/internal/protocol"
	"github.com/signalnine/rmmclient/internal/remote"
	"github.com/signalnine/rmmclient/internal/store"
)

var fixedNow = time.Date(2026, 2, 3, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return fixedNow }

// fakeServer simulates the management API for one test
type fakeServer struct {
	mu         sync.Mutex
	machine    protocol.Machine
	statusCode int    // forced status for status endpoints, 0 = OK
	statusBody string // raw 200 body for status endpoints, "" = machine
	logs       []protocol.LogEntry
	pushed     []protocol.LogEntry
	pushCalls  int
	failPushAt int // 1-based push call that fails, 0 = never
	calls      atomic.Int64
}

func (f *fakeServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/machines/{id}/{$}", func(w http.ResponseWriter, r *http.Request) {
		f.calls.Add(1)
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.statusCode != 0 {
			http.Error(w, "forced failure", f.statusCode)
			return
		}
		if f.statusBody != "" {
			w.Write([]byte(f.statusBody))
			return
		}
		json.NewEncoder(w).Encode(f.machine)
	})
	mux.HandleFunc("POST /api/v1/machines/{id}/status/{$}", func(w http.ResponseWriter, r *http.Request) {
		f.calls.Add(1)
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.statusCode != 0 {
			http.Error(w, `{"detail": "unknown status"}`, f.statusCode)
			return
		}
		if f.statusBody != "" {
			w.Write([]byte(f.statusBody))
			return
		}
		var body protocol.StatusUpdate
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		f.machine.Status = body.Status
		json.NewEncoder(w).Encode(f.machine)
	})
	mux.HandleFunc("GET /api/v1/machines/{id}/logs/{$}", func(w http.ResponseWriter, r *http.Request) {
		f.calls.Add(1)
		f.mu.Lock()
		defer f.mu.Unlock()
		json.NewEncoder(w).Encode(f.logs)
	})
	mux.HandleFunc("POST /api/v1/machines/{id}/logs/{$}", func(w http.ResponseWriter, r *http.Request) {
		f.calls.Add(1)
		f.mu.Lock()
		defer f.mu.Unlock()
		f.pushCalls++
		if f.failPushAt != 0 && f.pushCalls == f.failPushAt {
			http.Error(w, "rejected", http.StatusInternalServerError)
			return
		}
		var e protocol.LogEntry
		if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		f.pushed = append(f.pushed, e)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(e)
	})
	return mux
}

func (f *fakeServer) set(fn func(f *fakeServer)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeServer) pushedEntries() []protocol.LogEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.LogEntry(nil), f.pushed...)
}

type harness struct {
	fake  *fakeServer
	db    *store.DB
	coord *Coordinator
	m     *metrics.Metrics
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()

	fake := &fakeServer{machine: protocol.Machine{ID: "m-1", Name: "Node1", Status: "online"}}
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	client, err := remote.New(remote.Config{BaseURL: srv.URL + "/api/v1/", APIKey: "secret"})
	require.NoError(t, err)

	db, err := store.Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	m := metrics.New()
	opts = append([]Option{WithClock(fixedClock), WithMetrics(m)}, opts...)
	return &harness{fake: fake, db: db, coord: New(client, db, opts...), m: m}
}

func (h *harness) addLocalLogs(t *testing.T, n int) []int64 {
	t.Helper()
	var ids []int64
	for i := 0; i < n; i++ {
		e, err := h.coord.RecordLog("m-1", "info", "local entry "+string(rune('A'+i)))
		require.NoError(t, err)
		ids = append(ids, e.ID)
	}
	return ids
}

func TestRefreshStatusCachesFetchedRecord(t *testing.T) {
	h := newHarness(t)

	_, err := h.coord.CachedStatus("m-1")
	require.ErrorIs(t, err, store.ErrNotFound)

	rec, err := h.coord.RefreshStatus(context.Background(), "m-1")
	require.NoError(t, err)
	assert.Equal(t, "online", rec.Status)

	cached, err := h.db.GetStatus("m-1")
	require.NoError(t, err)
	assert.Equal(t, "m-1", cached.MachineID)
	assert.Equal(t, "Node1", cached.Name)
	assert.Equal(t, "online", cached.Status)
	assert.True(t, cached.LastUpdated.Equal(fixedNow))
}

func TestRefreshStatusFailureLeavesCache(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.db.UpsertStatus(store.MachineStatus{
		MachineID: "m-1", Name: "Node1", Status: "offline", LastUpdated: fixedNow.Add(-time.Hour),
	}))

	h.fake.set(func(f *fakeServer) { f.statusCode = http.StatusServiceUnavailable })
	_, err := h.coord.RefreshStatus(context.Background(), "m-1")
	require.Error(t, err)
	code, ok := remote.StatusCode(err)
	require.True(t, ok, "remote error must survive wrapping")
	assert.Equal(t, http.StatusServiceUnavailable, code)

	cached, err := h.db.GetStatus("m-1")
	require.NoError(t, err)
	assert.Equal(t, "offline", cached.Status)
	assert.True(t, cached.LastUpdated.Equal(fixedNow.Add(-time.Hour)))
}

func TestEmptyStatusResponseLeavesCache(t *testing.T) {
	for _, body := range []string{`{}`, `null`, `{"detail":"ok"}`} {
		t.Run(body, func(t *testing.T) {
			h := newHarness(t)
			prior := store.MachineStatus{
				MachineID: "m-1", Name: "Node1", Status: "online", LastUpdated: fixedNow.Add(-time.Hour),
			}
			require.NoError(t, h.db.UpsertStatus(prior))
			h.fake.set(func(f *fakeServer) { f.statusBody = body })

			_, err := h.coord.RefreshStatus(context.Background(), "m-1")
			var de *remote.DecodeError
			require.ErrorAs(t, err, &de)

			_, err = h.coord.ChangeStatus(context.Background(), "m-1", "maintenance")
			require.ErrorAs(t, err, &de)

			cached, err := h.db.GetStatus("m-1")
			require.NoError(t, err)
			assert.Equal(t, "Node1", cached.Name)
			assert.Equal(t, "online", cached.Status)
			assert.True(t, cached.LastUpdated.Equal(prior.LastUpdated))
		})
	}
}

func TestChangeStatusCachesConfirmedStatus(t *testing.T) {
	h := newHarness(t)

	rec, err := h.coord.ChangeStatus(context.Background(), "m-1", "maintenance")
	require.NoError(t, err)
	assert.Equal(t, "maintenance", rec.Status)

	cached, err := h.db.GetStatus("m-1")
	require.NoError(t, err)
	assert.Equal(t, "maintenance", cached.Status)
}

func TestChangeStatusRejectedLeavesPriorCache(t *testing.T) {
	h := newHarness(t)

	_, err := h.coord.RefreshStatus(context.Background(), "m-1")
	require.NoError(t, err)

	h.fake.set(func(f *fakeServer) { f.statusCode = http.StatusBadRequest })
	_, err = h.coord.ChangeStatus(context.Background(), "m-1", "exploded")
	require.Error(t, err)
	assert.True(t, remote.IsRemote(err))

	cached, err := h.db.GetStatus("m-1")
	require.NoError(t, err)
	assert.Equal(t, "online", cached.Status, "rejected change must not reach the cache")
}

func TestChangeStatusEmptyIsRejectedLocally(t *testing.T) {
	h := newHarness(t)

	_, err := h.coord.ChangeStatus(context.Background(), "m-1", "")
	assert.ErrorIs(t, err, remote.ErrEmptyStatus)
	assert.Zero(t, h.fake.calls.Load())

	_, err = h.db.GetStatus("m-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPullLogsIsDisplayOnly(t *testing.T) {
	h := newHarness(t)
	h.fake.set(func(f *fakeServer) {
		f.logs = []protocol.LogEntry{
			{Level: "info", Message: "boot", CreatedAt: protocol.NewTimestamp(fixedNow)},
			{Level: "error", Message: "fan failure", CreatedAt: protocol.NewTimestamp(fixedNow.Add(time.Minute))},
		}
	})

	logs, err := h.coord.PullLogs(context.Background(), "m-1")
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "boot", logs[0].Message)
	assert.Equal(t, "fan failure", logs[1].Message)

	local, err := h.db.ListLogs("m-1")
	require.NoError(t, err)
	assert.Empty(t, local, "fetched logs are not cached")
}

func TestPullLogsEmpty(t *testing.T) {
	h := newHarness(t)

	logs, err := h.coord.PullLogs(context.Background(), "m-1")
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestRecordLog(t *testing.T) {
	h := newHarness(t)

	e, err := h.coord.RecordLog("m-1", "", "no level given")
	require.NoError(t, err)
	assert.NotZero(t, e.ID)
	assert.Equal(t, DefaultLevel, e.Level)
	assert.True(t, e.CreatedAt.Equal(fixedNow))

	_, err = h.coord.RecordLog("", "info", "orphan")
	assert.Error(t, err)

	local, err := h.coord.LocalLogs("m-1")
	require.NoError(t, err)
	require.Len(t, local, 1)
	assert.Equal(t, "no level given", local[0].Message)
}

func TestPushLogsNoRowsMakesNoRequest(t *testing.T) {
	h := newHarness(t)

	report, err := h.coord.PushLogs(context.Background(), "m-1")
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.Zero(t, report.Total)
	assert.Empty(t, report.Sent)
	assert.Zero(t, h.fake.calls.Load())
}

func TestPushLogsWireShape(t *testing.T) {
	h := newHarness(t)
	h.coord.now = func() time.Time { return time.Date(2026, 2, 3, 12, 30, 45, 999000000, time.UTC) }
	_, err := h.coord.RecordLog("m-1", "warn", "temp high")
	require.NoError(t, err)

	_, err = h.coord.PushLogs(context.Background(), "m-1")
	require.NoError(t, err)

	pushed := h.fake.pushedEntries()
	require.Len(t, pushed, 1)
	got := pushed[0]
	assert.Equal(t, "warn", got.Level)
	assert.Equal(t, "temp high", got.Message)
	assert.Equal(t, "2026-02-03T12:30:45Z", got.CreatedAt.String())
}

func TestPushLogsResendsWithoutDedup(t *testing.T) {
	h := newHarness(t)
	ids := h.addLocalLogs(t, 3)

	report, err := h.coord.PushLogs(context.Background(), "m-1")
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.Equal(t, 3, report.Total)
	assert.Equal(t, ids, report.Sent)
	assert.NotEmpty(t, report.RunID)

	report, err = h.coord.PushLogs(context.Background(), "m-1")
	require.NoError(t, err)
	assert.Len(t, report.Sent, 3, "default push resends every local row")
	assert.Len(t, h.fake.pushedEntries(), 6)
}

func TestPushLogsIncrementalSkipsSynced(t *testing.T) {
	h := newHarness(t, WithIncrementalPush(true))
	h.addLocalLogs(t, 3)

	report, err := h.coord.PushLogs(context.Background(), "m-1")
	require.NoError(t, err)
	assert.Len(t, report.Sent, 3)

	before := h.fake.calls.Load()
	report, err = h.coord.PushLogs(context.Background(), "m-1")
	require.NoError(t, err)
	assert.Zero(t, report.Total)
	assert.Equal(t, before, h.fake.calls.Load(), "nothing left to send")

	newIDs := h.addLocalLogs(t, 1)
	report, err = h.coord.PushLogs(context.Background(), "m-1")
	require.NoError(t, err)
	assert.Equal(t, newIDs, report.Sent)
}

func TestPushLogsPartialFailure(t *testing.T) {
	h := newHarness(t)
	ids := h.addLocalLogs(t, 3)
	h.fake.set(func(f *fakeServer) { f.failPushAt = 2 })

	report, err := h.coord.PushLogs(context.Background(), "m-1")
	require.Error(t, err)

	var perr *PartialPushError
	require.ErrorAs(t, err, &perr)
	assert.Same(t, report, perr.Report)
	code, ok := remote.StatusCode(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusInternalServerError, code)

	assert.False(t, report.OK())
	assert.Equal(t, 3, report.Total)
	assert.Equal(t, []int64{ids[0]}, report.Sent)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, ids[1], report.Failed[0].ID)
	assert.Error(t, report.Failed[0].Err)
	assert.Equal(t, []int64{ids[2]}, report.Unattempted)
	assert.Equal(t, "sent 1 of 3, 1 failed, 1 unattempted", report.Summary())

	// Only the acknowledged row is marked synced
	unsynced, err := h.db.ListUnsyncedLogs("m-1")
	require.NoError(t, err)
	require.Len(t, unsynced, 2)
	assert.Equal(t, ids[1], unsynced[0].ID)
	assert.Equal(t, ids[2], unsynced[1].ID)

	n, err := testutil.GatherAndCount(h.m.Registry(), "rmm_sync_log_entries_total")
	require.NoError(t, err)
	assert.Equal(t, 3, n, "sent, failed and unattempted series")
}

type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
}

func (p *recordingPublisher) Publish(_ context.Context, subject string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	p.payloads = append(p.payloads, payload)
	return nil
}

func (p *recordingPublisher) Close() {}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, []byte) error {
	return errors.New("broker down")
}

func (failingPublisher) Close() {}

func TestFlowsPublishEvents(t *testing.T) {
	pub := &recordingPublisher{}
	h := newHarness(t, WithPublisher(pub))
	h.addLocalLogs(t, 2)

	_, err := h.coord.RefreshStatus(context.Background(), "m-1")
	require.NoError(t, err)
	_, err = h.coord.PushLogs(context.Background(), "m-1")
	require.NoError(t, err)

	require.Equal(t, []string{"rmm.machine.m-1.status", "rmm.machine.m-1.logs.pushed"}, pub.subjects)

	var ev pushEvent
	require.NoError(t, json.Unmarshal(pub.payloads[1], &ev))
	assert.Equal(t, 2, ev.Total)
	assert.Equal(t, 2, ev.Sent)
	assert.NotEmpty(t, ev.RunID)
}

func TestPublishFailureDoesNotFailFlow(t *testing.T) {
	h := newHarness(t, WithPublisher(failingPublisher{}))

	rec, err := h.coord.RefreshStatus(context.Background(), "m-1")
	require.NoError(t, err)
	assert.Equal(t, "online", rec.Status)
}

// stubRemote and stubStore drive failure paths the HTTP fake cannot reach
type stubRemote struct {
	machine   *protocol.Machine
	pushRes   remote.PushResult
	pushErr   error
	pushCalls int
}

func (s *stubRemote) FetchStatus(context.Context, string) (*protocol.Machine, error) {
	return s.machine, nil
}

func (s *stubRemote) UpdateStatus(context.Context, string, string) (*protocol.Machine, error) {
	return s.machine, nil
}

func (s *stubRemote) FetchLogs(context.Context, string) ([]protocol.LogEntry, error) {
	return []protocol.LogEntry{}, nil
}

func (s *stubRemote) PushLogs(_ context.Context, _ string, entries []protocol.LogEntry) (remote.PushResult, error) {
	s.pushCalls++
	return s.pushRes, s.pushErr
}

type stubStore struct {
	upsertErr error
	markErr   error
	rows      []store.LogEntry
	marked    []int64
}

func (s *stubStore) UpsertStatus(store.MachineStatus) error { return s.upsertErr }

func (s *stubStore) GetStatus(id string) (*store.MachineStatus, error) {
	return nil, store.ErrNotFound
}

func (s *stubStore) AppendLog(store.LogEntry) (int64, error) { return 1, nil }

func (s *stubStore) ListLogs(string) ([]store.LogEntry, error) { return s.rows, nil }

func (s *stubStore) ListUnsyncedLogs(string) ([]store.LogEntry, error) { return s.rows, nil }

func (s *stubStore) MarkSynced(ids []int64, _ time.Time) error {
	s.marked = append(s.marked, ids...)
	return s.markErr
}

func TestRefreshStatusPersistenceFailure(t *testing.T) {
	r := &stubRemote{machine: &protocol.Machine{ID: "m-1", Name: "Node1", Status: "online"}}
	s := &stubStore{upsertErr: &store.PersistenceError{Op: "upsert status", Err: errors.New("disk full")}}
	c := New(r, s)

	_, err := c.RefreshStatus(context.Background(), "m-1")
	var perr *store.PersistenceError
	assert.ErrorAs(t, err, &perr)
}

func TestPushLogsMarkSyncedFailureIsReported(t *testing.T) {
	r := &stubRemote{pushRes: remote.PushResult{Total: 2, Sent: 2, FailedIndex: -1}}
	s := &stubStore{
		rows:    []store.LogEntry{{ID: 7, MachineID: "m-1"}, {ID: 9, MachineID: "m-1"}},
		markErr: &store.PersistenceError{Op: "mark synced", Err: errors.New("readonly database")},
	}
	c := New(r, s)

	report, err := c.PushLogs(context.Background(), "m-1")
	require.Error(t, err)
	var perr *store.PersistenceError
	assert.ErrorAs(t, err, &perr)
	assert.Equal(t, []int64{7, 9}, report.Sent, "the server still has them")
	assert.Equal(t, []int64{7, 9}, s.marked)
}

func TestPushLogsFirstEntryFails(t *testing.T) {
	netErr := &remote.NetworkError{Op: "push_log", URL: "http://x", Err: errors.New("connection refused")}
	r := &stubRemote{pushRes: remote.PushResult{Total: 2, FailedIndex: 0, Err: netErr}, pushErr: netErr}
	s := &stubStore{rows: []store.LogEntry{{ID: 1, MachineID: "m-1"}, {ID: 2, MachineID: "m-1"}}}
	c := New(r, s)

	report, err := c.PushLogs(context.Background(), "m-1")
	require.Error(t, err)
	assert.True(t, remote.IsNetwork(err))
	assert.Empty(t, report.Sent)
	assert.Equal(t, []int64{1}, []int64{report.Failed[0].ID})
	assert.Equal(t, []int64{2}, report.Unattempted)
	assert.Empty(t, s.marked, "nothing acknowledged, nothing marked")
}

func TestPushLogsReportCoversEveryRow(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name        string
		res         remote.PushResult
		err         error
		sent        []int64
		failed      []int64
		unattempted []int64
		wantErr     bool
	}{
		{"error without failed index", remote.PushResult{Total: 3, Sent: 1, FailedIndex: -1}, boom, []int64{1}, []int64{2}, []int64{3}, true},
		{"sent beyond rows", remote.PushResult{Total: 3, Sent: 5, FailedIndex: -1}, nil, []int64{1, 2, 3}, nil, nil, false},
		{"failed index beyond rows", remote.PushResult{Total: 3, Sent: 2, FailedIndex: 7, Err: boom}, boom, []int64{1, 2}, []int64{3}, nil, true},
		{"short without error", remote.PushResult{Total: 3, Sent: 1, FailedIndex: -1}, nil, []int64{1}, []int64{2}, []int64{3}, true},
		{"negative sent", remote.PushResult{Total: 3, Sent: -1, FailedIndex: 0, Err: boom}, boom, nil, []int64{1}, []int64{2, 3}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &stubRemote{pushRes: tt.res, pushErr: tt.err}
			s := &stubStore{rows: []store.LogEntry{
				{ID: 1, MachineID: "m-1"}, {ID: 2, MachineID: "m-1"}, {ID: 3, MachineID: "m-1"},
			}}
			c := New(r, s)

			var report *PushReport
			var err error
			require.NotPanics(t, func() { report, err = c.PushLogs(context.Background(), "m-1") })

			if tt.wantErr {
				var partial *PartialPushError
				require.ErrorAs(t, err, &partial)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, 3, report.Total)
			assert.Equal(t, report.Total, len(report.Sent)+len(report.Failed)+len(report.Unattempted))
			assert.ElementsMatch(t, tt.sent, report.Sent)
			assert.ElementsMatch(t, tt.failed, failedIDs(report))
			assert.ElementsMatch(t, tt.unattempted, report.Unattempted)
			for _, f := range report.Failed {
				assert.Error(t, f.Err)
			}
		})
	}
}

func failedIDs(r *PushReport) []int64 {
	ids := make([]int64, 0, len(r.Failed))
	for _, f := range r.Failed {
		ids = append(ids, f.ID)
	}
	return ids
}

func TestFlowsForOneMachineAreSerialized(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		json.NewEncoder(w).Encode(protocol.Machine{ID: "m-1", Name: "Node1", Status: "online"})
	}))
	defer srv.Close()

	client, err := remote.New(remote.Config{BaseURL: srv.URL, APIKey: "secret"})
	require.NoError(t, err)
	db, err := store.Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	defer db.Close()

	c := New(client, db)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.RefreshStatus(context.Background(), "m-1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInFlight.Load())
}
