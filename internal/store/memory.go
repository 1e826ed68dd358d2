package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"telecom-callflow/internal/calls"
)

// MemoryStore keeps everything in process memory.
// Transactions are serialized and run against a copy of the state that replaces
// the live state only on success. Useful for tests and local development; not
// intended for production use.
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
	clock func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemState(), clock: time.Now}
}

type memState struct {
	calls       map[string]calls.Call
	sessions    map[string]calls.Session
	legs        map[string]calls.Leg
	logs        []calls.LogEntry
	logIndex    map[string]int
	recordings  map[string]calls.Recording
	transcripts map[string]calls.Transcript
	seq         int64
}

func newMemState() *memState {
	return &memState{
		calls:       map[string]calls.Call{},
		sessions:    map[string]calls.Session{},
		legs:        map[string]calls.Leg{},
		logIndex:    map[string]int{},
		recordings:  map[string]calls.Recording{},
		transcripts: map[string]calls.Transcript{},
	}
}

func (s *memState) clone() *memState {
	out := &memState{
		calls:       make(map[string]calls.Call, len(s.calls)),
		sessions:    make(map[string]calls.Session, len(s.sessions)),
		legs:        make(map[string]calls.Leg, len(s.legs)),
		logs:        make([]calls.LogEntry, len(s.logs)),
		logIndex:    make(map[string]int, len(s.logIndex)),
		recordings:  make(map[string]calls.Recording, len(s.recordings)),
		transcripts: make(map[string]calls.Transcript, len(s.transcripts)),
		seq:         s.seq,
	}
	for k, v := range s.calls {
		out.calls[k] = v
	}
	for k, v := range s.sessions {
		out.sessions[k] = v
	}
	for k, v := range s.legs {
		out.legs[k] = v
	}
	copy(out.logs, s.logs)
	for k, v := range s.logIndex {
		out.logIndex[k] = v
	}
	for k, v := range s.recordings {
		out.recordings[k] = v
	}
	for k, v := range s.transcripts {
		out.transcripts[k] = v
	}
	return out
}

func (s *MemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.state.clone()
	if err := fn(ctx, &memTx{st: work, now: s.clock}); err != nil {
		return err
	}
	s.state = work
	return nil
}

// Reader

func (s *MemoryStore) GetCall(ctx context.Context, id string) (calls.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.getCall(id)
}

func (s *MemoryStore) GetCallBySession(ctx context.Context, sessionID string) (calls.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.callBySession(sessionID)
}

func (s *MemoryStore) ListCalls(ctx context.Context, f CallFilter) ([]calls.Call, error) {
	f = f.Normalized()
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []calls.Call
	for _, c := range s.state.calls {
		if !matchesFilter(c, f) {
			continue
		}
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if f.Offset >= len(out) {
		return []calls.Call{}, nil
	}
	out = out[f.Offset:]
	if len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func matchesFilter(c calls.Call, f CallFilter) bool {
	if f.OwnerID != "" && c.OwnerID != f.OwnerID {
		return false
	}
	if len(f.Statuses) > 0 {
		ok := false
		for _, st := range f.Statuses {
			if c.Status == st {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.From != nil && c.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && !c.CreatedAt.Before(*f.To) {
		return false
	}
	return true
}

func (s *MemoryStore) GetSession(ctx context.Context, sessionID string) (calls.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.state.sessions[sessionID]
	if !ok {
		return calls.Session{}, ErrNotFound
	}
	return sess, nil
}

func (s *MemoryStore) ListLegs(ctx context.Context, callID string) ([]calls.Leg, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.listLegs(callID), nil
}

func (s *MemoryStore) ListLogs(ctx context.Context, callID string) ([]calls.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []calls.LogEntry
	for _, e := range s.state.logs {
		if e.CallID == callID && callID != "" {
			out = append(out, e)
		}
	}
	sortTimeline(out)
	return out, nil
}

// sortTimeline orders by occurred_at, using created_at when occurred_at is unknown, then by sequence.
func sortTimeline(entries []calls.LogEntry) {
	key := func(e calls.LogEntry) time.Time {
		if e.OccurredAt != nil {
			return *e.OccurredAt
		}
		return e.CreatedAt
	}
	sort.SliceStable(entries, func(i, j int) bool {
		ki, kj := key(entries[i]), key(entries[j])
		if !ki.Equal(kj) {
			return ki.Before(kj)
		}
		return entries[i].Sequence < entries[j].Sequence
	})
}

func (s *MemoryStore) ListOrphans(ctx context.Context, limit int) ([]calls.LogEntry, error) {
	return s.ListOrphansAfter(ctx, 0, limit)
}

func (s *MemoryStore) ListOrphansAfter(ctx context.Context, after int64, limit int) ([]calls.LogEntry, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	// logs is kept in append order, which is sequence order.
	var out []calls.LogEntry
	for _, e := range s.state.logs {
		if !e.Orphaned() || e.Sequence <= after {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) EventExists(ctx context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.state.logIndex[eventID]
	return ok, nil
}

func (s *MemoryStore) ListRecordings(ctx context.Context, callID string) ([]calls.Recording, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []calls.Recording
	for _, r := range s.state.recordings {
		if r.CallID == callID && callID != "" {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) || (out[i].CreatedAt.Equal(out[j].CreatedAt) && out[i].ID < out[j].ID) })
	return out, nil
}

func (s *MemoryStore) ListTranscripts(ctx context.Context, callID string) ([]calls.Transcript, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []calls.Transcript
	for _, t := range s.state.transcripts {
		if t.CallID == callID && callID != "" {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) || (out[i].CreatedAt.Equal(out[j].CreatedAt) && out[i].ID < out[j].ID) })
	return out, nil
}

// shared lookups

func (s *memState) getCall(id string) (calls.Call, error) {
	c, ok := s.calls[id]
	if !ok {
		return calls.Call{}, ErrNotFound
	}
	return c.Clone(), nil
}

func (s *memState) callBySession(sessionID string) (calls.Call, error) {
	if sessionID == "" {
		return calls.Call{}, ErrNotFound
	}
	for _, c := range s.calls {
		if c.SessionID == sessionID {
			return c.Clone(), nil
		}
	}
	return calls.Call{}, ErrNotFound
}

func (s *memState) listLegs(callID string) []calls.Leg {
	var out []calls.Leg
	for _, l := range s.legs {
		if l.CallID == callID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LegID < out[j].LegID })
	return out
}

// memTx operates on a private copy of the state while the store mutex is held.
type memTx struct {
	st  *memState
	now func() time.Time
}

func (t *memTx) EventExists(ctx context.Context, eventID string) (bool, error) {
	_, ok := t.st.logIndex[eventID]
	return ok, nil
}

func (t *memTx) GetCall(ctx context.Context, id string) (calls.Call, error) {
	return t.st.getCall(id)
}

func (t *memTx) CallBySession(ctx context.Context, sessionID string) (calls.Call, error) {
	return t.st.callBySession(sessionID)
}

func (t *memTx) CallByControlID(ctx context.Context, callControlID string) (calls.Call, error) {
	if callControlID == "" {
		return calls.Call{}, ErrNotFound
	}
	for _, c := range t.st.calls {
		if c.CallControlID == callControlID {
			return c.Clone(), nil
		}
	}
	for _, l := range t.st.legs {
		if l.CallControlID == callControlID {
			return t.st.getCall(l.CallID)
		}
	}
	return calls.Call{}, ErrNotFound
}

func (t *memTx) CallByLegID(ctx context.Context, legID string) (calls.Call, error) {
	l, ok := t.st.legs[legID]
	if !ok || legID == "" {
		return calls.Call{}, ErrNotFound
	}
	return t.st.getCall(l.CallID)
}

func (t *memTx) InsertCall(ctx context.Context, c calls.Call) error {
	if _, ok := t.st.calls[c.ID]; ok {
		return ErrConflict
	}
	if err := t.checkUnique(c); err != nil {
		return err
	}
	t.st.calls[c.ID] = c.Clone()
	return nil
}

func (t *memTx) UpdateCall(ctx context.Context, c calls.Call) error {
	if _, ok := t.st.calls[c.ID]; !ok {
		return ErrNotFound
	}
	if err := t.checkUnique(c); err != nil {
		return err
	}
	t.st.calls[c.ID] = c.Clone()
	return nil
}

func (t *memTx) checkUnique(c calls.Call) error {
	for id, other := range t.st.calls {
		if id == c.ID {
			continue
		}
		if c.SessionID != "" && other.SessionID == c.SessionID {
			return ErrConflict
		}
		if c.CallControlID != "" && other.CallControlID == c.CallControlID {
			return ErrConflict
		}
	}
	return nil
}

func (t *memTx) GetSession(ctx context.Context, sessionID string) (calls.Session, error) {
	s, ok := t.st.sessions[sessionID]
	if !ok {
		return calls.Session{}, ErrNotFound
	}
	return s, nil
}

func (t *memTx) SaveSession(ctx context.Context, s calls.Session) error {
	if existing, ok := t.st.sessions[s.SessionID]; ok && existing.CallID != s.CallID {
		return ErrConflict
	}
	t.st.sessions[s.SessionID] = s
	return nil
}

func (t *memTx) GetLeg(ctx context.Context, legID string) (calls.Leg, error) {
	l, ok := t.st.legs[legID]
	if !ok {
		return calls.Leg{}, ErrNotFound
	}
	return l, nil
}

func (t *memTx) SaveLeg(ctx context.Context, l calls.Leg) error {
	t.st.legs[l.LegID] = l
	return nil
}

func (t *memTx) ListLegs(ctx context.Context, callID string) ([]calls.Leg, error) {
	return t.st.listLegs(callID), nil
}

func (t *memTx) SaveRecording(ctx context.Context, r calls.Recording) error {
	if existing, ok := t.st.recordings[r.ID]; ok {
		if r.CallID == "" {
			r.CallID = existing.CallID
		}
		r.CreatedAt = existing.CreatedAt
	}
	t.st.recordings[r.ID] = r
	return nil
}

func (t *memTx) SaveTranscript(ctx context.Context, tr calls.Transcript) error {
	if existing, ok := t.st.transcripts[tr.ID]; ok {
		if tr.CallID == "" {
			tr.CallID = existing.CallID
		}
		tr.CreatedAt = existing.CreatedAt
	}
	t.st.transcripts[tr.ID] = tr
	return nil
}

func (t *memTx) LinkArtifacts(ctx context.Context, callID string, keys calls.ArtifactKeys) (int, error) {
	if keysEmpty(keys) {
		return 0, nil
	}
	n := 0
	for id, r := range t.st.recordings {
		if r.CallID == "" && keys.Matches(r.SessionID, r.CallControlID, r.LegID) {
			r.CallID = callID
			t.st.recordings[id] = r
			n++
		}
	}
	for id, tr := range t.st.transcripts {
		if tr.CallID == "" && keys.Matches(tr.SessionID, tr.CallControlID, tr.LegID) {
			tr.CallID = callID
			t.st.transcripts[id] = tr
			n++
		}
	}
	return n, nil
}

func (t *memTx) AppendLog(ctx context.Context, e *calls.LogEntry) error {
	if _, ok := t.st.logIndex[e.EventID]; ok {
		return ErrDuplicateEvent
	}
	t.st.seq++
	e.Sequence = t.st.seq
	if e.CreatedAt.IsZero() {
		e.CreatedAt = t.now().UTC()
	}
	t.st.logIndex[e.EventID] = len(t.st.logs)
	t.st.logs = append(t.st.logs, *e)
	return nil
}

func (t *memTx) Orphans(ctx context.Context, keys calls.ArtifactKeys) ([]calls.LogEntry, error) {
	if keysEmpty(keys) {
		return nil, nil
	}
	var out []calls.LogEntry
	for _, e := range t.st.logs {
		if !e.Orphaned() || e.OrphanReason != calls.OrphanUncorrelated {
			continue
		}
		c := e.Correlation
		if keys.Matches(c.SessionID, c.CallControlID, c.LegID) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (t *memTx) GetLog(ctx context.Context, eventID string) (calls.LogEntry, error) {
	i, ok := t.st.logIndex[eventID]
	if !ok {
		return calls.LogEntry{}, ErrNotFound
	}
	return t.st.logs[i], nil
}

func (t *memTx) AssignLog(ctx context.Context, eventID, callID string) error {
	i, ok := t.st.logIndex[eventID]
	if !ok {
		return ErrNotFound
	}
	if _, ok := t.st.calls[callID]; !ok {
		return ErrNotFound
	}
	e := t.st.logs[i]
	if e.CallID == callID {
		return nil
	}
	if e.CallID != "" {
		return ErrConflict
	}
	e.CallID = callID
	t.st.logs[i] = e
	return nil
}
