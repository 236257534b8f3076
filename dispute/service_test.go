package dispute

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"escrowflow/audit"
	"escrowflow/escrow"
)

func newTestService(store *fakeStore) (*Service, *fakePool, *fakeLedger, *fakeAuditor, *fakeSettler, *fakeEvents) {
	pool := &fakePool{}
	ledger := &fakeLedger{}
	auditor := &fakeAuditor{}
	settler := &fakeSettler{}
	events := &fakeEvents{}
	svc := NewService(pool, store, ledger, auditor, &fakeOutbox{}, settler, events)
	return svc, pool, ledger, auditor, settler, events
}

func votingRecord(panel int) Record {
	return Record{
		ID:        "d1",
		EscrowID:  "tx1",
		RaisedBy:  "payer",
		Against:   "payee",
		Status:    StatusVoting,
		PanelSize: panel,
	}
}

func TestCastVoteNotAPanelist(t *testing.T) {
	store := &fakeStore{rec: votingRecord(3)}
	svc, pool, _, auditor, _, _ := newTestService(store)

	_, err := svc.CastVote(context.Background(), "d1", "stranger", ChoiceApprove)
	if !errors.Is(err, ErrNotAPanelist) {
		t.Fatalf("expected ErrNotAPanelist, got %v", err)
	}
	if pool.tx.committed {
		t.Errorf("expected rollback")
	}
	if len(auditor.appends) != 0 {
		t.Errorf("rejected vote must not append audit entries")
	}
}

func TestCastVoteDuplicateLeavesTallyUnchanged(t *testing.T) {
	store := &fakeStore{rec: votingRecord(3), panelists: []string{"a", "b", "c"}, insertVoteErr: ErrDuplicateVote}
	svc, pool, _, _, _, _ := newTestService(store)

	_, err := svc.CastVote(context.Background(), "d1", "a", ChoiceApprove)
	if !errors.Is(err, ErrDuplicateVote) {
		t.Fatalf("expected ErrDuplicateVote, got %v", err)
	}
	if pool.tx.committed {
		t.Errorf("duplicate vote must roll back")
	}
	if store.applyVoteCalls != 0 {
		t.Errorf("duplicate vote must not touch the tally")
	}
}

func TestCastVoteBeforePanelAssigned(t *testing.T) {
	rec := votingRecord(3)
	rec.Status = StatusOpen
	store := &fakeStore{rec: rec, panelists: []string{"a"}}
	svc, _, _, _, _, _ := newTestService(store)

	if _, err := svc.CastVote(context.Background(), "d1", "a", ChoiceApprove); !errors.Is(err, ErrDisputeNotVoting) {
		t.Fatalf("expected ErrDisputeNotVoting, got %v", err)
	}
}

func TestSecondApproveOfThreeResolvesImmediately(t *testing.T) {
	rec := votingRecord(3)
	rec.ApproveCount, rec.VotesCast = 1, 1
	store := &fakeStore{rec: rec, panelists: []string{"a", "b", "c"}}
	svc, pool, _, auditor, settler, events := newTestService(store)

	got, err := svc.CastVote(context.Background(), "d1", "b", ChoiceApprove)
	if err != nil {
		t.Fatalf("expected resolution, got %v", err)
	}
	if got.Status != StatusResolved {
		t.Fatalf("expected resolved without third vote, got %s", got.Status)
	}
	if got.Outcome == nil || *got.Outcome != OutcomeApprovedRaiser {
		t.Errorf("expected approved_raiser, got %v", got.Outcome)
	}
	if !pool.tx.committed {
		t.Errorf("expected commit")
	}
	if settler.calls != 1 {
		t.Errorf("expected exactly one settlement invocation, got %d", settler.calls)
	}
	if !auditor.has(audit.ActionVoteCast) || !auditor.has(audit.ActionDisputeResolved) {
		t.Errorf("expected VOTE_CAST and DISPUTE_RESOLVED appends, got %+v", auditor.appends)
	}
	if !events.has("d1", "dispute-resolved") || !events.has("tx1", "dispute-resolved") {
		t.Errorf("expected dispute-resolved events on both subjects, got %+v", events.published)
	}
}

func TestRejectMajorityResolvesAgainstRaiser(t *testing.T) {
	rec := votingRecord(3)
	rec.RejectCount, rec.VotesCast = 1, 1
	store := &fakeStore{rec: rec, panelists: []string{"a", "b", "c"}}
	svc, _, _, _, settler, _ := newTestService(store)

	got, err := svc.CastVote(context.Background(), "d1", "c", ChoiceReject)
	if err != nil {
		t.Fatalf("expected resolution, got %v", err)
	}
	if got.Outcome == nil || *got.Outcome != OutcomeApprovedAgainst {
		t.Errorf("expected approved_against, got %v", got.Outcome)
	}
	if settler.calls != 1 || settler.last.Outcome != OutcomeApprovedAgainst {
		t.Errorf("expected settlement with approved_against, got %+v", settler.last)
	}
}

func TestEvenPanelTieEscalates(t *testing.T) {
	rec := votingRecord(4)
	rec.ApproveCount, rec.RejectCount, rec.VotesCast = 2, 1, 3
	store := &fakeStore{rec: rec, panelists: []string{"a", "b", "c", "d"}}
	svc, _, _, auditor, settler, _ := newTestService(store)

	got, err := svc.CastVote(context.Background(), "d1", "d", ChoiceReject)
	if err != nil {
		t.Fatalf("expected tie resolution, got %v", err)
	}
	if got.Outcome == nil || *got.Outcome != OutcomeNoMajority {
		t.Fatalf("expected no_majority, got %v", got.Outcome)
	}
	if !got.Escalated {
		t.Errorf("tie must be flagged for manual override")
	}
	if settler.calls != 0 {
		t.Errorf("no_majority must not trigger settlement")
	}
	if !auditor.has(audit.ActionDisputeEscalated) {
		t.Errorf("expected DISPUTE_ESCALATED append, got %+v", auditor.appends)
	}
}

func TestLateVoteRecordedButRejected(t *testing.T) {
	outcome := OutcomeApprovedRaiser
	rec := votingRecord(3)
	rec.Status = StatusResolved
	rec.Outcome = &outcome
	rec.ApproveCount, rec.VotesCast = 2, 2
	store := &fakeStore{rec: rec, panelists: []string{"a", "b", "c"}}
	svc, pool, _, auditor, settler, _ := newTestService(store)

	got, err := svc.CastVote(context.Background(), "d1", "c", ChoiceReject)
	if !errors.Is(err, ErrDisputeAlreadyResolved) {
		t.Fatalf("expected ErrDisputeAlreadyResolved, got %v", err)
	}
	if got.Outcome == nil || *got.Outcome != OutcomeApprovedRaiser {
		t.Errorf("late vote must not change the outcome")
	}
	if !pool.tx.committed {
		t.Errorf("late vote must still be committed for the record")
	}
	if len(store.votes) != 1 || !store.votes[0].Late {
		t.Errorf("expected one late vote row, got %+v", store.votes)
	}
	if !auditor.has(audit.ActionVoteRecordedLate) {
		t.Errorf("expected VOTE_RECORDED_LATE append")
	}
	if store.applyVoteCalls != 0 {
		t.Errorf("late vote must not touch the tally")
	}
	if settler.calls != 0 {
		t.Errorf("late vote must not re-trigger settlement")
	}
}

func TestAssignPanelSizeMismatch(t *testing.T) {
	rec := votingRecord(3)
	rec.Status = StatusOpen
	store := &fakeStore{rec: rec}
	svc, _, _, _, _, _ := newTestService(store)
	ctx := context.Background()

	if _, err := svc.AssignPanel(ctx, "d1", []string{"a", "b"}, "admin"); !errors.Is(err, ErrPanelSizeMismatch) {
		t.Fatalf("expected ErrPanelSizeMismatch for short panel, got %v", err)
	}
	if _, err := svc.AssignPanel(ctx, "d1", []string{"a", "a", "b"}, "admin"); !errors.Is(err, ErrPanelSizeMismatch) {
		t.Fatalf("expected ErrPanelSizeMismatch for duplicate panelist, got %v", err)
	}
	if _, err := svc.AssignPanel(ctx, "d1", []string{"a", "b", "payer"}, "admin"); err == nil {
		t.Fatalf("expected rejection of a disputing party on the panel")
	}
}

func TestAssignPanelTwiceRejected(t *testing.T) {
	store := &fakeStore{rec: votingRecord(3)}
	svc, _, _, _, _, _ := newTestService(store)

	if _, err := svc.AssignPanel(context.Background(), "d1", []string{"a", "b", "c"}, "admin"); !errors.Is(err, ErrDisputeNotOpen) {
		t.Fatalf("expected ErrDisputeNotOpen, got %v", err)
	}
}

func TestOpenValidatesParties(t *testing.T) {
	store := &fakeStore{}
	svc, _, ledger, _, _, _ := newTestService(store)
	ledger.tx = escrow.Transaction{ID: "tx1", PayerID: "payer", PayeeID: "payee", Status: escrow.StatusDeposited}

	_, err := svc.Open(context.Background(), OpenParams{EscrowID: "tx1", RaisedBy: "payer", Against: "outsider"})
	if err == nil {
		t.Fatalf("expected rejection of a non-party")
	}

	rec, err := svc.Open(context.Background(), OpenParams{EscrowID: "tx1", RaisedBy: "payer", Against: "payee"})
	if err != nil {
		t.Fatalf("expected dispute to open, got %v", err)
	}
	if rec.PanelSize != DefaultPanelSize {
		t.Errorf("expected default panel size %d, got %d", DefaultPanelSize, rec.PanelSize)
	}
	if !ledger.disputed {
		t.Errorf("expected escrow to be marked disputed in the same transaction")
	}
}

// fakes

type fakePool struct{ tx *fakeTx }

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	f.tx = &fakeTx{}
	return f.tx, nil
}

type fakeLedger struct {
	tx       escrow.Transaction
	disputed bool
}

func (f *fakeLedger) Lock(ctx context.Context, tx pgx.Tx, id string) (escrow.Transaction, error) {
	if f.tx.ID == "" {
		return escrow.Transaction{}, escrow.ErrNotFound
	}
	return f.tx, nil
}

func (f *fakeLedger) MarkDisputed(ctx context.Context, tx pgx.Tx, id, actor, disputeID string) (escrow.Transaction, error) {
	if f.tx.Status != escrow.StatusDeposited {
		return escrow.Transaction{}, escrow.ErrInvalidStateTransition
	}
	f.disputed = true
	f.tx.Status = escrow.StatusDisputed
	return f.tx, nil
}

type appendCall struct {
	subject string
	action  string
}

type fakeAuditor struct {
	appends []appendCall
}

func (f *fakeAuditor) Append(ctx context.Context, tx pgx.Tx, subjectID, action, actor string, payload map[string]any) (audit.Entry, error) {
	f.appends = append(f.appends, appendCall{subject: subjectID, action: action})
	return audit.Entry{SubjectID: subjectID, Action: action}, nil
}

func (f *fakeAuditor) has(action string) bool {
	for _, a := range f.appends {
		if a.action == action {
			return true
		}
	}
	return false
}

type fakeOutbox struct{}

func (f *fakeOutbox) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	return nil
}

type fakeSettler struct {
	calls int
	last  Resolution
}

func (f *fakeSettler) Resolve(ctx context.Context, tx pgx.Tx, res Resolution) error {
	f.calls++
	f.last = res
	return nil
}

type publishedEvent struct {
	subject string
	event   string
}

type fakeEvents struct {
	published []publishedEvent
}

func (f *fakeEvents) Publish(subject, event string, payload map[string]any) {
	f.published = append(f.published, publishedEvent{subject: subject, event: event})
}

func (f *fakeEvents) has(subject, event string) bool {
	for _, p := range f.published {
		if p.subject == subject && p.event == event {
			return true
		}
	}
	return false
}

type fakeStore struct {
	rec            Record
	panelists      []string
	votes          []Vote
	insertVoteErr  error
	applyVoteCalls int
}

func (f *fakeStore) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Record, error) {
	if f.rec.ID == "" {
		return Record{}, ErrNotFound
	}
	return f.rec, nil
}

func (f *fakeStore) Get(ctx context.Context, id string) (Record, error) {
	return f.GetForUpdate(ctx, nil, id)
}

func (f *fakeStore) Insert(ctx context.Context, tx pgx.Tx, escrowID, raisedBy, against string, panelSize int) (Record, error) {
	f.rec = Record{ID: "d1", EscrowID: escrowID, RaisedBy: raisedBy, Against: against, Status: StatusOpen, PanelSize: panelSize}
	return f.rec, nil
}

func (f *fakeStore) AssignPanel(ctx context.Context, tx pgx.Tx, disputeID string, arbitratorIDs []string) error {
	if f.rec.Status != StatusOpen {
		return ErrDisputeNotOpen
	}
	f.panelists = arbitratorIDs
	f.rec.Status = StatusVoting
	return nil
}

func (f *fakeStore) IsPanelist(ctx context.Context, tx pgx.Tx, disputeID, arbitratorID string) (bool, error) {
	for _, p := range f.panelists {
		if p == arbitratorID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) InsertVote(ctx context.Context, tx pgx.Tx, v Vote) error {
	if f.insertVoteErr != nil {
		return f.insertVoteErr
	}
	f.votes = append(f.votes, v)
	return nil
}

func (f *fakeStore) ApplyVote(ctx context.Context, tx pgx.Tx, disputeID string, choice Choice) (Record, error) {
	f.applyVoteCalls++
	if choice == ChoiceApprove {
		f.rec.ApproveCount++
	} else {
		f.rec.RejectCount++
	}
	f.rec.VotesCast++
	return f.rec, nil
}

func (f *fakeStore) MarkResolved(ctx context.Context, tx pgx.Tx, disputeID string, outcome Outcome, escalated bool) (Record, error) {
	if f.rec.Status != StatusVoting {
		return Record{}, ErrDisputeAlreadyResolved
	}
	f.rec.Status = StatusResolved
	f.rec.Outcome = &outcome
	f.rec.Escalated = escalated
	return f.rec, nil
}

func (f *fakeStore) ListVotes(ctx context.Context, disputeID string) ([]Vote, error) {
	return f.votes, nil
}

func (f *fakeStore) Panel(ctx context.Context, disputeID string) ([]string, error) {
	return f.panelists, nil
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
