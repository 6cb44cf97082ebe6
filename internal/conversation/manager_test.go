package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orcabot-dev/orcabot/internal/domain"
	"github.com/orcabot-dev/orcabot/internal/logger"
	"github.com/orcabot-dev/orcabot/internal/reconcile"
	"github.com/orcabot-dev/orcabot/internal/storage"
)

type fakeSessions struct {
	mu       sync.Mutex
	sessions map[string]*domain.Session
	failSave bool
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{sessions: make(map[string]*domain.Session)}
}

func (f *fakeSessions) GetOrCreate(_ context.Context, sessionID, userID string, kind domain.Kind, tax domain.Taxonomy) (*domain.Session, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sess, ok := f.sessions[sessionID]; ok {
		return sess.Clone(), false, nil
	}
	now := time.Now().UTC()
	sess := &domain.Session{
		SessionID:      sessionID,
		UserID:         userID,
		Kind:           kind,
		State:          domain.StateCreated,
		Taxonomy:       tax,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	f.sessions[sessionID] = sess.Clone()
	return sess, true, nil
}

func (f *fakeSessions) Get(_ context.Context, sessionID string) (*domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s not found", sessionID)
	}
	return sess.Clone(), nil
}

func (f *fakeSessions) Save(_ context.Context, sess *domain.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSave {
		return domain.NewFault(domain.FaultPersistenceUnavailable, "disk on fire")
	}
	f.sessions[sess.SessionID] = sess.Clone()
	return nil
}

func (f *fakeSessions) Evict(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, sessionID)
	return nil
}

func (f *fakeSessions) ListExpired(context.Context, time.Time, time.Duration) ([]string, error) {
	return nil, nil
}

func (f *fakeSessions) PurgeTerminal(context.Context, time.Time, time.Duration) error {
	return nil
}

func (f *fakeSessions) state(t *testing.T, sessionID string) domain.State {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[sessionID]
	require.True(t, ok, "session %s not stored", sessionID)
	return sess.State
}

type fakeGateway struct {
	mu      sync.Mutex
	err     error
	commits int
}

func (f *fakeGateway) Commit(context.Context, *domain.Draft) (*storage.CommitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.commits++
	return &storage.CommitResult{EntryIDs: []string{"e1", "e2"}}, nil
}

func (f *fakeGateway) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.commits
}

type fakeTaxonomy struct {
	mu  sync.Mutex
	tax domain.Taxonomy
	err error
}

func (f *fakeTaxonomy) Snapshot(context.Context, time.Time) (domain.Taxonomy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return domain.Taxonomy{}, f.err
	}
	return f.tax, nil
}

func (f *fakeTaxonomy) set(tax domain.Taxonomy) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tax = tax
}

func (f *fakeTaxonomy) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

type fakeInterp struct {
	fn func(sess *domain.Session, ev reconcile.Event) reconcile.Result
}

func (f *fakeInterp) Interpret(_ context.Context, sess *domain.Session, ev reconcile.Event) reconcile.Result {
	return f.fn(sess, ev)
}

// notification pairs an event name with the session snapshot it was
// emitted for.
type notification struct {
	name  string
	sess  *domain.Session
	fault *domain.Fault
}

type recordingNotifier struct {
	ch chan notification
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{ch: make(chan notification, 32)}
}

func (n *recordingNotifier) emit(name string, sess *domain.Session) {
	n.ch <- notification{name: name, sess: sess}
}

func (n *recordingNotifier) DraftPresented(_ context.Context, s *domain.Session) { n.emit("draft", s) }
func (n *recordingNotifier) Prompt(_ context.Context, s *domain.Session, _ string) {
	n.emit("prompt", s)
}
func (n *recordingNotifier) ValidationError(_ context.Context, s *domain.Session, f *domain.Fault) {
	n.ch <- notification{name: "validation_error", sess: s, fault: f}
}
func (n *recordingNotifier) AccountRequested(_ context.Context, s *domain.Session) {
	n.emit("account_requested", s)
}
func (n *recordingNotifier) CommitSucceeded(_ context.Context, s *domain.Session, _ []string) {
	n.emit("commit_succeeded", s)
}
func (n *recordingNotifier) CommitFailed(_ context.Context, s *domain.Session, _ *domain.Fault) {
	n.emit("commit_failed", s)
}
func (n *recordingNotifier) SessionClosed(_ context.Context, s *domain.Session, _ string) {
	n.emit("session_closed", s)
}

func (n *recordingNotifier) next(t *testing.T) notification {
	t.Helper()
	select {
	case got := <-n.ch:
		return got
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a notification")
		return notification{}
	}
}

func (n *recordingNotifier) expect(t *testing.T, name string) *domain.Session {
	t.Helper()
	got := n.next(t)
	require.Equal(t, name, got.name)
	return got.sess
}

func confirmableDraft() *domain.Draft {
	return &domain.Draft{
		Kind: domain.KindClassification,
		Classification: &domain.ClassificationDraft{
			Estabelecimento: "Mercado Central",
			DataCompra:      time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC),
			Itens: []domain.Item{
				{Descricao: "arroz", Valor: decimal.RequireFromString("25.90"), Categoria: "Alimentação"},
			},
		},
	}
}

// scriptedInterp walks the happy path: extraction, confirmation, account.
func scriptedInterp() *fakeInterp {
	return &fakeInterp{fn: func(sess *domain.Session, ev reconcile.Event) reconcile.Result {
		switch ev.Type {
		case reconcile.EventImage:
			return reconcile.Result{Outcome: reconcile.OutcomeDraftUpdated, Draft: confirmableDraft()}
		case reconcile.EventReply:
			if reconcile.IsAffirmative(ev.Text) {
				return reconcile.Result{Outcome: reconcile.OutcomeReady, Draft: sess.Draft.Clone()}
			}
			return reconcile.Result{
				Outcome: reconcile.OutcomeValidationFailed,
				Fault:   domain.NewFault(domain.FaultAmbiguousEdit, "not understood"),
			}
		case reconcile.EventAccountAnswer:
			next := sess.Draft.Clone()
			next.SetAccount("Nubank")
			return reconcile.Result{Outcome: reconcile.OutcomeReady, Draft: next}
		}
		return reconcile.Result{Outcome: reconcile.OutcomeAwaitingInput, Reason: "send a receipt"}
	}}
}

type managerFixture struct {
	manager  *Manager
	sessions *fakeSessions
	gateway  *fakeGateway
	taxonomy *fakeTaxonomy
	notifier *recordingNotifier
}

func newFixture(t *testing.T, interp Interpreter) *managerFixture {
	t.Helper()
	sessions := newFakeSessions()
	gateway := &fakeGateway{}
	notifier := newRecordingNotifier()
	tax := &fakeTaxonomy{tax: domain.Taxonomy{
		Categories: []string{"Alimentação"},
		Accounts:   []string{"Nubank"},
		FetchedAt:  time.Now(),
	}}

	m := NewManager(sessions, gateway, tax, interp, notifier, nil, 24*time.Hour, logger.New())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Close(ctx)
	})

	return &managerFixture{manager: m, sessions: sessions, gateway: gateway, taxonomy: tax, notifier: notifier}
}

func TestHappyPathImageToCommit(t *testing.T) {
	fx := newFixture(t, scriptedInterp())
	ctx := context.Background()

	require.NoError(t, fx.manager.Dispatch(ctx, "s1", "u1", reconcile.Event{Type: reconcile.EventImage, Image: []byte{1}, MIME: "image/jpeg"}))
	sess := fx.notifier.expect(t, "draft")
	assert.Equal(t, domain.StateAwaitingConfirmation, sess.State)

	require.NoError(t, fx.manager.Dispatch(ctx, "s1", "u1", reconcile.Event{Type: reconcile.EventReply, Text: "sim"}))
	sess = fx.notifier.expect(t, "account_requested")
	assert.Equal(t, domain.StateAwaitingAccount, sess.State)

	require.NoError(t, fx.manager.Dispatch(ctx, "s1", "u1", reconcile.Event{Type: reconcile.EventReply, Text: "nubank"}))
	sess = fx.notifier.expect(t, "commit_succeeded")
	assert.Equal(t, domain.StateCommitted, sess.State)
	assert.Equal(t, 1, fx.gateway.count())
	assert.Equal(t, domain.StateCommitted, fx.sessions.state(t, "s1"))
}

func TestConfirmAfterCommitIsAnswered(t *testing.T) {
	fx := newFixture(t, scriptedInterp())
	ctx := context.Background()

	require.NoError(t, fx.manager.Dispatch(ctx, "s1", "u1", reconcile.Event{Type: reconcile.EventImage, Image: []byte{1}}))
	fx.notifier.expect(t, "draft")
	require.NoError(t, fx.manager.Dispatch(ctx, "s1", "u1", reconcile.Event{Type: reconcile.EventReply, Text: "sim"}))
	fx.notifier.expect(t, "account_requested")
	require.NoError(t, fx.manager.Dispatch(ctx, "s1", "u1", reconcile.Event{Type: reconcile.EventReply, Text: "nubank"}))
	fx.notifier.expect(t, "commit_succeeded")

	// A second confirmation must not commit again.
	require.NoError(t, fx.manager.Dispatch(ctx, "s1", "u1", reconcile.Event{Type: reconcile.EventReply, Text: "sim"}))
	fx.notifier.expect(t, "session_closed")
	assert.Equal(t, 1, fx.gateway.count())
}

func TestFreshImageAfterCommitStartsNewSession(t *testing.T) {
	fx := newFixture(t, scriptedInterp())
	ctx := context.Background()

	require.NoError(t, fx.manager.Dispatch(ctx, "s1", "u1", reconcile.Event{Type: reconcile.EventImage, Image: []byte{1}}))
	fx.notifier.expect(t, "draft")
	require.NoError(t, fx.manager.Dispatch(ctx, "s1", "u1", reconcile.Event{Type: reconcile.EventReply, Text: "sim"}))
	fx.notifier.expect(t, "account_requested")
	require.NoError(t, fx.manager.Dispatch(ctx, "s1", "u1", reconcile.Event{Type: reconcile.EventReply, Text: "nubank"}))
	fx.notifier.expect(t, "commit_succeeded")

	// A new receipt in the same thread restarts the conversation.
	require.NoError(t, fx.manager.Dispatch(ctx, "s1", "u1", reconcile.Event{Type: reconcile.EventImage, Image: []byte{2}}))
	sess := fx.notifier.expect(t, "draft")
	assert.Equal(t, domain.StateAwaitingConfirmation, sess.State)
	assert.Equal(t, 1, fx.gateway.count())
}

func TestCancellationDiscardsQueuedEvents(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	slow := &fakeInterp{fn: func(sess *domain.Session, ev reconcile.Event) reconcile.Result {
		once.Do(func() {
			close(started)
			<-release
		})
		return reconcile.Result{Outcome: reconcile.OutcomeDraftUpdated, Draft: confirmableDraft()}
	}}
	fx := newFixture(t, slow)
	ctx := context.Background()

	// First event occupies the worker; the next two queue behind it.
	require.NoError(t, fx.manager.Dispatch(ctx, "s1", "u1", reconcile.Event{Type: reconcile.EventImage, Image: []byte{1}}))
	<-started
	require.NoError(t, fx.manager.Dispatch(ctx, "s1", "u1", reconcile.Event{Type: reconcile.EventText, Text: "muda a categoria"}))
	require.NoError(t, fx.manager.Dispatch(ctx, "s1", "u1", reconcile.Event{Type: reconcile.EventText, Text: "cancelar"}))
	close(release)

	fx.notifier.expect(t, "draft")
	// The queued edit is discarded; the cancellation answers next.
	sess := fx.notifier.expect(t, "session_closed")
	assert.Equal(t, domain.StateCancelled, sess.State)
	assert.Equal(t, 0, fx.gateway.count())

	fx.sessions.mu.Lock()
	_, exists := fx.sessions.sessions["s1"]
	fx.sessions.mu.Unlock()
	assert.False(t, exists, "cancelled session is evicted")
}

func TestPersistenceFailureDoesNotAdvanceState(t *testing.T) {
	fx := newFixture(t, scriptedInterp())
	ctx := context.Background()

	require.NoError(t, fx.manager.Dispatch(ctx, "s1", "u1", reconcile.Event{Type: reconcile.EventImage, Image: []byte{1}}))
	fx.notifier.expect(t, "draft")

	fx.sessions.mu.Lock()
	fx.sessions.failSave = true
	fx.sessions.mu.Unlock()

	require.NoError(t, fx.manager.Dispatch(ctx, "s1", "u1", reconcile.Event{Type: reconcile.EventImage, Image: []byte{2}}))
	fx.notifier.expect(t, "validation_error")

	fx.sessions.mu.Lock()
	fx.sessions.failSave = false
	fx.sessions.mu.Unlock()
	assert.Equal(t, domain.StateAwaitingConfirmation, fx.sessions.state(t, "s1"))
}

func TestCommitFailureRevertsToConfirmation(t *testing.T) {
	fx := newFixture(t, scriptedInterp())
	fx.gateway.err = domain.NewFault(domain.FaultTaxonomyChanged, "category dropped from budget")
	ctx := context.Background()

	require.NoError(t, fx.manager.Dispatch(ctx, "s1", "u1", reconcile.Event{Type: reconcile.EventImage, Image: []byte{1}}))
	fx.notifier.expect(t, "draft")
	require.NoError(t, fx.manager.Dispatch(ctx, "s1", "u1", reconcile.Event{Type: reconcile.EventReply, Text: "sim"}))
	fx.notifier.expect(t, "account_requested")
	require.NoError(t, fx.manager.Dispatch(ctx, "s1", "u1", reconcile.Event{Type: reconcile.EventReply, Text: "nubank"}))

	sess := fx.notifier.expect(t, "commit_failed")
	assert.Equal(t, domain.StateAwaitingConfirmation, sess.State)
	require.NotNil(t, sess.Draft, "draft survives a failed commit")
	assert.Equal(t, domain.StateAwaitingConfirmation, fx.sessions.state(t, "s1"))
}

func TestIdleSessionExpiresOnNextEvent(t *testing.T) {
	fx := newFixture(t, scriptedInterp())
	ctx := context.Background()

	require.NoError(t, fx.manager.Dispatch(ctx, "s1", "u1", reconcile.Event{Type: reconcile.EventImage, Image: []byte{1}}))
	fx.notifier.expect(t, "draft")

	fx.sessions.mu.Lock()
	fx.sessions.sessions["s1"].LastActivityAt = time.Now().Add(-48 * time.Hour)
	fx.sessions.mu.Unlock()

	require.NoError(t, fx.manager.Dispatch(ctx, "s1", "u1", reconcile.Event{Type: reconcile.EventReply, Text: "sim"}))
	sess := fx.notifier.expect(t, "session_closed")
	assert.Equal(t, domain.StateExpired, sess.State)
	assert.Equal(t, 0, fx.gateway.count())
	assert.Equal(t, domain.StateExpired, fx.sessions.state(t, "s1"))
}

func TestReconciliationSeesRefreshedTaxonomy(t *testing.T) {
	seen := make(chan []string, 1)
	interp := &fakeInterp{fn: func(sess *domain.Session, ev reconcile.Event) reconcile.Result {
		if ev.Type == reconcile.EventImage {
			return reconcile.Result{Outcome: reconcile.OutcomeDraftUpdated, Draft: confirmableDraft()}
		}
		seen <- sess.Taxonomy.Categories
		return reconcile.Result{
			Outcome: reconcile.OutcomeValidationFailed,
			Fault:   domain.NewFault(domain.FaultAmbiguousEdit, "not understood"),
		}
	}}
	fx := newFixture(t, interp)
	ctx := context.Background()

	require.NoError(t, fx.manager.Dispatch(ctx, "s1", "u1", reconcile.Event{Type: reconcile.EventImage, Image: []byte{1}}))
	fx.notifier.expect(t, "draft")

	// A category added to the budget mid-conversation is usable right away.
	fx.taxonomy.set(domain.Taxonomy{
		Categories: []string{"Alimentação", "Viagem"},
		Accounts:   []string{"Nubank"},
		FetchedAt:  time.Now(),
	})
	require.NoError(t, fx.manager.Dispatch(ctx, "s1", "u1", reconcile.Event{Type: reconcile.EventReply, Text: "poe em viagem"}))
	fx.notifier.expect(t, "validation_error")
	assert.Contains(t, <-seen, "Viagem")
}

func TestTaxonomyOutageIsReported(t *testing.T) {
	fx := newFixture(t, scriptedInterp())
	fx.taxonomy.fail(errors.New("budget store offline"))
	ctx := context.Background()

	require.NoError(t, fx.manager.Dispatch(ctx, "s1", "u1", reconcile.Event{Type: reconcile.EventImage, Image: []byte{1}}))
	got := fx.notifier.next(t)
	require.Equal(t, "validation_error", got.name)
	require.NotNil(t, got.fault)
	assert.Equal(t, domain.FaultTransientUnavailable, got.fault.Kind)
	assert.Equal(t, 0, fx.gateway.count())
}

func TestIdleWorkerIsRetired(t *testing.T) {
	fx := newFixture(t, scriptedInterp())
	fx.manager.idle = 20 * time.Millisecond
	ctx := context.Background()

	require.NoError(t, fx.manager.Dispatch(ctx, "s1", "u1", reconcile.Event{Type: reconcile.EventImage, Image: []byte{1}}))
	fx.notifier.expect(t, "draft")

	require.Eventually(t, func() bool {
		fx.manager.mu.Lock()
		defer fx.manager.mu.Unlock()
		return len(fx.manager.boxes) == 0
	}, 2*time.Second, 10*time.Millisecond, "quiet worker must retire")

	// The thread keeps working after its worker retired.
	require.NoError(t, fx.manager.Dispatch(ctx, "s1", "u1", reconcile.Event{Type: reconcile.EventReply, Text: "sim"}))
	sess := fx.notifier.expect(t, "account_requested")
	assert.Equal(t, domain.StateAwaitingAccount, sess.State)
}

func TestEventsForDifferentSessionsRunIndependently(t *testing.T) {
	fx := newFixture(t, scriptedInterp())
	ctx := context.Background()

	require.NoError(t, fx.manager.Dispatch(ctx, "a", "u1", reconcile.Event{Type: reconcile.EventImage, Image: []byte{1}}))
	require.NoError(t, fx.manager.Dispatch(ctx, "b", "u2", reconcile.Event{Type: reconcile.EventImage, Image: []byte{2}}))

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		got := fx.notifier.next(t)
		require.Equal(t, "draft", got.name)
		seen[got.sess.SessionID] = true
	}
	assert.True(t, seen["a"] && seen["b"])
}
