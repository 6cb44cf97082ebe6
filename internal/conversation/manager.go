package conversation

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/orcabot-dev/orcabot/internal/domain"
	"github.com/orcabot-dev/orcabot/internal/logger"
	"github.com/orcabot-dev/orcabot/internal/reconcile"
)

const (
	mailboxBuffer = 16
	eventTimeout  = 2 * time.Minute
	mailboxIdle   = 5 * time.Minute
)

type envelopeKind int

const (
	envelopeEvent envelopeKind = iota
	envelopeCancel
	envelopeExpire
)

type envelope struct {
	kind   envelopeKind
	userID string
	event  reconcile.Event
}

// mailbox serializes all events of one session through a single worker.
// The cancelled flag lets a cancellation short-circuit events that were
// already queued behind it. pending counts envelopes enqueued but not yet
// handled, guarded by Manager.mu, so an idle worker can retire without
// racing a Dispatch that already holds the box.
type mailbox struct {
	ch        chan envelope
	pending   int
	cancelled atomic.Bool
}

// Manager owns the conversation state machine. Events for the same session
// are processed strictly in arrival order; events for different sessions run
// concurrently on independent workers.
type Manager struct {
	sessions SessionStore
	gateway  Gateway
	taxonomy TaxonomySource
	interp   Interpreter
	notifier Notifier
	archiver Archiver
	ttl      time.Duration
	idle     time.Duration
	log      zerolog.Logger

	mu        sync.Mutex
	boxes     map[string]*mailbox
	closed    bool
	closeChan chan struct{}
	wg        sync.WaitGroup
}

// NewManager wires the conversation manager. archiver may be nil when no
// receipt bucket is configured.
func NewManager(sessions SessionStore, gateway Gateway, taxonomy TaxonomySource, interp Interpreter, notifier Notifier, archiver Archiver, ttl time.Duration, log zerolog.Logger) *Manager {
	return &Manager{
		sessions:  sessions,
		gateway:   gateway,
		taxonomy:  taxonomy,
		interp:    interp,
		notifier:  notifier,
		archiver:  archiver,
		ttl:       ttl,
		idle:      mailboxIdle,
		log:       log.With().Str("component", "conversation").Logger(),
		boxes:     make(map[string]*mailbox),
		closeChan: make(chan struct{}),
	}
}

// Dispatch enqueues one event for its session. It blocks only when the
// session's mailbox is full.
func (m *Manager) Dispatch(ctx context.Context, sessionID, userID string, ev reconcile.Event) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("conversation manager is closed")
	}
	box := m.acquire(sessionID)
	m.mu.Unlock()

	env := envelope{kind: envelopeEvent, userID: userID, event: ev}
	if ev.Type != reconcile.EventImage && reconcile.IsCancellation(ev.Text) {
		// Mark before enqueueing so events already sitting in the mailbox
		// are discarded instead of racing the cancellation.
		box.cancelled.Store(true)
		env.kind = envelopeCancel
	}

	select {
	case box.ch <- env:
		return nil
	case <-ctx.Done():
		m.release(box)
		return ctx.Err()
	case <-m.closeChan:
		m.release(box)
		return fmt.Errorf("conversation manager is closed")
	}
}

// acquire finds or creates the session's mailbox and pins it with a pending
// count. Callers hold m.mu and must pair with release once the envelope is
// handled or abandoned.
func (m *Manager) acquire(sessionID string) *mailbox {
	box := m.boxes[sessionID]
	if box == nil {
		box = &mailbox{ch: make(chan envelope, mailboxBuffer)}
		m.boxes[sessionID] = box
		m.wg.Add(1)
		go m.worker(sessionID, box)
	}
	box.pending++
	return box
}

func (m *Manager) release(box *mailbox) {
	m.mu.Lock()
	box.pending--
	m.mu.Unlock()
}

func (m *Manager) worker(sessionID string, box *mailbox) {
	defer m.wg.Done()
	idle := time.NewTimer(m.idle)
	defer idle.Stop()
	for {
		select {
		case <-m.closeChan:
			return
		case env := <-box.ch:
			if box.cancelled.Load() && env.kind == envelopeEvent {
				// The cancel envelope behind this one answers for the
				// whole queue.
				m.release(box)
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
			m.handle(ctx, sessionID, box, env)
			cancel()
			m.release(box)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(m.idle)
		case <-idle.C:
			// Retire a quiet thread's worker; the next Dispatch spawns a
			// fresh one. pending pins the box while a send is in flight.
			m.mu.Lock()
			if box.pending > 0 {
				m.mu.Unlock()
				idle.Reset(m.idle)
				continue
			}
			delete(m.boxes, sessionID)
			m.mu.Unlock()
			return
		}
	}
}

func (m *Manager) handle(ctx context.Context, sessionID string, box *mailbox, env envelope) {
	ctx = logger.WithContext(ctx, logger.ForSession(m.log, sessionID))
	switch env.kind {
	case envelopeExpire:
		m.expire(ctx, sessionID)
	case envelopeCancel:
		m.cancel(ctx, sessionID)
		box.cancelled.Store(false)
	default:
		m.process(ctx, sessionID, env)
	}
}

// cancel closes the session and evicts it, so a later message in the same
// thread starts a fresh conversation.
func (m *Manager) cancel(ctx context.Context, sessionID string) {
	sess, err := m.sessions.Get(ctx, sessionID)
	if err != nil {
		m.log.Debug().Err(err).Str("session_id", sessionID).Msg("cancel for absent session")
		return
	}
	if sess.State.Terminal() {
		m.notifier.SessionClosed(ctx, sess, closedReason(sess.State))
		return
	}
	staged := sess.Clone()
	staged.State = domain.StateCancelled
	if err := m.sessions.Evict(ctx, sessionID); err != nil {
		m.log.Error().Err(err).Str("session_id", sessionID).Msg("evicting cancelled session")
		return
	}
	m.log.Info().Str("session_id", sessionID).Msg("session cancelled")
	m.notifier.SessionClosed(ctx, staged, "cancelled")
}

// expire handles the sweeper's synthetic event. The session row survives in
// EXPIRED so a late reply gets told what happened instead of silently
// starting over.
func (m *Manager) expire(ctx context.Context, sessionID string) {
	sess, err := m.sessions.Get(ctx, sessionID)
	if err != nil || sess.State.Terminal() {
		return
	}
	now := time.Now().UTC()
	if !sess.Idle(now, m.ttl) {
		// Activity raced the sweep.
		return
	}
	staged := sess.Clone()
	staged.State = domain.StateExpired
	if err := m.sessions.Save(ctx, staged); err != nil {
		m.log.Error().Err(err).Str("session_id", sessionID).Msg("saving expired session")
		return
	}
	m.log.Info().Str("session_id", sessionID).Msg("session expired")
	m.notifier.SessionClosed(ctx, staged, "expired after inactivity")
}

func (m *Manager) process(ctx context.Context, sessionID string, env envelope) {
	now := time.Now().UTC()

	tax, err := m.taxonomy.Snapshot(ctx, now)
	if err != nil {
		m.log.Error().Err(err).Str("session_id", sessionID).Msg("taxonomy snapshot failed")
		m.notifyUnavailable(ctx, sessionID, env.userID, domain.FaultTransientUnavailable, err)
		return
	}

	sess, created, err := m.sessions.GetOrCreate(ctx, sessionID, env.userID, kindFor(env.event), tax)
	if err != nil {
		m.log.Error().Err(err).Str("session_id", sessionID).Msg("loading session")
		m.notifyUnavailable(ctx, sessionID, env.userID, domain.FaultPersistenceUnavailable, err)
		return
	}
	if sess.State.Terminal() {
		if env.event.Type != reconcile.EventImage && env.event.Type != reconcile.EventText {
			m.notifier.SessionClosed(ctx, sess, closedReason(sess.State))
			return
		}
		// A fresh intake in a closed thread starts a new conversation.
		if err := m.sessions.Evict(ctx, sessionID); err != nil {
			m.log.Error().Err(err).Str("session_id", sessionID).Msg("evicting closed session")
			m.notifyUnavailable(ctx, sessionID, env.userID, domain.FaultPersistenceUnavailable, err)
			return
		}
		sess, created, err = m.sessions.GetOrCreate(ctx, sessionID, env.userID, kindFor(env.event), tax)
		if err != nil {
			m.log.Error().Err(err).Str("session_id", sessionID).Msg("recreating session")
			m.notifyUnavailable(ctx, sessionID, env.userID, domain.FaultPersistenceUnavailable, err)
			return
		}
	}
	// An existing session keeps working against the taxonomy as it is now,
	// not as it was when the thread started.
	sess.Taxonomy = tax
	if !created && sess.Idle(now, m.ttl) {
		m.expireNow(ctx, sess)
		return
	}

	ev := coerceEvent(sess.State, env.event)
	result := m.interp.Interpret(ctx, sess, ev)

	switch result.Outcome {
	case reconcile.OutcomeAwaitingInput:
		staged := sess.Clone()
		staged.Touch(now)
		if err := m.sessions.Save(ctx, staged); err != nil {
			m.notifyPersistence(ctx, sess, err)
			return
		}
		m.notifier.Prompt(ctx, staged, result.Reason)

	case reconcile.OutcomeValidationFailed:
		staged := sess.Clone()
		staged.Touch(now)
		if err := m.sessions.Save(ctx, staged); err != nil {
			m.notifyPersistence(ctx, sess, err)
			return
		}
		m.notifier.ValidationError(ctx, staged, result.Fault)

	case reconcile.OutcomeDraftUpdated:
		staged := sess.Clone()
		staged.Draft = result.Draft
		staged.Kind = result.Draft.Kind
		staged.State = domain.StateAwaitingConfirmation
		staged.Touch(now)
		if err := m.sessions.Save(ctx, staged); err != nil {
			m.notifyPersistence(ctx, sess, err)
			return
		}
		if ev.Type == reconcile.EventImage && m.archiver != nil {
			if uri, err := m.archiver.ArchiveReceipt(ctx, sessionID, ev.Image, ev.MIME); err != nil {
				m.log.Warn().Err(err).Str("session_id", sessionID).Msg("receipt archival failed")
			} else {
				m.log.Info().Str("session_id", sessionID).Str("uri", uri).Msg("receipt archived")
			}
		}
		m.notifier.DraftPresented(ctx, staged)

	case reconcile.OutcomeReady:
		staged := sess.Clone()
		staged.Draft = result.Draft
		staged.Kind = result.Draft.Kind
		staged.Touch(now)
		if staged.Draft.NeedsAccount() {
			staged.State = domain.StateAwaitingAccount
			if err := m.sessions.Save(ctx, staged); err != nil {
				m.notifyPersistence(ctx, sess, err)
				return
			}
			m.notifier.AccountRequested(ctx, staged)
			return
		}
		m.commit(ctx, staged, now)
	}
}

// commit runs the persistence gateway and settles the session either in
// COMMITTED or back in AWAITING_CONFIRMATION with the draft intact.
func (m *Manager) commit(ctx context.Context, staged *domain.Session, now time.Time) {
	res, err := m.gateway.Commit(ctx, staged.Draft)
	if err != nil {
		fault := domain.AsFault(err, domain.FaultTransientUnavailable)
		if fault.Kind == domain.FaultTaxonomyChanged {
			if tax, terr := m.taxonomy.Snapshot(ctx, now); terr == nil {
				staged.Taxonomy = tax
			}
		}
		staged.State = domain.StateAwaitingConfirmation
		if serr := m.sessions.Save(ctx, staged); serr != nil {
			m.log.Error().Err(serr).Str("session_id", staged.SessionID).Msg("saving session after failed commit")
		}
		m.log.Warn().Str("session_id", staged.SessionID).Str("fault", string(fault.Kind)).Msg("commit failed")
		m.notifier.CommitFailed(ctx, staged, fault)
		return
	}

	staged.State = domain.StateCommitted
	if serr := m.sessions.Save(ctx, staged); serr != nil {
		// The ledger write already landed; the session row is now behind
		// but the user still gets an honest answer.
		m.log.Error().Err(serr).Str("session_id", staged.SessionID).Msg("saving committed session")
	}
	m.log.Info().Str("session_id", staged.SessionID).Int("rows", len(res.EntryIDs)).Msg("session committed")
	m.notifier.CommitSucceeded(ctx, staged, res.EntryIDs)
}

// expireNow expires a session found idle during normal processing, without
// waiting for the sweeper.
func (m *Manager) expireNow(ctx context.Context, sess *domain.Session) {
	staged := sess.Clone()
	staged.State = domain.StateExpired
	if err := m.sessions.Save(ctx, staged); err != nil {
		m.log.Error().Err(err).Str("session_id", sess.SessionID).Msg("saving expired session")
		return
	}
	m.notifier.SessionClosed(ctx, staged, "expired after inactivity")
}

func (m *Manager) notifyPersistence(ctx context.Context, sess *domain.Session, err error) {
	m.log.Error().Err(err).Str("session_id", sess.SessionID).Msg("durable session write failed")
	m.notifier.ValidationError(ctx, sess, domain.AsFault(err, domain.FaultPersistenceUnavailable))
}

// notifyUnavailable reports a failure that happened before a session could
// be loaded, so the user is asked to retry instead of hearing nothing.
func (m *Manager) notifyUnavailable(ctx context.Context, sessionID, userID string, kind domain.FaultKind, err error) {
	sess := &domain.Session{SessionID: sessionID, UserID: userID, State: domain.StateCreated}
	m.notifier.ValidationError(ctx, sess, domain.AsFault(err, kind))
}

// Close stops accepting events and waits for in-flight workers, bounded by
// the context.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.closeChan)
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// coerceEvent reinterprets a transport event for the session's state: any
// text in AWAITING_ACCOUNT answers the account question, text in
// AWAITING_CONFIRMATION is a reply, and text in CREATED is fresh intake.
func coerceEvent(state domain.State, ev reconcile.Event) reconcile.Event {
	if ev.Type == reconcile.EventImage {
		return ev
	}
	switch state {
	case domain.StateAwaitingAccount:
		ev.Type = reconcile.EventAccountAnswer
	case domain.StateAwaitingConfirmation:
		if ev.Type == reconcile.EventText {
			ev.Type = reconcile.EventReply
		}
	case domain.StateCreated:
		if ev.Type == reconcile.EventReply || ev.Type == reconcile.EventEdit {
			ev.Type = reconcile.EventText
		}
	}
	return ev
}

// kindFor guesses the session kind before the first draft exists; the first
// successful extraction overwrites it.
func kindFor(ev reconcile.Event) domain.Kind {
	if ev.Type == reconcile.EventImage {
		return domain.KindClassification
	}
	return domain.KindExpense
}

func closedReason(state domain.State) string {
	switch state {
	case domain.StateCommitted:
		return "this entry was already committed"
	case domain.StateExpired:
		return "this conversation expired; start a new one"
	case domain.StateCancelled:
		return "this conversation was cancelled"
	}
	return "this conversation is closed"
}
