// Package engage is the orchestrator: it owns the session table and runs
// the per-turn pipeline that the other packages supply pieces for. Turns
// within a session are strictly serialized by a per-session lock; turns
// across sessions run concurrently.
package engage

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"github.com/baitline-ai/baitline/internal/breaker"
	"github.com/baitline-ai/baitline/internal/config"
	"github.com/baitline-ai/baitline/internal/defense"
	"github.com/baitline-ai/baitline/internal/detect"
	"github.com/baitline-ai/baitline/internal/generate"
	"github.com/baitline-ai/baitline/internal/intel"
	"github.com/baitline-ai/baitline/internal/match"
	"github.com/baitline-ai/baitline/internal/report"
	"github.com/baitline-ai/baitline/internal/session"
	"github.com/baitline-ai/baitline/internal/storage"
	"github.com/baitline-ai/baitline/internal/store"
)

// historyWindow is how many recent sanitized inbound messages are kept per
// session for detection and extraction context.
const historyWindow = 10

// Operation names in the breaker registry and telemetry.
const (
	generatorOperation  = "generator"
	classifierOperation = "classifier"
)

// Config wires an Engine. Detector, Matcher, Generator, Breakers, Courier,
// Events and Logger are required; Store is optional (reports are still
// delivered without one). Now and Rand are injectable for tests.
type Config struct {
	Policy    config.Policy
	Detector  detect.Detector
	Matcher   match.Matcher
	Generator generate.Generator
	Breakers  *breaker.Registry
	Courier   *report.Courier
	Store     store.Store
	Events    storage.EventWriter
	Logger    *zap.Logger

	Now  func() time.Time
	Rand *rand.Rand
}

// TurnResult is what one processed inbound message produced.
type TurnResult struct {
	SessionID string
	Turn      int
	State     string
	Posture   string
	Suspicion float64

	Reply             string
	InjectionDetected bool
	NewIndicators     int
	IndicatorCount    int

	Finalized bool
	Cause     string

	// Dropped is true when the session was already finalized and the
	// message was discarded without mutating anything.
	Dropped bool
}

type entry struct {
	mu      sync.Mutex
	s       *session.Session
	history []string
}

// Engine runs the engagement pipeline.
type Engine struct {
	policy    config.Policy
	detector  detect.Detector
	matcher   match.Matcher
	generator generate.Generator
	breakers  *breaker.Registry
	courier   *report.Courier
	store     store.Store
	events    storage.EventWriter
	logger    *zap.Logger

	sessions sync.Map // map[string]*entry
	now      func() time.Time
	jitter   *breaker.Jitter
	output   defense.OutputPolicy
}

// New creates an Engine from the config.
func New(cfg Config) *Engine {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	rnd := cfg.Rand
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	output := defense.DefaultOutputPolicy()
	if cfg.Policy.Generation.MaxReplyLength > 0 {
		output.MaxLength = cfg.Policy.Generation.MaxReplyLength
	}

	return &Engine{
		policy:    cfg.Policy,
		detector:  cfg.Detector,
		matcher:   cfg.Matcher,
		generator: cfg.Generator,
		breakers:  cfg.Breakers,
		courier:   cfg.Courier,
		store:     cfg.Store,
		events:    cfg.Events,
		logger:    cfg.Logger,
		now:       now,
		jitter:    breaker.NewJitter(rnd, time.Duration(cfg.Policy.Generation.JitterMaxMs)*time.Millisecond),
		output:    output,
	}
}

// NewSessionID mints a fresh lexically sortable session ID.
func NewSessionID() string {
	return ulid.Make().String()
}

func (e *Engine) lookup(sessionID string) *entry {
	if v, ok := e.sessions.Load(sessionID); ok {
		return v.(*entry)
	}
	ent := &entry{s: session.New(sessionID, e.now())}
	actual, _ := e.sessions.LoadOrStore(sessionID, ent)
	return actual.(*entry)
}

// SessionView is a read-only snapshot of a session. Everything in it,
// including the graph-derived fields, is copied out under the session lock
// so readers never touch live state.
type SessionView struct {
	SessionID      string
	State          string
	Turn           int
	Posture        string
	Suspicion      float64
	ScamCategory   string
	IndicatorCount int
	IndicatorTypes []string
	CreatedAt      time.Time
	LastActivity   time.Time
	FinalizeCause  string
	Delivered      bool
}

// Session returns a snapshot of the session, or nil when the ID is unknown.
func (e *Engine) Session(sessionID string) *SessionView {
	v, ok := e.sessions.Load(sessionID)
	if !ok {
		return nil
	}
	ent := v.(*entry)
	ent.mu.Lock()
	defer ent.mu.Unlock()
	view := viewLocked(ent.s)
	return &view
}

// Sessions returns snapshots of every tracked session, most recently active
// first.
func (e *Engine) Sessions() []SessionView {
	var out []SessionView
	e.sessions.Range(func(_, v any) bool {
		ent := v.(*entry)
		ent.mu.Lock()
		out = append(out, viewLocked(ent.s))
		ent.mu.Unlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivity.After(out[j].LastActivity)
	})
	return out
}

// viewLocked builds a SessionView. Caller holds the entry lock.
func viewLocked(s *session.Session) SessionView {
	return SessionView{
		SessionID:      s.ID,
		State:          s.State.String(),
		Turn:           s.Turn,
		Posture:        s.EffectivePosture().String(),
		Suspicion:      s.Suspicion,
		ScamCategory:   s.ScamCategory,
		IndicatorCount: s.Graph.ItemCount(),
		IndicatorTypes: typeNames(s.Graph.Types()),
		CreatedAt:      s.CreatedAt,
		LastActivity:   s.LastActivity,
		FinalizeCause:  string(s.FinalizeCause),
		Delivered:      s.Delivered,
	}
}

// ProcessMessage runs one inbound counterparty message through the full
// turn pipeline and returns what happened. Safe for concurrent use;
// messages for the same session are serialized in arrival order.
func (e *Engine) ProcessMessage(ctx context.Context, sessionID, message string) (TurnResult, error) {
	start := e.now()
	ent := e.lookup(sessionID)
	ent.mu.Lock()
	defer ent.mu.Unlock()

	s := ent.s

	if !s.BeginTurn(start) {
		// Terminal session: the message is dropped, counted, and surfaced.
		e.emit(&storage.EngagementEvent{
			EventID:   uuid.NewString(),
			SessionID: s.ID,
			Timestamp: start,
			Kind:      storage.KindDroppedMutation,
			Turn:      s.Turn,
			State:     s.State.String(),
			Cause:     string(s.FinalizeCause),
		})
		return TurnResult{
			SessionID: s.ID,
			Turn:      s.Turn,
			State:     s.State.String(),
			Finalized: true,
			Cause:     string(s.FinalizeCause),
			Dropped:   true,
		}, nil
	}

	// 1. Neutralize inbound before anything downstream sees it.
	san := defense.Sanitize(message)
	if san.Modified {
		s.RecordInjection(e.policy.Session)
		e.emit(&storage.EngagementEvent{
			EventID:          uuid.NewString(),
			SessionID:        s.ID,
			Timestamp:        start,
			Kind:             storage.KindInjection,
			Turn:             s.Turn,
			State:            s.State.String(),
			Suspicion:        s.Suspicion,
			AttackCategories: san.Categories,
		})
	}

	// 2. Classify. The classifier is guarded like the generator, on a tighter
	// timeout; a slow or failing detector degrades to a clean signal instead
	// of stalling the turn.
	// The guarded call may outlive the turn on timeout, so it gets its own
	// copy of the history.
	hist := append([]string(nil), ent.history...)
	cb := e.breakers.Get(classifierOperation)
	sig, status := breaker.Call(ctx, cb, breaker.Options{
		Timeout: time.Duration(e.policy.Generation.ClassifierTimeoutMs) * time.Millisecond,
		Report:  e.reportOutcome(s.ID, s.Turn),
	}, func(cctx context.Context) (detect.Signal, error) {
		return e.detector.Detect(cctx, san.Sanitized, hist)
	}, detect.Signal{})
	if status != breaker.StatusSuccess {
		e.logger.Warn("classifier degraded",
			zap.String("session_id", s.ID),
			zap.String("status", string(status)),
		)
	}
	if sig.Suspicious && sig.Confidence >= e.policy.Session.SuspicionThreshold {
		s.MarkSuspicious(sig.Confidence, sig.Category, e.policy.Session)
	} else if !san.Modified {
		s.DecaySuspicion(e.policy.Session)
	}

	// 3. Extract. The matcher runs on sanitized text even on hostile turns:
	// an attacker embedding real account details in an injection attempt
	// still leaks them.
	cands := e.matcher.Match(san.Sanitized, ent.history)
	res := s.Merge(cands, e.confidenceConfig())

	ent.history = append(ent.history, san.Sanitized)
	if len(ent.history) > historyWindow {
		ent.history = ent.history[len(ent.history)-historyWindow:]
	}

	// 4. Climb the posture ladder if extraction has gone quiet.
	before := s.Posture
	s.AdvanceEscalation(e.policy.Session)
	if s.Posture != before {
		e.emit(&storage.EngagementEvent{
			EventID:   uuid.NewString(),
			SessionID: s.ID,
			Timestamp: start,
			Kind:      storage.KindEscalation,
			Turn:      s.Turn,
			State:     s.State.String(),
			Posture:   s.Posture.String(),
		})
	}

	// 5. Finalization check. The finalizing turn still gets its turn event,
	// before the finalized event, so the message that completed coverage is
	// on the wire like any other.
	if dec := s.Decide(e.policy.Session, e.now()); dec.Finalize {
		e.emitTurn(s, message, san, res, start)
		e.finalizeLocked(ent, dec.Cause)
		return e.turnResult(s, san, res, ""), nil
	}

	// 6. Reply. A hostile turn gets a canned deflection and never reaches
	// the generative backend.
	var reply string
	if san.Modified {
		reply = defense.Deflection(s.Turn)
	} else {
		reply = e.generateReply(ctx, s, san.Sanitized)
	}

	e.emitTurn(s, message, san, res, start)
	return e.turnResult(s, san, res, reply), nil
}

func (e *Engine) confidenceConfig() intel.ConfidenceConfig {
	c := e.policy.Confidence
	return intel.ConfidenceConfig{Base: c.Base, Increment: c.Increment, Floor: c.Floor, Cap: c.Cap}
}

// generateReply calls the generative backend through the breaker. The
// fallback line is guaranteed: timeout, error, and open breaker all land on
// the canned rotation, and a reply that fails output validation does too.
func (e *Engine) generateReply(ctx context.Context, s *session.Session, sanitized string) string {
	req := generate.Request{
		Prompt:  defense.WrapUntrusted(sanitized),
		Posture: s.EffectivePosture(),
		Turn:    s.Turn,
		Missing: e.missingCore(s),
	}

	b := e.breakers.Get(generatorOperation)
	opts := breaker.Options{
		Timeout: time.Duration(e.policy.Generation.GeneratorTimeoutMs) * time.Millisecond,
		Jitter:  e.jitter,
		Report:  e.reportOutcome(s.ID, s.Turn),
	}

	reply, _ := breaker.Call(ctx, b, opts, func(cctx context.Context) (string, error) {
		return e.generator.Generate(cctx, req)
	}, generate.Fallback(s.Turn))

	validated, ok := defense.ValidateOutput(reply, e.output)
	if !ok {
		e.logger.Warn("generated reply failed output validation",
			zap.String("session_id", s.ID),
			zap.Int("turn", s.Turn),
		)
		return generate.Fallback(s.Turn)
	}
	return validated
}

// reportOutcome returns the breaker's outcome callback. It writes through
// the non-blocking event sink, which is what makes it safe to call from the
// guarded path.
func (e *Engine) reportOutcome(sessionID string, turn int) func(string, breaker.Status, time.Duration) {
	return func(operation string, status breaker.Status, elapsed time.Duration) {
		e.emit(&storage.EngagementEvent{
			EventID:   uuid.NewString(),
			SessionID: sessionID,
			Timestamp: e.now(),
			Kind:      storage.KindBreaker,
			Turn:      turn,
			Operation: operation,
			Status:    string(status),
			LatencyMs: float32(float64(elapsed) / float64(time.Millisecond)),
		})
	}
}

func (e *Engine) missingCore(s *session.Session) []intel.IndicatorType {
	var missing []intel.IndicatorType
	for _, name := range e.policy.Session.CoreCriticalTypes {
		t := intel.ParseType(name)
		if t == intel.TypeUnspecified {
			continue
		}
		if !s.Graph.Has(t) {
			missing = append(missing, t)
		}
	}
	return missing
}

// finalizeLocked transitions the session to terminal state and kicks off the
// one-shot report handoff. Caller holds the entry lock. Only the first
// finalization builds and dispatches a report.
func (e *Engine) finalizeLocked(ent *entry, cause session.FinalizeCause) {
	s := ent.s
	now := e.now()
	if !s.Finalize(cause, now) {
		return
	}

	e.emit(&storage.EngagementEvent{
		EventID:        uuid.NewString(),
		SessionID:      s.ID,
		Timestamp:      now,
		Kind:           storage.KindFinalized,
		Turn:           s.Turn,
		State:          s.State.String(),
		Posture:        s.Posture.String(),
		Suspicion:      s.Suspicion,
		ScamCategory:   s.ScamCategory,
		Cause:          string(cause),
		Emergency:      cause == session.CauseEmergency,
		IndicatorTypes: typeNames(s.Graph.Types()),
		IndicatorCount: uint32(s.Graph.ItemCount()),
	})

	rep := report.Flatten(ulid.Make().String(), s)
	go e.deliver(ent, rep, viewLocked(s))
}

// deliver persists and dispatches the finalized report off the turn path.
// Delivery failure after all retries leaves Delivered=false; the report and
// session snapshot are still in the store for manual recovery.
func (e *Engine) deliver(ent *entry, rep *report.Report, view SessionView) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	if e.store != nil {
		if err := e.persistReport(ctx, rep); err != nil {
			e.logger.Error("report persistence failed",
				zap.String("session_id", rep.SessionID),
				zap.Error(err),
			)
		}
		if err := e.persistSnapshot(ctx, view); err != nil {
			e.logger.Error("session snapshot persistence failed",
				zap.String("session_id", view.SessionID),
				zap.Error(err),
			)
		}
	}

	if err := e.courier.Dispatch(ctx, rep); err != nil {
		e.logger.Error("report delivery failed",
			zap.String("session_id", rep.SessionID),
			zap.String("report_id", rep.ReportID),
			zap.Error(err),
		)
		return
	}

	ent.mu.Lock()
	ent.s.MarkDelivered()
	view = viewLocked(ent.s)
	ent.mu.Unlock()

	if e.store != nil {
		if err := e.persistSnapshot(ctx, view); err != nil {
			e.logger.Error("session snapshot persistence failed",
				zap.String("session_id", view.SessionID),
				zap.Error(err),
			)
		}
	}

	e.emit(&storage.EngagementEvent{
		EventID:   uuid.NewString(),
		SessionID: rep.SessionID,
		Timestamp: e.now(),
		Kind:      storage.KindDelivery,
		Cause:     rep.FinalizeCause,
		Emergency: rep.Emergency,
	})
}

func (e *Engine) persistReport(ctx context.Context, rep *report.Report) error {
	payload, err := json.Marshal(rep)
	if err != nil {
		return err
	}
	return e.store.SaveReport(ctx, &store.ReportRecord{
		SessionID:     rep.SessionID,
		ReportID:      rep.ReportID,
		ScamCategory:  rep.ScamCategory,
		FinalizeCause: rep.FinalizeCause,
		Emergency:     rep.Emergency,
		Turns:         rep.Turns,
		Payload:       payload,
	})
}

func (e *Engine) persistSnapshot(ctx context.Context, view SessionView) error {
	return e.store.SaveSession(ctx, &store.SessionRecord{
		SessionID:      view.SessionID,
		State:          view.State,
		Turn:           view.Turn,
		Posture:        view.Posture,
		Suspicion:      view.Suspicion,
		ScamCategory:   view.ScamCategory,
		IndicatorCount: view.IndicatorCount,
		IndicatorTypes: view.IndicatorTypes,
		FinalizeCause:  view.FinalizeCause,
		Delivered:      view.Delivered,
		CreatedAt:      view.CreatedAt,
		LastActivity:   view.LastActivity,
	})
}

// RunIdleSweeper finalizes sessions whose wall-clock idle limit has passed.
// Blocks until ctx is cancelled; run it in its own goroutine.
func (e *Engine) RunIdleSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweepIdle()
		}
	}
}

func (e *Engine) sweepIdle() {
	now := e.now()
	e.sessions.Range(func(_, v any) bool {
		ent := v.(*entry)
		ent.mu.Lock()
		if ent.s.State != session.StateFinalized {
			if dec := ent.s.Decide(e.policy.Session, now); dec.Finalize && dec.Cause == session.CauseIdle {
				e.finalizeLocked(ent, dec.Cause)
			}
		}
		ent.mu.Unlock()
		return true
	})
}

func (e *Engine) turnResult(s *session.Session, san defense.SanitizationResult, res intel.MergeResult, reply string) TurnResult {
	return TurnResult{
		SessionID:         s.ID,
		Turn:              s.Turn,
		State:             s.State.String(),
		Posture:           s.EffectivePosture().String(),
		Suspicion:         s.Suspicion,
		Reply:             reply,
		InjectionDetected: san.Modified,
		NewIndicators:     res.NewItems,
		IndicatorCount:    s.Graph.ItemCount(),
		Finalized:         s.State == session.StateFinalized,
		Cause:             string(s.FinalizeCause),
	}
}

func (e *Engine) emitTurn(s *session.Session, raw string, san defense.SanitizationResult, res intel.MergeResult, start time.Time) {
	sum := blake3.Sum256([]byte(raw))
	e.emit(&storage.EngagementEvent{
		EventID:        uuid.NewString(),
		SessionID:      s.ID,
		Timestamp:      start,
		Kind:           storage.KindTurn,
		Turn:           s.Turn,
		State:          s.State.String(),
		Posture:        s.EffectivePosture().String(),
		Suspicion:      s.Suspicion,
		ScamCategory:   s.ScamCategory,
		IndicatorTypes: typeNames(s.Graph.Types()),
		IndicatorCount: uint32(s.Graph.ItemCount()),
		NewIndicators:  uint32(res.NewItems),
		PayloadPreview: storage.TruncatePayload(san.Sanitized, storage.PayloadPreviewLength),
		PayloadHash:    hex.EncodeToString(sum[:]),
		PayloadSize:    uint32(len(raw)),
		LatencyMs:      float32(float64(e.now().Sub(start)) / float64(time.Millisecond)),
	})
}

func (e *Engine) emit(ev *storage.EngagementEvent) {
	if e.events == nil {
		return
	}
	e.events.Write(ev)
}

func typeNames(types []intel.IndicatorType) []string {
	out := make([]string, 0, len(types))
	for _, t := range types {
		out = append(out, t.String())
	}
	return out
}
