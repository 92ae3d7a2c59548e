package registry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/IvanRicoPrieto/CCRemote/internal/classify"
	"github.com/IvanRicoPrieto/CCRemote/internal/config"
	"github.com/IvanRicoPrieto/CCRemote/internal/db"
	"github.com/IvanRicoPrieto/CCRemote/internal/model"
	"github.com/IvanRicoPrieto/CCRemote/internal/session"
)

var ErrNotFound = errors.New("unknown session")

// Driver extends the per-session driver with enumeration, which only the
// registry needs.
type Driver interface {
	session.Driver
	ListSessions(ctx context.Context, prefix string) []string
}

type CreateOptions struct {
	ProjectPath string
	Model       string
	PlanMode    bool
	AutoAccept  bool
	Kind        model.SessionKind
}

// Registry exclusively owns Session values; everything else refers to
// sessions by id through it.
type Registry struct {
	cfg    config.Config
	store  *db.Store
	driver Driver
	bus    *session.Bus
	clock  classify.Clock
	logger *log.Logger

	mu       sync.Mutex
	sessions map[string]*session.Session
}

func New(cfg config.Config, store *db.Store, driver Driver, bus *session.Bus, logger *log.Logger) *Registry {
	if bus == nil {
		bus = session.NewBus()
	}
	if logger == nil {
		logger = log.Default()
	}
	r := &Registry{
		cfg:      cfg,
		store:    store,
		driver:   driver,
		bus:      bus,
		clock:    classify.RealClock(),
		logger:   logger,
		sessions: make(map[string]*session.Session),
	}
	bus.OnState(r.persistState)
	bus.OnExit(r.reap)
	return r
}

func (r *Registry) Bus() *session.Bus { return r.bus }

// persistState mirrors every state transition into the record store. Store
// failures are logged and retried on the next transition.
func (r *Registry) persistState(sess model.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.CommandTimeout)
	defer cancel()
	if err := r.store.UpsertSession(ctx, sess); err != nil {
		r.logger.Printf("persist session %s: %v", sess.ID, err)
	}
}

func (r *Registry) reap(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.CommandTimeout)
	defer cancel()
	if err := r.store.MarkEnded(ctx, id, model.StateDead, time.Now().UTC()); err != nil {
		r.logger.Printf("mark session %s ended: %v", id, err)
	}
}

func (r *Registry) Create(ctx context.Context, opts CreateOptions) (model.Session, error) {
	kind := opts.Kind
	if kind == "" {
		kind = model.KindAssistant
	}
	now := time.Now().UTC()
	rec := model.Session{
		ID:          model.NewID(),
		Kind:        kind,
		ProjectPath: opts.ProjectPath,
		Model:       opts.Model,
		PlanMode:    opts.PlanMode,
		AutoAccept:  opts.AutoAccept,
		State:       model.StateStarting,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.store.UpsertSession(ctx, rec); err != nil {
		return model.Session{}, err
	}
	sess := session.New(r.cfg, r.driver, rec, r.bus, r.clock)
	if err := sess.Start(ctx); err != nil {
		_ = r.store.MarkEnded(ctx, rec.ID, model.StateError, time.Now().UTC())
		return model.Session{}, err
	}
	r.mu.Lock()
	r.sessions[rec.ID] = sess
	r.mu.Unlock()
	return sess.Record(), nil
}

func (r *Registry) Get(id string) (*session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return sess, nil
}

func (r *Registry) List() []model.Session {
	r.mu.Lock()
	sessions := make([]*session.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	out := make([]model.Session, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Record())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (r *Registry) Kill(ctx context.Context, id string) error {
	sess, err := r.Get(id)
	if err != nil {
		return err
	}
	return sess.Kill(ctx)
}

// Restart kills a session and starts a replacement with the same config.
// With summary enabled the replacement receives the prior pane tail as its
// first prompt once it settles.
func (r *Registry) Restart(ctx context.Context, id string, withSummary bool, newModel string) (model.Session, error) {
	sess, err := r.Get(id)
	if err != nil {
		return model.Session{}, err
	}
	old := sess.Record()

	summary := ""
	if withSummary {
		summary = sess.RecentOutput(ctx, 40)
	}
	if err := sess.Kill(ctx); err != nil {
		r.logger.Printf("kill session %s for restart: %v", id, err)
	}

	opts := CreateOptions{
		ProjectPath: old.ProjectPath,
		Model:       old.Model,
		PlanMode:    old.PlanMode,
		AutoAccept:  old.AutoAccept,
		Kind:        old.Kind,
	}
	if newModel != "" {
		opts.Model = newModel
	}
	fresh, err := r.Create(ctx, opts)
	if err != nil {
		return model.Session{}, err
	}

	if summary != "" {
		if err := r.storeSummary(ctx, fresh.ID, summary); err != nil {
			r.logger.Printf("store summary for %s: %v", fresh.ID, err)
		}
		go r.sendSummary(fresh.ID, summary)
	}
	return fresh, nil
}

func (r *Registry) storeSummary(ctx context.Context, id, summary string) error {
	rec, err := r.store.GetSession(ctx, id)
	if err != nil {
		return err
	}
	rec.Summary = summary
	return r.store.UpsertSession(ctx, rec)
}

// sendSummary waits for the replacement to come up, then pastes the prior
// output as continuation context.
func (r *Registry) sendSummary(id, summary string) {
	time.Sleep(r.cfg.RestartIdleGrace)
	sess, err := r.Get(id)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.CommandTimeout)
	defer cancel()
	prompt := "Continuing from a previous session. Recent output:\n" + summary
	if err := sess.SendInput(ctx, prompt); err != nil {
		r.logger.Printf("send summary to %s: %v", id, err)
	}
}

// Rediscover reconciles the registry with whatever multiplexer sessions
// survived a daemon restart. Alive prefixed sessions are re-attached (with
// synthesized config when the record store lost them); records with no
// backing session are marked ended.
func (r *Registry) Rediscover(ctx context.Context) error {
	names := r.driver.ListSessions(ctx, r.cfg.SessionPrefix)
	alive := make(map[string]bool, len(names))
	for _, name := range names {
		id := strings.TrimPrefix(name, r.cfg.SessionPrefix+"-")
		if id == "" || id == name {
			continue
		}
		alive[id] = true

		rec, err := r.store.GetSession(ctx, id)
		if errors.Is(err, db.ErrNotFound) {
			now := time.Now().UTC()
			rec = model.Session{
				ID:          id,
				Kind:        model.KindAssistant,
				ProjectPath: ".",
				State:       model.StateStarting,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
		} else if err != nil {
			r.logger.Printf("load session %s: %v", id, err)
			continue
		}
		rec.State = model.StateStarting
		rec.EndedAt = nil

		sess := session.New(r.cfg, r.driver, rec, r.bus, r.clock)
		if err := sess.Attach(ctx); err != nil {
			if errors.Is(err, session.ErrDead) {
				_ = r.store.MarkEnded(ctx, id, model.StateDead, time.Now().UTC())
				delete(alive, id)
				continue
			}
			r.logger.Printf("attach session %s: %v", id, err)
			continue
		}
		r.mu.Lock()
		r.sessions[id] = sess
		r.mu.Unlock()
		if err := r.store.UpsertSession(ctx, sess.Record()); err != nil {
			r.logger.Printf("persist rediscovered session %s: %v", id, err)
		}
	}

	records, err := r.store.ListSessions(ctx, true)
	if err != nil {
		return fmt.Errorf("list active records: %w", err)
	}
	for _, rec := range records {
		if alive[rec.ID] {
			continue
		}
		if err := r.store.MarkEnded(ctx, rec.ID, model.StateDead, time.Now().UTC()); err != nil {
			r.logger.Printf("mark stale session %s ended: %v", rec.ID, err)
		}
	}
	return nil
}

// Shutdown disconnects every session. With purge set the hosted multiplexer
// sessions are killed as well; otherwise they keep running for re-attach.
func (r *Registry) Shutdown(ctx context.Context, purge bool) {
	r.mu.Lock()
	sessions := make([]*session.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*session.Session)
	r.mu.Unlock()

	for _, s := range sessions {
		if purge {
			if err := s.Kill(ctx); err != nil {
				r.logger.Printf("kill session %s: %v", s.ID(), err)
			}
			continue
		}
		s.Disconnect()
	}
}
