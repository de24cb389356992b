// Package supervisor keeps one running session per enabled credential and
// follows credential changes reported by the watcher.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/zulandar/shopkeep/internal/credential"
	"github.com/zulandar/shopkeep/internal/models"
	"github.com/zulandar/shopkeep/internal/session"
	"go.uber.org/zap"
)

// DefaultStopTimeout bounds how long Stop waits for a session to drain.
const DefaultStopTimeout = 10 * time.Second

// Runner is a running account session. *session.Session implements it.
type Runner interface {
	Run(ctx context.Context) error
	Status() session.Status
}

// Factory builds the session for a credential.
type Factory func(c *models.Credential) (Runner, error)

type entry struct {
	runner Runner
	cancel context.CancelFunc
	done   chan struct{}
}

// Supervisor owns the live session set.
type Supervisor struct {
	factory     Factory
	stopTimeout time.Duration
	log         *zap.Logger

	mu       sync.Mutex
	base     context.Context
	sessions map[string]*entry
	stopping map[string]*entry             // cancelled, Run not yet returned
	pending  map[string]*models.Credential // starts deferred until stopping exits
}

// Opts holds parameters for creating a Supervisor.
type Opts struct {
	Factory     Factory
	StopTimeout time.Duration
	Logger      *zap.Logger
}

// New creates a Supervisor.
func New(opts Opts) (*Supervisor, error) {
	if opts.Factory == nil {
		return nil, fmt.Errorf("supervisor: factory is required")
	}
	timeout := opts.StopTimeout
	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Supervisor{
		factory:     opts.Factory,
		stopTimeout: timeout,
		log:         log.Named("supervisor"),
		base:        context.Background(),
		sessions:    make(map[string]*entry),
		stopping:    make(map[string]*entry),
		pending:     make(map[string]*models.Credential),
	}, nil
}

// Start launches a session for every usable credential in creds. Sessions
// run under ctx until stopped.
func (s *Supervisor) Start(ctx context.Context, creds []models.Credential) {
	s.mu.Lock()
	s.base = ctx
	s.mu.Unlock()

	started := 0
	for i := range creds {
		c := creds[i]
		if !usable(&c) {
			continue
		}
		if s.start(&c) {
			started++
		}
	}
	s.log.Info("sessions started", zap.Int("count", started), zap.Int("credentials", len(creds)))
}

// Run applies watcher events until ctx is cancelled or events is closed,
// then stops every session.
func (s *Supervisor) Run(ctx context.Context, events <-chan credential.Event) {
	defer s.StopAll()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.Handle(ev)
		}
	}
}

// Handle applies one credential change.
func (s *Supervisor) Handle(ev credential.Event) {
	log := s.log.With(zap.String("credential", ev.CredentialID), zap.String("event", string(ev.Type)))
	switch ev.Type {
	case credential.EventCreated, credential.EventEnabled:
		if ev.Credential != nil && usable(ev.Credential) {
			s.start(ev.Credential)
		}
	case credential.EventDisabled, credential.EventDeleted:
		s.Stop(ev.CredentialID)
	case credential.EventUpdated:
		s.Stop(ev.CredentialID)
		if ev.Credential != nil && usable(ev.Credential) {
			s.start(ev.Credential)
		}
	default:
		log.Warn("unknown credential event")
		return
	}
	log.Info("credential change applied")
}

func usable(c *models.Credential) bool { return c.Enabled && !c.Invalid }

// start launches a session unless one is already running for c. While
// the previous session of c is still winding down the start is deferred
// until it exits.
func (s *Supervisor) start(c *models.Credential) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[c.ID]; ok {
		return false
	}
	if _, ok := s.stopping[c.ID]; ok {
		s.pending[c.ID] = c
		s.log.Info("session start deferred until previous session exits", zap.String("credential", c.ID))
		return false
	}
	r, err := s.factory(c)
	if err != nil {
		s.log.Error("build session", zap.String("credential", c.ID), zap.Error(err))
		return false
	}

	ctx, cancel := context.WithCancel(s.base)
	e := &entry{runner: r, cancel: cancel, done: make(chan struct{})}
	s.sessions[c.ID] = e

	id := c.ID
	go func() {
		defer close(e.done)
		err := r.Run(ctx)

		s.mu.Lock()
		if s.sessions[id] == e {
			delete(s.sessions, id)
		}
		var next *models.Credential
		if s.stopping[id] == e {
			delete(s.stopping, id)
			next = s.pending[id]
			delete(s.pending, id)
		}
		s.mu.Unlock()

		switch {
		case errors.Is(err, session.ErrCookieInvalid):
			s.log.Warn("session stopped: manual login required", zap.String("credential", id))
		case err != nil:
			s.log.Error("session exited", zap.String("credential", id), zap.Error(err))
		}
		if next != nil {
			s.start(next)
		}
	}()
	return true
}

// Stop cancels the session of id and waits for it to drain. It reports
// whether a session was running. A deferred start of id is dropped.
func (s *Supervisor) Stop(id string) bool {
	s.mu.Lock()
	e, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
		s.stopping[id] = e
	}
	delete(s.pending, id)
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.wait(id, e)
	return true
}

// StopAll stops every session concurrently.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	entries := s.sessions
	s.sessions = make(map[string]*entry)
	for id, e := range entries {
		s.stopping[id] = e
	}
	s.pending = make(map[string]*models.Credential)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for id, e := range entries {
		wg.Add(1)
		go func(id string, e *entry) {
			defer wg.Done()
			s.wait(id, e)
		}(id, e)
	}
	wg.Wait()
}

func (s *Supervisor) wait(id string, e *entry) {
	e.cancel()
	t := time.NewTimer(s.stopTimeout)
	defer t.Stop()
	select {
	case <-e.done:
	case <-t.C:
		s.log.Warn("session did not stop in time; restarts wait for it to exit",
			zap.String("credential", id), zap.Duration("timeout", s.stopTimeout))
	}
}

// Len returns the number of running sessions.
func (s *Supervisor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Statuses returns a snapshot of every running session, ordered by id.
func (s *Supervisor) Statuses() []session.Status {
	s.mu.Lock()
	out := make([]session.Status, 0, len(s.sessions))
	for _, e := range s.sessions {
		out = append(out, e.runner.Status())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CredentialID < out[j].CredentialID })
	return out
}

// Status returns the snapshot of one session.
func (s *Supervisor) Status(id string) (session.Status, bool) {
	s.mu.Lock()
	e, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		return session.Status{}, false
	}
	return e.runner.Status(), true
}
