// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/aiku/appservice-bridge/pkg/store"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"maunium.net/go/mautrix/id"
)

// ConnectTask is one connect attempt for an authenticated identity.
type ConnectTask struct {
	HubID id.UserID

	done chan struct{}
	conn Connection
	err  error
}

// Done is closed once the attempt has finished.
func (t *ConnectTask) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the attempt finishes or ctx ends.
func (t *ConnectTask) Wait(ctx context.Context) (Connection, error) {
	select {
	case <-t.done:
		return t.conn, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the outcome without blocking. It returns ErrConnectPending
// while the attempt is still running.
func (t *ConnectTask) Result() (Connection, error) {
	select {
	case <-t.done:
		return t.conn, t.err
	default:
		return nil, ErrConnectPending
	}
}

func (t *ConnectTask) failed() bool {
	_, err := t.Result()
	return err != nil && err != ErrConnectPending
}

// Supervisor owns the service connections of authenticated identities. At
// most one connect attempt per identity exists at a time, and failed
// attempts are not retried automatically.
type Supervisor struct {
	br  *Bridge
	log zerolog.Logger

	lock  sync.Mutex
	tasks map[id.UserID]*ConnectTask
	wg    sync.WaitGroup
}

func newSupervisor(br *Bridge) *Supervisor {
	return &Supervisor{
		br:    br,
		log:   br.Log.With().Str("component", "supervisor").Logger(),
		tasks: make(map[id.UserID]*ConnectTask),
	}
}

// StartAll starts a connect for every authenticated identity in the store.
func (s *Supervisor) StartAll(ctx context.Context) error {
	idents, err := s.br.Store.Identity.GetAllAuthenticated(ctx)
	if err != nil {
		return fmt.Errorf("failed to load authenticated identities: %w", err)
	}
	for _, ident := range idents {
		s.Connect(ctx, ident)
	}
	s.log.Info().Int("count", len(idents)).Msg("Started connecting authenticated identities")
	return nil
}

// Connect starts a connect for ident unless one is pending or succeeded, in
// which case that task is returned.
func (s *Supervisor) Connect(ctx context.Context, ident *store.Identity) *ConnectTask {
	s.lock.Lock()
	defer s.lock.Unlock()
	if task, ok := s.tasks[ident.HubID]; ok && !task.failed() {
		return task
	}
	task := &ConnectTask{HubID: ident.HubID, done: make(chan struct{})}
	s.tasks[ident.HubID] = task
	s.wg.Add(1)
	identCopy := *ident
	// Connects outlive the request or startup context that triggered them.
	go s.run(context.WithoutCancel(ctx), task, &identCopy)
	return task
}

func (s *Supervisor) run(ctx context.Context, task *ConnectTask, ident *store.Identity) {
	defer s.wg.Done()
	defer close(task.done)
	log := s.log.With().Stringer("hub_id", ident.HubID).Str("service_id", ident.ServiceID).Logger()

	connect := s.br.Hooks.connectHook()
	if connect == nil {
		task.err = ErrNoConnectHook
		return
	}
	defer func() {
		if r := recover(); r != nil {
			task.conn = nil
			task.err = fmt.Errorf("connect hook panicked: %v", r)
			log.Error().Any("panic", r).Msg("Connect hook panicked")
		}
	}()
	conn, err := connect(ctx, s.br, ident)
	if err != nil {
		task.err = err
		log.Error().Err(err).Msg("Failed to connect identity")
		return
	}
	task.conn = conn
	if sid, ok := conn.(ServiceIdentifier); ok {
		if serviceID := sid.ServiceID(); serviceID != "" && serviceID != ident.ServiceID {
			if err = s.br.Store.Identity.SetServiceID(ctx, ident.HubID, serviceID); err != nil {
				log.Warn().Err(err).Str("new_service_id", serviceID).Msg("Failed to store service id")
			} else {
				ident.ServiceID = serviceID
			}
		}
	}
	log.Info().Msg("Identity connected")
}

// ConnectionFor returns the established connection of an identity.
func (s *Supervisor) ConnectionFor(hubID id.UserID) (Connection, bool) {
	s.lock.Lock()
	task, ok := s.tasks[hubID]
	s.lock.Unlock()
	if !ok {
		return nil, false
	}
	conn, err := task.Result()
	if err != nil {
		return nil, false
	}
	return conn, true
}

// GetConnection returns the connect task of the identity with serviceID.
// With an empty serviceID the only task is returned, and having more than
// one is ErrAmbiguousConnection. When wait is set, the call blocks until the
// task has finished.
func (s *Supervisor) GetConnection(ctx context.Context, serviceID string, wait bool) (*ConnectTask, error) {
	task, err := s.findTask(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	if wait {
		if _, err = task.Wait(ctx); err != nil {
			return task, err
		}
	}
	return task, nil
}

func (s *Supervisor) findTask(ctx context.Context, serviceID string) (*ConnectTask, error) {
	if serviceID == "" {
		s.lock.Lock()
		defer s.lock.Unlock()
		var found *ConnectTask
		for _, task := range s.tasks {
			if task.failed() {
				continue
			}
			if found != nil {
				return nil, ErrAmbiguousConnection
			}
			found = task
		}
		if found == nil {
			return nil, ErrNotConnected
		}
		return found, nil
	}
	ident, err := s.br.Store.Identity.GetByServiceID(ctx, serviceID)
	if err != nil {
		return nil, err
	} else if ident == nil {
		return nil, fmt.Errorf("%w: service id %q", ErrUnknownIdentity, serviceID)
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	task, ok := s.tasks[ident.HubID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, ident.HubID)
	}
	return task, nil
}

// Shutdown waits for every pending connect to finish, then closes all
// connections that can be closed. Close failures are logged.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.wg.Wait()

	s.lock.Lock()
	tasks := make([]*ConnectTask, 0, len(s.tasks))
	for _, task := range s.tasks {
		tasks = append(tasks, task)
	}
	s.tasks = make(map[id.UserID]*ConnectTask)
	s.lock.Unlock()

	var eg errgroup.Group
	for _, task := range tasks {
		closer, ok := task.conn.(io.Closer)
		if !ok || task.err != nil {
			continue
		}
		eg.Go(func() error {
			if err := closer.Close(); err != nil {
				s.log.Warn().Err(err).Stringer("hub_id", task.HubID).Msg("Failed to close connection")
			}
			return nil
		})
	}
	_ = eg.Wait()
	s.log.Info().Int("count", len(tasks)).Msg("Closed service connections")
}
