package app

import (
	"context"
	"errors"

	"github.com/ayusman/framelens/internal/store"
)

// ErrAlreadyStarted is returned by Start on an app that was started before.
// Components are single use, so a stopped app cannot be restarted either.
var ErrAlreadyStarted = errors.New("app already started")

// Start opens a journal session and launches the worker goroutines:
//
//  1. the pipeline render loop, which publishes overlay states
//  2. the capture feed, which reads the camera and offers frames
//  3. the journal writer, when a store is configured
//  4. the MQTT publisher, when an emitter is configured
//
// The workers run until ctx is cancelled, Stop is called or the camera fails.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.started || a.stopped {
		return ErrAlreadyStarted
	}

	if a.store != nil {
		cc := a.cfg.Pipeline.Controller()
		sess := &store.Session{
			Variant:    cc.Variant.String(),
			CooldownMs: cc.Cooldown.Milliseconds(),
			StartedAt:  a.clock.Now(),
		}
		if err := a.store.Sessions().Create(sess); err != nil {
			return err
		}
		a.session = sess
		a.journal = store.NewJournal(a.store, sess.ID, a.cfg.Store.Queue)
		a.controller.Subscribe(a.journal)
	}

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.started = true

	fail := func(err error) {
		a.mu.Lock()
		if a.err == nil {
			a.err = err
		}
		a.mu.Unlock()
		cancel()
	}

	a.spawn(func() {
		if err := a.controller.Run(ctx); err != nil {
			a.log.Error().Err(err).Msg("pipeline exited")
			fail(err)
		}
	})
	a.spawn(func() {
		if err := a.feed.Run(ctx); err != nil {
			a.log.Error().Err(err).Msg("capture exited")
			fail(err)
		}
		// The render loop must not outlive the camera.
		cancel()
	})
	if a.journal != nil {
		a.spawn(func() { a.journal.Run(ctx) })
	}
	if a.emitter != nil {
		a.spawn(func() { a.emitter.Run(ctx) })
	}

	go func() {
		a.wg.Wait()
		close(a.done)
	}()

	a.log.Info().
		Str("variant", a.cfg.Pipeline.ModelVariant).
		Str("engine", a.cfg.Engine.Kind).
		Bool("journal", a.journal != nil).
		Bool("mqtt", a.emitter != nil).
		Msg("framelens started")
	return nil
}

func (a *App) spawn(fn func()) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn()
	}()
}

// Done is closed once every worker has returned.
func (a *App) Done() <-chan struct{} {
	return a.done
}

// Err returns the error that ended the run early, if any.
func (a *App) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

// Stop halts the workers, finishes the journal session and releases the
// engine, the motion gate and the store. It is safe to call more than once.
func (a *App) Stop() {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	started := a.started
	cancel := a.cancel
	a.mu.Unlock()

	a.controller.Stop()
	if cancel != nil {
		cancel()
	}
	if started {
		<-a.done
	}

	a.finishSession()

	if err := a.adapter.Close(); err != nil {
		a.log.Error().Err(err).Msg("error closing engine")
	}
	a.gate.Close()

	if a.mqttClient != nil {
		a.mqttClient.Disconnect(250)
	}
	if a.ownsStore {
		if err := a.store.Close(); err != nil {
			a.log.Error().Err(err).Msg("error closing store")
		}
	}

	a.log.Info().Interface("stats", a.Stats()).Msg("framelens stopped")
}

func (a *App) finishSession() {
	a.mu.Lock()
	sess := a.session
	a.mu.Unlock()
	if sess == nil {
		return
	}

	adm := a.controller.Stats().Admission
	if err := a.store.Sessions().Finish(sess.ID, a.clock.Now(), int64(adm.Admitted), int64(adm.Dropped)); err != nil {
		a.log.Error().Err(err).Str("session_id", sess.ID).Msg("failed to finish session")
	}
}
