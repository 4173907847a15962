package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/golang/glog"

	"github.com/jilio/statesync"
	statesyncotel "github.com/jilio/statesync/otel"
	"github.com/jilio/statesync/transport/ws"
)

func runPrimary(ctx context.Context, cfg *Config) error {
	settings, err := cfg.Settings()
	if err != nil {
		return err
	}
	obs, err := statesyncotel.New()
	if err != nil {
		return err
	}

	server := ws.NewServer(ctx, settings)
	defer server.Close()

	primary := statesync.NewPrimary(
		statesync.NewStore(counterReducer, initialState()),
		statesync.WithLifecycle(server),
		statesync.WithObservability(obs),
		shapeFuncs(),
	)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: settings.HandshakeTimeout,
	}
	serveErr := make(chan error, 1)
	go func() {
		glog.Infof("[statesyncd]primary listening on %s (%s)\n", cfg.Addr, settings.Codec.Name())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if cfg.Tick > 0 {
		go tick(loopCtx, server, primary, cfg.Tick)
	}

	loopErr := make(chan error, 1)
	go func() {
		loopErr <- server.Serve(loopCtx, primary)
	}()

	select {
	case err, ok := <-serveErr:
		cancel()
		<-loopErr
		if ok {
			return err
		}
		return nil
	case err := <-loopErr:
		return err
	}
}

// tick dispatches a clock action on the primary's loop every interval.
func tick(ctx context.Context, server *ws.Server, primary *statesync.Primary, interval time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
		now := time.Now().UTC()
		server.Submit(func() {
			if _, err := primary.DispatchContext(ctx, &statesync.Action{Type: ActionTick, Payload: now}); err != nil {
				glog.Infof("[statesyncd]tick error = %s\n", err)
			}
		})
	}
}
