package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"

	"github.com/jilio/statesync"
	statesyncotel "github.com/jilio/statesync/otel"
	"github.com/jilio/statesync/transport/ws"
)

func runReplica(ctx context.Context, cfg *Config, opts docopt.Opts) error {
	owner, _ := opts.String("--owner")

	filter := statesync.All()
	if raw, err := opts.String("--filter"); err == nil {
		filter, err = parseFilter(raw)
		if err != nil {
			return err
		}
	}
	async, _ := opts.Bool("--async")

	var amount float64
	if raw, err := opts.String("--add"); err == nil {
		amount, err = strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("--add: %w", err)
		}
	}
	every, _ := opts.String("--every")
	interval, err := parseInterval(every)
	if err != nil {
		return fmt.Errorf("--every: %w", err)
	}

	settings, err := cfg.Settings()
	if err != nil {
		return err
	}
	obs, err := statesyncotel.New()
	if err != nil {
		return err
	}

	client, err := ws.Dial(ctx, cfg.URL, owner, settings)
	if err != nil {
		return err
	}
	defer client.Close()

	replica, err := statesync.NewReplica(ctx, counterReducer, initialState(), client,
		statesync.WithFilter(filter),
		statesync.WithSynchronous(!async),
		statesync.WithObservability(obs),
		shapeFuncs(),
	)
	if err != nil {
		return err
	}
	glog.Infof("[statesyncd]replica %s filter=%s\n", client.ClientID(), filter)

	replica.Subscribe(func() {
		state, err := json.Marshal(replica.State())
		if err != nil {
			glog.Infof("[statesyncd]state error = %s\n", err)
			return
		}
		glog.Infof("[statesyncd]state = %s\n", state)
	})

	if amount == 0 || interval <= 0 {
		return client.Serve(ctx, replica)
	}
	return add(ctx, client, replica, amount, interval)
}

// add runs the replica's loop, dispatching an addition every interval
// between the broadcasts it applies.
func add(ctx context.Context, client *ws.Client, replica *statesync.Replica, amount float64, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-client.Messages():
			if !ok {
				return statesync.ErrConnClosed
			}
			if err := replica.HandleMessage(ctx, msg); err != nil {
				glog.Infof("[statesyncd]apply error = %s\n", err)
			}
		case <-ticker.C:
			if _, err := replica.DispatchContext(ctx, &statesync.Action{Type: ActionAdd, Payload: amount}); err != nil {
				glog.Infof("[statesyncd]add error = %s\n", err)
			}
		}
	}
}
