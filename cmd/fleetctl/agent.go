package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fleetsync/internal/client"
	"fleetsync/internal/offline"
	"fleetsync/internal/viewas"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// agent bundles the local queue with the API client for one command run.
type agent struct {
	store  *offline.SQLiteStore
	client *client.Client
	queue  *offline.Queue
	viewAs *viewas.Overlay
}

func openAgent(ctx context.Context) (*agent, error) {
	store, err := offline.OpenSQLiteStore(ctx, agentConf.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open local queue: %w", err)
	}

	tokens := client.NewTokenStore(store)
	// The verifier gets its own client without a view-as source, so checking
	// the session does not consult the overlay it is verifying for.
	verifier := &sessionVerifier{client: client.New(agentConf.APIURL, client.Options{Tokens: tokens, Logger: logger})}

	a := &agent{store: store}
	a.viewAs = viewas.New(viewas.NewKVChannel(store, ""), nil, verifier, viewas.Options{Logger: logger})
	a.client = client.New(agentConf.APIURL, client.Options{
		Tokens:  tokens,
		ViewAs:  a.viewAs,
		Limiter: rate.NewLimiter(rate.Limit(10), 5),
		Logger:  logger,
	})
	a.queue = offline.NewQueue(store, a.client, offline.Options{
		Logger: logger,
		OnFailed: func(op offline.Operation) {
			logger.Warn("operation needs attention", zap.String("id", op.ID), zap.String("error", op.LastError))
		},
	})
	return a, nil
}

func (a *agent) Close() error {
	return a.store.Close()
}

// sessionVerifier asks the API whether the logged-in user is a super-admin.
// Every call goes to the server, so a demotion takes effect on the next read.
type sessionVerifier struct {
	client *client.Client
}

func (v *sessionVerifier) IsSuperAdmin(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	info, err := v.client.Session(ctx)
	if err != nil {
		return false, err
	}
	if !info.Authenticated {
		return false, errors.New("not logged in")
	}
	return info.IsSuperAdmin, nil
}
