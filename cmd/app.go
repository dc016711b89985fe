package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/paylicense/internal/guard"
	"github.com/sells-group/paylicense/internal/license"
	"github.com/sells-group/paylicense/internal/normalize"
	"github.com/sells-group/paylicense/internal/pipeline"
	"github.com/sells-group/paylicense/internal/store"
	"github.com/sells-group/paylicense/internal/vision"
)

// appEnv holds everything the serve and verify commands share.
type appEnv struct {
	Store       store.Store
	Codec       *license.Codec
	Coordinator *pipeline.Coordinator
	Vision      *vision.Orchestrator
	Backends    []string
}

// Close releases the store.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	if err := cfg.ValidateStore(); err != nil {
		return nil, err
	}
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, eris.Wrap(err, "open store")
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

func initCodec() (*license.Codec, error) {
	if err := cfg.ValidateLicense(); err != nil {
		return nil, err
	}
	return license.NewCodec(cfg.License.Secret,
		license.WithPrefix(cfg.License.Prefix),
		license.WithValidity(time.Duration(cfg.License.ValiditySecs)*time.Second),
	)
}

// initApp validates the full configuration and wires the verification
// pipeline.
func initApp(ctx context.Context) (*appEnv, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	codec, err := initCodec()
	if err != nil {
		return nil, err
	}

	orch, err := vision.FromConfig(cfg)
	if err != nil {
		return nil, eris.Wrap(err, "build vision backends")
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	norm := normalize.New(normalize.Config{
		RecipientName:   cfg.Recipient.Name,
		RecipientUPI:    cfg.Recipient.UPIID,
		ReviewThreshold: cfg.Scoring.ReviewThreshold,
	})

	coord := pipeline.New(orch, norm, guard.New(st), codec, pipeline.WithAttemptLog(st))

	return &appEnv{
		Store:       st,
		Codec:       codec,
		Coordinator: coord,
		Vision:      orch,
		Backends:    orch.Backends(),
	}, nil
}
