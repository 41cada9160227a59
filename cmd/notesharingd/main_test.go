package main

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"notesharing/internal/metrics"
	"notesharing/internal/sharednote"
)

func TestDemo(t *testing.T) {
	for _, scope := range []sharednote.Scope{sharednote.ScopeInstance, sharednote.ScopePair} {
		t.Run(scope.String(), func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.BlockIntervalMs = 2
			cfg.PollIntervalMs = 2
			n, err := openNode(cfg, "", false, metrics.Discard(), zerolog.Nop())
			require.NoError(t, err)
			defer n.ledger.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return n.seq.Run(gctx) })
			g.Go(func() error {
				defer cancel()
				return runDemo(gctx, n.client, scope, zerolog.Nop())
			})
			require.NoError(t, g.Wait())
		})
	}
}
