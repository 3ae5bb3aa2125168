package sandbox

import (
	"context"
	"sync"

	"github.com/tetratelabs/wazero"
)

type onceGate struct {
	once  sync.Once
	cache wazero.CompilationCache
	err   error
}

func (g *onceGate) run(ctx context.Context, prepare func(ctx context.Context) error) error {
	g.once.Do(func() {
		g.cache = wazero.NewCompilationCache()
		if prepare != nil {
			g.err = prepare(ctx)
		}
	})
	return g.err
}

var gate onceGate

// Setup performs process-wide initialization exactly once: it creates the
// shared compilation cache and runs prepare, if given. Later calls return the
// first call's result. Safe for concurrent use.
func Setup(ctx context.Context, prepare func(ctx context.Context) error) error {
	return gate.run(ctx, prepare)
}
