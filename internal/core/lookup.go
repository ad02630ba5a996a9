package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/JonMunkholm/sheetsync/internal/logging"
)

type lookupStatus int

const (
	lookupResolved lookupStatus = iota
	lookupNotFound
	lookupTransportError
)

// lookupResult is what a single strategy learned about a record key.
type lookupResult struct {
	status     lookupStatus
	entity     Entity
	collection string
	err        error
}

// lookupStrategy is one attempt at resolving a key. Strategies are tried in
// order and the first result that is not a transport error is final.
type lookupStrategy struct {
	name string
	run  func(ctx context.Context, key string) lookupResult
}

// buildStrategies returns the ordered lookup chain for cfg.
func (e *Engine) buildStrategies() []lookupStrategy {
	chain := []lookupStrategy{{
		name: "primary",
		run: func(ctx context.Context, key string) lookupResult {
			return e.queryCollection(ctx, e.cfg.PrimaryCollection, key)
		},
	}}

	if e.cfg.FallbackCollection != "" {
		chain = append(chain, lookupStrategy{
			name: "fallback",
			run: func(ctx context.Context, key string) lookupResult {
				return e.queryCollection(ctx, e.cfg.FallbackCollection, key)
			},
		})
	}

	chain = append(chain, lookupStrategy{
		name: "probe",
		run:  e.probePrimary,
	})
	return chain
}

// queryCollection filters a collection by the natural key.
func (e *Engine) queryCollection(ctx context.Context, collection, key string) lookupResult {
	entities, err := e.store.QueryByKey(ctx, collection, e.cfg.KeyField, key)
	if err != nil {
		return lookupResult{status: lookupTransportError, collection: collection, err: err}
	}
	if len(entities) == 0 {
		return lookupResult{status: lookupNotFound, collection: collection}
	}
	if len(entities) > 1 {
		// No disambiguation: the store's default ordering decides.
		logging.FromContext(ctx).Debug("multiple entities share key, using first",
			"record_id", key,
			"collection", collection,
			"matches", len(entities),
		)
	}
	return lookupResult{status: lookupResolved, entity: entities[0], collection: collection}
}

// probePrimary runs an unfiltered query to tell an absent record apart from
// an unreachable collection.
func (e *Engine) probePrimary(ctx context.Context, _ string) lookupResult {
	collection := e.cfg.PrimaryCollection
	if err := e.store.Probe(ctx, collection); err != nil {
		return lookupResult{status: lookupTransportError, collection: collection, err: err}
	}
	return lookupResult{status: lookupNotFound, collection: collection}
}

// lookup runs the strategy chain for key. When every strategy fails with a
// transport error the joined errors are returned with that status.
func (e *Engine) lookup(ctx context.Context, key string) lookupResult {
	logger := logging.FromContext(ctx)

	var errs []error
	for _, s := range e.strategies {
		res := s.run(ctx, key)
		logger.Debug("lookup attempt",
			"record_id", key,
			"strategy", s.name,
			"collection", res.collection,
			"status", res.status.String(),
		)
		if res.status != lookupTransportError {
			return res
		}
		errs = append(errs, fmt.Errorf("%s %s: %w", s.name, res.collection, res.err))
	}

	return lookupResult{
		status:     lookupTransportError,
		collection: e.cfg.PrimaryCollection,
		err:        errors.Join(errs...),
	}
}

func (s lookupStatus) String() string {
	switch s {
	case lookupResolved:
		return "resolved"
	case lookupNotFound:
		return "not_found"
	default:
		return "transport_error"
	}
}
