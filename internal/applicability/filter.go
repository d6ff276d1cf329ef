// Package applicability decides which historical commands still apply to which asset groups.
package applicability

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/withObsrvr/privacy-replay/internal/coldstorage"
	"github.com/withObsrvr/privacy-replay/internal/command"
	"github.com/withObsrvr/privacy-replay/internal/directory"
	"github.com/withObsrvr/privacy-replay/internal/logging"
	"github.com/withObsrvr/privacy-replay/internal/publisher"
	"github.com/withObsrvr/privacy-replay/internal/routing"
	"github.com/withObsrvr/privacy-replay/internal/verifier"
)

// Result is the outcome of filtering one page.
type Result struct {
	Pairs                []publisher.DestinationPair
	DroppedBadVerifier   int
	DroppedNotApplicable int
	DroppedUnparseable   int
}

// Filter turns raw records into destination pairs.
type Filter struct {
	verifier verifier.Service
	router   *routing.Router
	log      *slog.Logger
}

// Option customizes a Filter.
type Option func(*Filter)

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Filter) { f.log = l }
}

// New creates a Filter.
func New(v verifier.Service, router *routing.Router, opts ...Option) *Filter {
	f := &Filter{
		verifier: v,
		router:   router,
		log:      logging.Component("applicability"),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Apply filters records against the delete and export scopes. Export commands are
// matched against exportScope, all others against deleteScope.
// A rejected verifier drops the command. A verifier error aborts the page so no
// command is lost to an outage.
func (f *Filter) Apply(ctx context.Context, records []coldstorage.Record, deleteScope, exportScope []*directory.Group) (Result, error) {
	var res Result
	for _, rec := range records {
		cmd, err := command.Parse(rec.Data)
		if err != nil {
			res.DroppedUnparseable++
			f.log.Debug("dropping unparseable record", "object", rec.Object, "offset", rec.Offset, "error", err)
			continue
		}
		cmd = cmd.WithStorageDestination(f.router.Select(cmd.ID))

		scope := deleteScope
		if cmd.IsExport() {
			scope = exportScope
		}

		ev, err := f.evaluate(ctx, cmd, scope)
		if err != nil {
			return res, err
		}
		if ev.badVerifier {
			res.DroppedBadVerifier++
			continue
		}
		res.DroppedNotApplicable += ev.rejected
		if len(ev.destinations) == 0 {
			continue
		}
		res.Pairs = append(res.Pairs, publisher.DestinationPair{
			CommandID:          cmd.ID,
			StorageDestination: cmd.StorageDestination,
			Command:            rec.Data,
			Destinations:       ev.destinations,
		})
	}
	return res, nil
}

type evaluation struct {
	destinations []publisher.Destination
	rejected     int
	badVerifier  bool
}

// evaluate checks one command against each candidate. Every candidate sees its own
// view of the command; the verifier is consulted once, on the first candidate.
func (f *Filter) evaluate(ctx context.Context, cmd command.Command, scope []*directory.Group) (evaluation, error) {
	var ev evaluation
	for i, g := range scope {
		view := cmd.For(g.AgentID, g.ID, g.Qualifier)

		if i == 0 {
			valid, err := f.verifier.Validate(ctx, view)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ev, ctxErr
				}
				return ev, fmt.Errorf("verify command %s: %w", cmd.ID, err)
			}
			if !valid {
				return evaluation{badVerifier: true}, nil
			}
		}

		if !g.IsActionable(view) {
			ev.rejected++
			continue
		}
		ev.destinations = append(ev.destinations, publisher.Destination{
			AgentID:             view.AgentID,
			AssetGroupID:        view.AssetGroupID,
			AssetGroupQualifier: view.AssetGroupQualifier,
			DataTypes:           view.DataTypes,
		})
	}
	return ev, nil
}
