package querymut

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/pthm/dls/pkg/formula"
)

const tracerName = "github.com/pthm/dls/pkg/querymut"

// Pipeline runs query mutators in order and validates the result.
type Pipeline struct {
	mutators []QueryMutator
	logger   *zap.Logger
	tracer   trace.Tracer
}

// Options configures the standard mutator chain.
type Options struct {
	// DisableOptimizations skips constant folding, as single-formula
	// validation does.
	DisableOptimizations bool
	RemoveConstGroupBy   bool
	// AllowArbitraryTopLevelLOD disables the top-level LOD dimension check.
	AllowArbitraryTopLevelLOD    bool
	AllowEmptyDimensionsForForks bool
	NewSubqueryMode              bool
	Logger                       *zap.Logger
}

// NewPipeline returns the standard chain: OptimizingMutator followed by
// ExtendedAggregationMutator.
func NewPipeline(opts Options) *Pipeline {
	return NewPipelineOf(opts.Logger,
		OptimizingMutator{
			DisableOptimizations: opts.DisableOptimizations,
			RemoveConstGroupBy:   opts.RemoveConstGroupBy,
		},
		ExtendedAggregationMutator{
			AllowArbitraryTopLevelLOD:    opts.AllowArbitraryTopLevelLOD,
			AllowEmptyDimensionsForForks: opts.AllowEmptyDimensionsForForks,
			NewSubqueryMode:              opts.NewSubqueryMode,
		},
	)
}

// NewPipelineOf returns a pipeline running mutators in the given order.
func NewPipelineOf(logger *zap.Logger, mutators ...QueryMutator) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{mutators: mutators, logger: logger, tracer: otel.Tracer(tracerName)}
}

// Run applies every mutator to q. It returns ErrLODDimension from the
// dimension check and a *ValidationError when a mutation left ErrorNodes
// behind.
func (p *Pipeline) Run(ctx context.Context, q *CompiledQuery) (*CompiledQuery, error) {
	_, span := p.tracer.Start(ctx, "querymut.Run", trace.WithAttributes(
		attribute.String("query_type", string(q.Meta.QueryType)),
		attribute.Int("formulas", len(q.AllFormulas())),
	))
	defer span.End()

	for _, m := range p.mutators {
		next, err := m.MutateQuery(q)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		p.logger.Debug("query mutator applied",
			zap.String("mutator", fmt.Sprintf("%T", m)),
			zap.Bool("changed", next != q))
		q = next
	}

	var errs []*formula.ErrorNode
	for _, f := range q.AllFormulas() {
		errs = append(errs, formula.CollectErrors(f.Formula)...)
	}
	if len(errs) > 0 {
		err := &ValidationError{Errors: errs}
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return q, nil
}
