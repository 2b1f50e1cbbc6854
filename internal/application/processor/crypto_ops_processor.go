// Package processor dispatches crypto requests to the signing service.
package processor

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/turtacn/cryptod/internal/application/dto"
	"github.com/turtacn/cryptod/internal/application/service"
	"github.com/turtacn/cryptod/internal/domain/models"
	domain "github.com/turtacn/cryptod/internal/domain/service"
	"github.com/turtacn/cryptod/pkg/constants"
	"github.com/turtacn/cryptod/pkg/errors"
	"github.com/turtacn/cryptod/pkg/logger"
	"github.com/turtacn/cryptod/pkg/utils"
)

// Tracer opens one span per processed request.
type Tracer interface {
	StartSpan(ctx context.Context, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span)
	RecordError(span trace.Span, err error)
}

// CryptoOpsProcessor maps each request variant onto the signing service, runs it under the
// retrying executor and turns the outcome into a response stamped with the request context.
// CryptoOpsProcessor 将请求分派到签名服务，在重试执行器下运行并生成响应。
type CryptoOpsProcessor struct {
	signing  service.SigningService
	executor *RetryingExecutor
	metrics  domain.Metrics
	tracer   Tracer
	workers  int
	now      func() time.Time
	logger   logger.Logger
}

// Option configures a CryptoOpsProcessor.
type Option func(*CryptoOpsProcessor)

// WithClock replaces the clock used for response timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *CryptoOpsProcessor) { p.now = now }
}

// WithWorkers bounds the number of requests ProcessBatch runs at once.
func WithWorkers(n int) Option {
	return func(p *CryptoOpsProcessor) {
		if n > 0 {
			p.workers = n
		}
	}
}

// NewCryptoOpsProcessor creates the processor. metrics and tracer may be nil.
func NewCryptoOpsProcessor(signing service.SigningService, executor *RetryingExecutor, metrics domain.Metrics, tracer Tracer, log logger.Logger, opts ...Option) *CryptoOpsProcessor {
	if metrics == nil {
		metrics = domain.NoopMetrics{}
	}
	p := &CryptoOpsProcessor{
		signing:  signing,
		executor: executor,
		metrics:  metrics,
		tracer:   tracer,
		workers:  8,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   log.WithComponent("CryptoOpsProcessor"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process handles one request. It never returns nil; failures become an *dto.ErrorResponse.
func (p *CryptoOpsProcessor) Process(ctx context.Context, req dto.Request) dto.Response {
	start := time.Now()
	rc := req.Context()
	requestType := req.RequestType()

	ctx = context.WithValue(ctx, constants.ContextKeyRequestID, rc.RequestID)
	ctx = context.WithValue(ctx, constants.ContextKeyTenantID, rc.TenantID)
	ctx = context.WithValue(ctx, constants.ContextKeyRequestType, requestType)

	var span trace.Span
	if p.tracer != nil {
		ctx, span = p.tracer.StartSpan(ctx, "crypto."+requestType,
			attribute.String("tenant.id", rc.TenantID),
			attribute.String("request.id", rc.RequestID),
		)
		defer span.End()
	}

	handler, known := p.handler(req)
	var (
		result   dto.Response
		attempts int
		err      error
	)
	if !known {
		err = errors.ErrUnknownRequest(requestType)
	} else if err = utils.ValidateStruct(req); err == nil {
		attempts, err = p.executor.Execute(ctx, requestType, func(ctx context.Context) error {
			var herr error
			result, herr = handler(ctx)
			return herr
		})
		p.metrics.RecordAttempts(requestType, attempts)
	}

	outcome := "success"
	if err != nil {
		outcome = string(errors.KindOf(err))
		if span != nil {
			p.tracer.RecordError(span, err)
		}
		p.logger.Warn(ctx, "Request failed",
			logger.String("request_type", requestType),
			logger.String("error_type", outcome),
			logger.Int("attempts", attempts),
			logger.Err(err),
		)
		result = dto.NewErrorResponse(rc.Respond(p.now()), err)
	} else {
		p.logger.Debug(ctx, "Request processed",
			logger.String("request_type", requestType),
			logger.Int("attempts", attempts),
			logger.Duration("duration", time.Since(start)),
		)
	}
	p.metrics.RecordOperation(requestType, outcome, time.Since(start))
	return result
}

// ProcessBatch handles requests concurrently, at most the configured number at a time.
// Responses are returned in request order.
func (p *CryptoOpsProcessor) ProcessBatch(ctx context.Context, reqs []dto.Request) []dto.Response {
	responses := make([]dto.Response, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			responses[i] = p.Process(gctx, req)
			return nil
		})
	}
	_ = g.Wait()
	return responses
}

type handlerFunc func(ctx context.Context) (dto.Response, error)

// handler returns the handler of req. The switch is the full set of request variants.
func (p *CryptoOpsProcessor) handler(req dto.Request) (handlerFunc, bool) {
	rc := req.Context()
	tenant := rc.TenantID
	respond := func() dto.ResponseContext { return rc.Respond(p.now()) }

	switch r := req.(type) {
	case dto.GenerateKeyPairRequest:
		return func(ctx context.Context) (dto.Response, error) {
			pub, err := p.signing.GenerateKeyPair(ctx, tenant, r.Category, r.Alias, r.Scheme)
			if err != nil {
				return nil, err
			}
			return &dto.PublicKeyResponse{Ctx: respond(), PublicKey: pub}, nil
		}, true
	case dto.GenerateFreshKeyRequest:
		return func(ctx context.Context) (dto.Response, error) {
			pub, err := p.signing.FreshKey(ctx, tenant, r.ExternalID, r.Scheme)
			if err != nil {
				return nil, err
			}
			return &dto.PublicKeyResponse{Ctx: respond(), PublicKey: pub}, nil
		}, true
	case dto.SignRequest:
		return p.signByKey(tenant, r.PublicKey, models.SignatureSpec{}, r.Data, respond), true
	case dto.SignWithSpecRequest:
		return p.signByKey(tenant, r.PublicKey, r.Spec, r.Data, respond), true
	case dto.SignWithAliasRequest:
		return p.signByAlias(tenant, r.Alias, models.SignatureSpec{}, r.Data, respond), true
	case dto.SignWithAliasSpecRequest:
		return p.signByAlias(tenant, r.Alias, r.Spec, r.Data, respond), true
	case dto.FilterMyKeysRequest:
		return func(ctx context.Context) (dto.Response, error) {
			keys, err := p.signing.FilterMyKeys(ctx, tenant, r.CandidateKeys)
			if err != nil {
				return nil, err
			}
			return &dto.PublicKeysResponse{Ctx: respond(), Keys: keys}, nil
		}, true
	case dto.LookupByIDsRequest:
		return func(ctx context.Context) (dto.Response, error) {
			keys, err := p.signing.LookupByIDs(ctx, tenant, r.IDs)
			if err != nil {
				return nil, err
			}
			return &dto.SigningKeysResponse{Ctx: respond(), Keys: keys}, nil
		}, true
	case dto.LookupByFullIDsRequest:
		return func(ctx context.Context) (dto.Response, error) {
			keys, err := p.signing.LookupByFullIDs(ctx, tenant, r.FullIDs)
			if err != nil {
				return nil, err
			}
			return &dto.SigningKeysResponse{Ctx: respond(), Keys: keys}, nil
		}, true
	case dto.LookupRequest:
		return func(ctx context.Context) (dto.Response, error) {
			keys, err := p.signing.Lookup(ctx, tenant, r.Skip, r.Take, r.OrderBy, r.Filter)
			if err != nil {
				return nil, err
			}
			return &dto.SigningKeysResponse{Ctx: respond(), Keys: keys}, nil
		}, true
	case dto.SupportedSchemesRequest:
		return func(ctx context.Context) (dto.Response, error) {
			codes, err := p.signing.SupportedSchemes(ctx, tenant, r.Category)
			if err != nil {
				return nil, err
			}
			return &dto.SupportedSchemesResponse{Ctx: respond(), Codes: codes}, nil
		}, true
	default:
		return nil, false
	}
}

func (p *CryptoOpsProcessor) signByKey(tenant string, publicKey []byte, spec models.SignatureSpec, data []byte, respond func() dto.ResponseContext) handlerFunc {
	return func(ctx context.Context) (dto.Response, error) {
		sig, err := p.signing.Sign(ctx, tenant, publicKey, spec, data)
		if err != nil {
			return nil, err
		}
		return &dto.SignatureResponse{Ctx: respond(), By: sig.By, Bytes: sig.Bytes}, nil
	}
}

func (p *CryptoOpsProcessor) signByAlias(tenant, alias string, spec models.SignatureSpec, data []byte, respond func() dto.ResponseContext) handlerFunc {
	return func(ctx context.Context) (dto.Response, error) {
		sig, err := p.signing.SignWithAlias(ctx, tenant, alias, spec, data)
		if err != nil {
			return nil, err
		}
		key, err := p.signing.FindByAlias(ctx, tenant, alias)
		if err != nil {
			return nil, err
		}
		resp := &dto.SignatureResponse{Ctx: respond(), Bytes: sig}
		if key != nil {
			resp.By = key.PublicKey
		}
		return resp, nil
	}
}
