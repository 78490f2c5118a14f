// Package service binds the four evolver operations to the task queue.
package service

import (
	"context"

	"github.com/shepherd-project/evolver/internal/gpt2"
	"github.com/shepherd-project/evolver/internal/inference"
	"github.com/shepherd-project/evolver/internal/logger"
	"github.com/shepherd-project/evolver/internal/recipe"
	"github.com/shepherd-project/evolver/internal/registry"
	"github.com/shepherd-project/evolver/internal/tasks"
)

// Operation names on the task queue.
const (
	OpGenerate     = "generate"
	OpMerge        = "merge"
	OpListModels   = "list_models"
	OpClearSession = "clear_session"
)

// Defaults applied when a request leaves a field unset.
const (
	DefaultMaxNewTokens = 512
	DefaultTemperature  = 0.7
	DefaultMergedName   = "merged"
)

// DefaultLambdas is the lambda pair of a merge request that sets none.
var DefaultLambdas = recipe.LambdaPair{0.5, 0.5}

// Registry stores and names recipes. *registry.Registry implements it.
type Registry interface {
	ResolveRecipe(ctx context.Context, scope, name string) (recipe.Recipe, error)
	SaveMergedModel(ctx context.Context, scope, baseName string, r recipe.Recipe) (string, error)
	ListModels(ctx context.Context, scope string) ([]string, error)
	ClearSession(ctx context.Context, scope string) error
}

// Materializer builds weights from a recipe.
type Materializer interface {
	Materialize(ctx context.Context, r recipe.Recipe) (*gpt2.Model, error)
}

// Generator continues a prompt.
type Generator interface {
	Generate(ctx context.Context, m *gpt2.Model, prompt string, maxNewTokens int, temperature float64) (inference.Generation, error)
}

// GenerateRequest asks a model of the session to continue a prompt.
type GenerateRequest struct {
	Scope        string
	ModelName    string
	Prompt       string
	MaxNewTokens *int
	Temperature  *float64
}

// MergeRequest combines two models of the session through a plan.
type MergeRequest struct {
	Scope            string
	Model1           string
	Model2           string
	Plan             recipe.MergePlan
	EmbeddingLambdas *recipe.LambdaPair
	LinearLambdas    *recipe.LambdaPair
	DesiredName      string
}

// Result is the payload of a successful task.
type Result struct {
	Response any `json:"response"`
}

// Options configures a Service.
type Options struct {
	MaxNewTokens int
	Temperature  float64
	// Retry applies to generate and list_models. Merge and clear_session are
	// never retried.
	Retry  tasks.RetryPolicy
	Logger *logger.Logger
}

// Service runs the evolver operations on a task queue.
type Service struct {
	queue        *tasks.Queue
	registry     Registry
	materializer Materializer
	generator    Generator

	maxNewTokens int
	temperature  float64
	log          *logger.Logger
}

// New creates a Service and registers its handlers on q.
func New(q *tasks.Queue, reg Registry, mat Materializer, gen Generator, opts Options) *Service {
	s := &Service{
		queue:        q,
		registry:     reg,
		materializer: mat,
		generator:    gen,
		maxNewTokens: opts.MaxNewTokens,
		temperature:  opts.Temperature,
		log:          opts.Logger,
	}
	if s.maxNewTokens <= 0 {
		s.maxNewTokens = DefaultMaxNewTokens
	}
	if s.log == nil {
		s.log = logger.GetLogger()
	}

	var retry []tasks.HandlerOption
	if opts.Retry.MaxAttempts > 1 {
		retry = append(retry, tasks.WithRetry(opts.Retry))
	}
	q.Register(OpGenerate, func(ctx context.Context, p any) (any, error) {
		return s.Generate(ctx, p.(GenerateRequest))
	}, retry...)
	q.Register(OpListModels, func(ctx context.Context, p any) (any, error) {
		return s.ListModels(ctx, p.(string))
	}, retry...)
	q.Register(OpMerge, func(ctx context.Context, p any) (any, error) {
		return s.Merge(ctx, p.(MergeRequest))
	})
	q.Register(OpClearSession, func(ctx context.Context, p any) (any, error) {
		return s.ClearSession(ctx, p.(string))
	})
	return s
}

// SubmitGenerate queues a generation.
func (s *Service) SubmitGenerate(req GenerateRequest) (tasks.Handle, error) {
	return s.queue.Submit(OpGenerate, req)
}

// SubmitMerge queues a merge.
func (s *Service) SubmitMerge(req MergeRequest) (tasks.Handle, error) {
	return s.queue.Submit(OpMerge, req)
}

// SubmitListModels queues a listing of the models visible to scope.
func (s *Service) SubmitListModels(scope string) (tasks.Handle, error) {
	return s.queue.Submit(OpListModels, scope)
}

// SubmitClearSession queues the removal of every model of scope.
func (s *Service) SubmitClearSession(scope string) (tasks.Handle, error) {
	return s.queue.Submit(OpClearSession, scope)
}

// PollStatus reports the state of a submitted task.
func (s *Service) PollStatus(h tasks.Handle) (tasks.Status, error) {
	return s.queue.Poll(h)
}

// Generate resolves, materializes and runs a model. The result holds the
// prompt followed by the completion.
func (s *Service) Generate(ctx context.Context, req GenerateRequest) (Result, error) {
	maxNew := s.maxNewTokens
	if req.MaxNewTokens != nil {
		maxNew = *req.MaxNewTokens
	}
	temperature := s.temperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}

	r, err := s.registry.ResolveRecipe(ctx, req.Scope, req.ModelName)
	if err != nil {
		return Result{}, err
	}
	m, err := s.materializer.Materialize(ctx, r)
	if err != nil {
		return Result{}, err
	}
	gen, err := s.generator.Generate(ctx, m, req.Prompt, maxNew, temperature)
	if err != nil {
		return Result{}, err
	}

	s.log.WithFields(map[string]interface{}{
		"model":         req.ModelName,
		"prompt_tokens": gen.PromptTokens,
		"new_tokens":    gen.GeneratedTokens,
	}).Info("generation finished")
	return Result{Response: gen.Text}, nil
}

// Merge composes two models through a plan and saves the result under a
// fresh name. The plan, the lambdas and the desired name are checked before
// anything is read from the registry.
func (s *Service) Merge(ctx context.Context, req MergeRequest) (Result, error) {
	if err := recipe.ValidatePlan(req.Plan); err != nil {
		return Result{}, err
	}
	name := req.DesiredName
	if name == "" {
		name = DefaultMergedName
	}
	if err := registry.ValidateName(name); err != nil {
		return Result{}, err
	}
	emb, lin := DefaultLambdas, DefaultLambdas
	if req.EmbeddingLambdas != nil {
		emb = *req.EmbeddingLambdas
	}
	if req.LinearLambdas != nil {
		lin = *req.LinearLambdas
	}
	if err := emb.Validate("embedding"); err != nil {
		return Result{}, err
	}
	if err := lin.Validate("linear"); err != nil {
		return Result{}, err
	}

	a, err := s.registry.ResolveRecipe(ctx, req.Scope, req.Model1)
	if err != nil {
		return Result{}, err
	}
	b, err := s.registry.ResolveRecipe(ctx, req.Scope, req.Model2)
	if err != nil {
		return Result{}, err
	}
	merged, err := recipe.Compose(a, b, req.Plan, emb, lin)
	if err != nil {
		return Result{}, err
	}
	id, err := s.registry.SaveMergedModel(ctx, req.Scope, name, merged)
	if err != nil {
		return Result{}, err
	}
	return Result{Response: id}, nil
}

// ListModels returns every model visible to scope.
func (s *Service) ListModels(ctx context.Context, scope string) (Result, error) {
	names, err := s.registry.ListModels(ctx, scope)
	if err != nil {
		return Result{}, err
	}
	return Result{Response: names}, nil
}

// ClearSession drops the models of scope.
func (s *Service) ClearSession(ctx context.Context, scope string) (Result, error) {
	if err := s.registry.ClearSession(ctx, scope); err != nil {
		return Result{}, err
	}
	return Result{Response: ""}, nil
}
