package service

import (
	"bytes"
	"context"
	"math"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shepherd-project/evolver/internal/catalog"
	"github.com/shepherd-project/evolver/internal/config"
	"github.com/shepherd-project/evolver/internal/inference"
	"github.com/shepherd-project/evolver/internal/logger"
	"github.com/shepherd-project/evolver/internal/materialize"
	"github.com/shepherd-project/evolver/internal/recipe"
	"github.com/shepherd-project/evolver/internal/registry"
	"github.com/shepherd-project/evolver/internal/storage"
	"github.com/shepherd-project/evolver/internal/tasks"
	"github.com/shepherd-project/evolver/internal/testutil"
	"github.com/shepherd-project/evolver/internal/types"
)

// spyStore counts reads so tests can assert that validation happens first.
type spyStore struct {
	storage.Store
	reads atomic.Int32
}

func (s *spyStore) GetModel(ctx context.Context, scope, name string) (recipe.Recipe, error) {
	s.reads.Add(1)
	return s.Store.GetModel(ctx, scope, name)
}

type fixture struct {
	t     *testing.T
	svc   *Service
	queue *tasks.Queue
	store *spyStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	testutil.ModelDir(t, root, "svamp", 2, 1)
	testutil.ModelDir(t, root, "tinystories", 2, 2)
	testutil.WriteTokenizer(t, filepath.Join(root, "gpt2-medium"))

	log := logger.New(&bytes.Buffer{}, "error", false)
	cat, err := catalog.New(config.CatalogConfig{
		ModelsDir:     root,
		TokenizerPath: "gpt2-medium",
		WeightsFile:   testutil.WeightsFile,
		Models: []config.ModelEntry{
			{Name: "svamp", Depth: 2},
			{Name: "tinystories", Depth: 2},
		},
	}, catalog.WithLogger(log))
	require.NoError(t, err)

	mem, err := storage.NewMemoryStore()
	require.NoError(t, err)
	t.Cleanup(func() { mem.Close() })
	store := &spyStore{Store: mem}

	reg := registry.New(store, cat, registry.Options{SessionTTL: time.Hour, Logger: log})
	_, err = reg.RegisterBaseModels(context.Background())
	require.NoError(t, err)

	q := tasks.New(tasks.Options{Workers: 2, QueueSize: 16, Logger: log})
	svc := New(q, reg,
		materialize.New(cat, materialize.Options{Workers: 2, Logger: log}),
		inference.New(cat, inference.Options{Seed: 7, Logger: log}),
		Options{MaxNewTokens: 8, Temperature: 0, Logger: log})
	q.Start()
	t.Cleanup(func() { q.Stop(context.Background()) })

	return &fixture{t: t, svc: svc, queue: q, store: store}
}

// await waits for a submitted task to finish.
func (f *fixture) await(h tasks.Handle, err error) tasks.Status {
	f.t.Helper()
	return f.wait(f.t, h, err)
}

func (f *fixture) wait(t *testing.T, h tasks.Handle, err error) tasks.Status {
	t.Helper()
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	st, err := f.queue.Wait(ctx, h)
	require.NoError(t, err)
	return st
}

func identityPlan(depth, selector int) recipe.MergePlan {
	plan := make(recipe.MergePlan, depth)
	for i := range plan {
		plan[i] = []recipe.PlanTerm{{Index: i, Selector: selector, Alpha: 1}}
	}
	return plan
}

func TestListModels(t *testing.T) {
	f := newFixture(t)
	st := f.await(f.svc.SubmitListModels("s1"))
	require.Equal(t, tasks.StateSuccess, st.State)
	assert.Equal(t, Result{Response: []string{"svamp", "tinystories"}}, st.Result)
}

func TestMergeThenGenerate(t *testing.T) {
	f := newFixture(t)
	one := recipe.LambdaPair{1, 1}

	st := f.await(f.svc.SubmitMerge(MergeRequest{
		Scope:            "s1",
		Model1:           "svamp",
		Model2:           "tinystories",
		Plan:             identityPlan(2, 0),
		EmbeddingLambdas: &one,
		LinearLambdas:    &one,
	}))
	require.Equal(t, tasks.StateSuccess, st.State, "%v", st.Error)
	assert.Equal(t, Result{Response: "merged_0"}, st.Result)

	// The merge is exactly svamp, so both generate the same text.
	prompt := "Mary had 7 spiders"
	merged := f.await(f.svc.SubmitGenerate(GenerateRequest{Scope: "s1", ModelName: "merged_0", Prompt: prompt}))
	base := f.await(f.svc.SubmitGenerate(GenerateRequest{Scope: "s1", ModelName: "svamp", Prompt: prompt}))
	require.Equal(t, tasks.StateSuccess, merged.State, "%v", merged.Error)
	require.Equal(t, tasks.StateSuccess, base.State, "%v", base.Error)
	assert.Equal(t, base.Result, merged.Result)

	text := merged.Result.(Result).Response.(string)
	assert.Contains(t, text, prompt)

	st = f.await(f.svc.SubmitListModels("s1"))
	assert.Equal(t, Result{Response: []string{"merged_0", "svamp", "tinystories"}}, st.Result)

	// Other sessions do not see it.
	st = f.await(f.svc.SubmitGenerate(GenerateRequest{Scope: "s2", ModelName: "merged_0", Prompt: prompt}))
	require.Equal(t, tasks.StateFailure, st.State)
	assert.Equal(t, types.ErrNotFound, st.Error.Code)
}

func TestMergeDefaults(t *testing.T) {
	f := newFixture(t)
	st := f.await(f.svc.SubmitMerge(MergeRequest{
		Scope:  "s1",
		Model1: "svamp",
		Model2: "tinystories",
		Plan:   recipe.MergePlan{{{Index: 0, Selector: 0, Alpha: 0.5}, {Index: 1, Selector: 1, Alpha: 0.5}}},
	}))
	require.Equal(t, tasks.StateSuccess, st.State, "%v", st.Error)
	assert.Equal(t, Result{Response: "merged_0"}, st.Result)

	r, err := f.store.Store.GetModel(context.Background(), "s1", "merged_0")
	require.NoError(t, err)
	// Both bases carry (1, 1), so any blend of them stays (1, 1).
	assert.Equal(t, recipe.Unit, r.EmbeddingLambdas)
	assert.Equal(t, recipe.Unit, r.LinearLambdas)
	require.Len(t, r.Layers, 1)
	assert.Len(t, r.Layers[0], 2)

	// Merging a merge stays flat.
	st = f.await(f.svc.SubmitMerge(MergeRequest{
		Scope:       "s1",
		Model1:      "merged_0",
		Model2:      "svamp",
		Plan:        recipe.MergePlan{{{Index: 0, Selector: 0, Alpha: 1}, {Index: 0, Selector: 1, Alpha: 1}}},
		DesiredName: "child",
	}))
	require.Equal(t, tasks.StateSuccess, st.State, "%v", st.Error)
	assert.Equal(t, Result{Response: "child_0"}, st.Result)
	r, err = f.store.Store.GetModel(context.Background(), "s1", "child_0")
	require.NoError(t, err)
	assert.Equal(t, []recipe.LayerContribution{
		{SourceLayer: 0, SourceModel: "svamp", Coefficient: 1.5},
		{SourceLayer: 1, SourceModel: "tinystories", Coefficient: 0.5},
	}, r.Layers[0])
}

func TestMergeRejectsLongPlanBeforeReading(t *testing.T) {
	f := newFixture(t)
	before := f.store.reads.Load()

	st := f.await(f.svc.SubmitMerge(MergeRequest{
		Scope:  "s1",
		Model1: "svamp",
		Model2: "tinystories",
		Plan:   identityPlan(recipe.MaxLayers+1, 0),
	}))
	require.Equal(t, tasks.StateFailure, st.State)
	assert.Equal(t, types.ErrValidation, st.Error.Code)
	assert.Equal(t, "Layer recipe too long. Max 48 layers supported.", st.Error.Message)
	assert.Equal(t, before, f.store.reads.Load(), "no store reads before validation")

	st = f.await(f.svc.SubmitMerge(MergeRequest{
		Scope:       "s1",
		Model1:      "svamp",
		Model2:      "tinystories",
		Plan:        identityPlan(2, 0),
		DesiredName: "bad name!",
	}))
	assert.Equal(t, types.ErrValidation, st.Error.Code)
	assert.Equal(t, before, f.store.reads.Load())

	nan := recipe.LambdaPair{math.NaN(), 0.5}
	st = f.await(f.svc.SubmitMerge(MergeRequest{
		Scope:         "s1",
		Model1:        "svamp",
		Model2:        "tinystories",
		Plan:          identityPlan(2, 0),
		LinearLambdas: &nan,
	}))
	require.Equal(t, tasks.StateFailure, st.State)
	assert.Equal(t, types.ErrValidation, st.Error.Code)
	assert.Contains(t, st.Error.Message, "linear lambdas")
	assert.Equal(t, before, f.store.reads.Load())
}

func TestMergeBlendsLambdasOfMergedModels(t *testing.T) {
	f := newFixture(t)
	zero := recipe.LambdaPair{0, 0}
	half := recipe.LambdaPair{0.5, 0.5}

	// Base recipes always carry (1, 1); a (0, 0) recipe takes the second
	// designated model's embeddings and head.
	other := recipe.Identity("tinystories", 2)
	other.EmbeddingLambdas = zero
	other.LinearLambdas = zero
	require.NoError(t, f.store.Store.CreateModel(context.Background(), "s1", "other_0", other, time.Hour))

	st := f.await(f.svc.SubmitMerge(MergeRequest{
		Scope:            "s1",
		Model1:           "other_0",
		Model2:           "svamp",
		Plan:             identityPlan(2, 0),
		EmbeddingLambdas: &half,
		LinearLambdas:    &half,
		DesiredName:      "blend",
	}))
	require.Equal(t, tasks.StateSuccess, st.State, "%v", st.Error)

	r, err := f.store.Store.GetModel(context.Background(), "s1", "blend_0")
	require.NoError(t, err)
	assert.Equal(t, half, r.EmbeddingLambdas)
	assert.Equal(t, half, r.LinearLambdas)

	// Materializing it still works on the blended pair.
	st = f.await(f.svc.SubmitGenerate(GenerateRequest{Scope: "s1", ModelName: "blend_0", Prompt: "hi"}))
	assert.Equal(t, tasks.StateSuccess, st.State, "%v", st.Error)
}

func TestMergeAtLayerCap(t *testing.T) {
	f := newFixture(t)
	plan := make(recipe.MergePlan, recipe.MaxLayers)
	for i := range plan {
		plan[i] = []recipe.PlanTerm{{Index: i % 2, Selector: i % 2, Alpha: 1}}
	}
	st := f.await(f.svc.SubmitMerge(MergeRequest{Scope: "s1", Model1: "svamp", Model2: "tinystories", Plan: plan}))
	require.Equal(t, tasks.StateSuccess, st.State, "%v", st.Error)

	st = f.await(f.svc.SubmitGenerate(GenerateRequest{Scope: "s1", ModelName: "merged_0", Prompt: "hello"}))
	assert.Equal(t, tasks.StateSuccess, st.State, "%v", st.Error)
}

func TestMergeErrors(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		req  MergeRequest
		want types.ErrorCode
	}{
		{"unknown model", MergeRequest{Scope: "s1", Model1: "ghost", Model2: "svamp", Plan: identityPlan(1, 0)}, types.ErrNotFound},
		{"index out of range", MergeRequest{Scope: "s1", Model1: "svamp", Model2: "tinystories", Plan: recipe.MergePlan{{{Index: 5, Selector: 1, Alpha: 1}}}}, types.ErrValidation},
		{"bad selector", MergeRequest{Scope: "s1", Model1: "svamp", Model2: "tinystories", Plan: recipe.MergePlan{{{Index: 0, Selector: 2, Alpha: 1}}}}, types.ErrValidation},
		{"empty plan", MergeRequest{Scope: "s1", Model1: "svamp", Model2: "tinystories"}, types.ErrValidation},
		{"reserved scope", MergeRequest{Scope: registry.DefaultScope, Model1: "svamp", Model2: "tinystories", Plan: identityPlan(1, 0)}, types.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := f.svc.SubmitMerge(tt.req)
			st := f.wait(t, h, err)
			require.Equal(t, tasks.StateFailure, st.State)
			assert.Equal(t, tt.want, st.Error.Code)
		})
	}
}

func TestNamingExhaustedThroughService(t *testing.T) {
	f := newFixture(t)
	req := MergeRequest{Scope: "s1", Model1: "svamp", Model2: "tinystories", Plan: identityPlan(1, 0), DesiredName: "x"}
	for i := 0; i < registry.MaxNameAttempts; i++ {
		st := f.await(f.svc.SubmitMerge(req))
		require.Equal(t, tasks.StateSuccess, st.State, "%v", st.Error)
	}
	st := f.await(f.svc.SubmitMerge(req))
	require.Equal(t, tasks.StateFailure, st.State)
	assert.Equal(t, types.ErrNamingExhausted, st.Error.Code)
}

func TestGenerateOverrides(t *testing.T) {
	f := newFixture(t)
	zero := 0
	st := f.await(f.svc.SubmitGenerate(GenerateRequest{Scope: "s1", ModelName: "svamp", Prompt: "abc", MaxNewTokens: &zero}))
	require.Equal(t, tasks.StateSuccess, st.State, "%v", st.Error)
	assert.Equal(t, Result{Response: "abc"}, st.Result)

	negative := -1.0
	st = f.await(f.svc.SubmitGenerate(GenerateRequest{Scope: "s1", ModelName: "svamp", Prompt: "abc", Temperature: &negative}))
	require.Equal(t, tasks.StateFailure, st.State)
	assert.Equal(t, types.ErrInference, st.Error.Code)
}

func TestClearSession(t *testing.T) {
	f := newFixture(t)
	st := f.await(f.svc.SubmitMerge(MergeRequest{Scope: "s1", Model1: "svamp", Model2: "tinystories", Plan: identityPlan(2, 1)}))
	require.Equal(t, tasks.StateSuccess, st.State, "%v", st.Error)

	st = f.await(f.svc.SubmitClearSession("s1"))
	require.Equal(t, tasks.StateSuccess, st.State, "%v", st.Error)
	assert.Equal(t, Result{Response: ""}, st.Result)

	st = f.await(f.svc.SubmitListModels("s1"))
	assert.Equal(t, Result{Response: []string{"svamp", "tinystories"}}, st.Result)

	polled, err := f.svc.PollStatus(st.ID)
	require.NoError(t, err)
	assert.Equal(t, tasks.StateSuccess, polled.State)
}
