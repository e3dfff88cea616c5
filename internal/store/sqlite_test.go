package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/visibility-engine/internal/model"
	"github.com/sells-group/visibility-engine/internal/normalize"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func newRun(fp string, brands, prompts, models []string) NewRun {
	return NewRun{
		Fingerprint: fp,
		Brands:      normalize.Unique(brands),
		Prompts:     normalize.Unique(prompts),
		Models:      models,
	}
}

// --- Runs ---

func TestSQLite_CreateRun(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	run, created, err := st.CreateRun(ctx, newRun("fp1", []string{"Acme", "Contoso"}, []string{"Best CRM?", "Cheapest CRM?"}, []string{"mock-model"}))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, model.RunStatusPending, run.Status)

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, "fp1", got.Fingerprint)
	assert.Equal(t, []string{"mock-model"}, got.Models)
	assert.Equal(t, run.CreatedAt.UnixNano(), got.CreatedAt.UnixNano())

	brands, err := st.RunBrands(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, brands, 2)
	assert.Equal(t, "Acme", brands[0].Name)
	assert.Equal(t, "Contoso", brands[1].Name)

	prompts, err := st.RunPrompts(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, prompts, 2)
	assert.Equal(t, "Best CRM?", prompts[0].Text)
	assert.Equal(t, "best crm?", prompts[0].CanonicalKey)
}

func TestSQLite_GetRun_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)

	_, err := st.GetRun(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = st.FindActiveRun(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_CreateRun_DedupActive(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	first, created, err := st.CreateRun(ctx, newRun("fp", []string{"Acme"}, []string{"p"}, []string{"mock-model"}))
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := st.CreateRun(ctx, newRun("fp", []string{"Acme"}, []string{"p"}, []string{"mock-model"}))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	runs, err := st.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestSQLite_CreateRun_FailedDoesNotBlock(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	first, _, err := st.CreateRun(ctx, newRun("fp", []string{"Acme"}, []string{"p"}, []string{"mock-model"}))
	require.NoError(t, err)
	ok, err := st.TransitionRun(ctx, first.ID, model.RunStatusPending, model.RunStatusFailed, "unknown model")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = st.FindActiveRun(ctx, "fp")
	assert.ErrorIs(t, err, ErrNotFound)

	second, created, err := st.CreateRun(ctx, newRun("fp", []string{"Acme"}, []string{"p"}, []string{"mock-model"}))
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, second.ID)

	failed, err := st.GetRun(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, failed.Status)
	assert.Equal(t, "unknown model", failed.Error)
}

func TestSQLite_CreateRun_ConcurrentIdentical(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	const n = 8
	ids := make([]string, n)
	createdCount := 0
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run, created, err := st.CreateRun(ctx, newRun("same", []string{"Acme"}, []string{"p"}, []string{"mock-model"}))
			require.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			ids[i] = run.ID
			if created {
				createdCount++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, createdCount)
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func TestSQLite_BrandsSharedAcrossRuns(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	runIDs := make([]string, 6)
	for i := range runIDs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Different prompts give different fingerprints but the same brand.
			brand := "Acme"
			if i%2 == 1 {
				brand = " ACME "
			}
			run, _, err := st.CreateRun(ctx, newRun(fmt.Sprintf("fp-%d", i), []string{brand}, []string{fmt.Sprintf("prompt %d", i)}, []string{"mock-model"}))
			require.NoError(t, err)
			runIDs[i] = run.ID
		}()
	}
	wg.Wait()

	var count int
	require.NoError(t, st.db.QueryRow(`SELECT COUNT(*) FROM brands`).Scan(&count))
	assert.Equal(t, 1, count)

	brandIDs := map[string]bool{}
	for _, id := range runIDs {
		brands, err := st.RunBrands(ctx, id)
		require.NoError(t, err)
		require.Len(t, brands, 1)
		brandIDs[brands[0].ID] = true
	}
	assert.Len(t, brandIDs, 1)
}

func TestSQLite_TransitionRun_CompareAndSet(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	run, _, err := st.CreateRun(ctx, newRun("fp", []string{"Acme"}, []string{"p"}, []string{"mock-model"}))
	require.NoError(t, err)

	ok, err := st.TransitionRun(ctx, run.ID, model.RunStatusPending, model.RunStatusRunning, "")
	require.NoError(t, err)
	assert.True(t, ok)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := st.TransitionRun(ctx, run.ID, model.RunStatusRunning, model.RunStatusCompleted, "")
			require.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, got.Status)

	_, err = st.TransitionRun(ctx, run.ID, model.RunStatusCompleted, model.RunStatusFailed, "")
	assert.Error(t, err)
}

func TestSQLite_ListRuns(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	var ids []string
	for i := range 5 {
		run, _, err := st.CreateRun(ctx, newRun(fmt.Sprintf("fp-%d", i), []string{"Acme"}, []string{fmt.Sprintf("p%d", i)}, []string{"mock-model"}))
		require.NoError(t, err)
		ids = append(ids, run.ID)
	}
	_, err := st.TransitionRun(ctx, ids[0], model.RunStatusPending, model.RunStatusRunning, "")
	require.NoError(t, err)

	all, err := st.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 5)
	assert.Equal(t, ids[4], all[0].ID, "newest first")

	page, err := st.ListRuns(ctx, RunFilter{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[3], page[0].ID)

	running, err := st.ListRuns(ctx, RunFilter{Status: model.RunStatusRunning})
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, ids[0], running[0].ID)
}

// --- Responses ---

func TestSQLite_CountRuns(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	counts, err := st.CountRuns(ctx)
	require.NoError(t, err)
	assert.Empty(t, counts)

	var ids []string
	for i := range 3 {
		run, _, err := st.CreateRun(ctx, newRun(fmt.Sprintf("fp-%d", i), []string{"Acme"}, []string{"p"}, []string{"mock-model"}))
		require.NoError(t, err)
		ids = append(ids, run.ID)
	}
	_, err = st.TransitionRun(ctx, ids[0], model.RunStatusPending, model.RunStatusFailed, "boom")
	require.NoError(t, err)

	counts, err = st.CountRuns(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[model.RunStatus]int{model.RunStatusPending: 2, model.RunStatusFailed: 1}, counts)
}

func TestSQLite_SaveAndListResponses(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	run, _, err := st.CreateRun(ctx, newRun("fp", []string{"Acme", "Globex"}, []string{"Best CRM?"}, []string{"mock-model", "gpt-4o"}))
	require.NoError(t, err)
	brands, err := st.RunBrands(ctx, run.ID)
	require.NoError(t, err)
	prompts, err := st.RunPrompts(ctx, run.ID)
	require.NoError(t, err)

	ok, err := st.SaveResponse(ctx, &model.Response{
		RunID: run.ID, PromptID: prompts[0].ID, Model: "mock-model", Provider: "mock",
		RawText: "Acme is great", LatencyMs: 12.5, InputTokens: 3, OutputTokens: 4, CostUSD: 0.01,
		Mentions: []model.Mention{
			{BrandID: brands[0].ID, Mentioned: true, Count: 1, Position: 0},
			{BrandID: brands[1].ID, Position: -1},
		},
	})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = st.SaveResponse(ctx, &model.Response{
		RunID: run.ID, PromptID: prompts[0].ID, Model: "gpt-4o", Provider: "openai",
		Error: "invalid api key", ErrorKind: "non_retryable",
	})
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := st.ListResponses(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)

	byModel := map[string]model.Response{}
	for _, r := range got {
		byModel[r.Model] = r
	}

	okResp := byModel["mock-model"]
	assert.Equal(t, "Best CRM?", okResp.PromptText)
	assert.Equal(t, "Acme is great", okResp.RawText)
	assert.InDelta(t, 12.5, okResp.LatencyMs, 0.001)
	assert.Equal(t, int64(4), okResp.OutputTokens)
	require.Len(t, okResp.Mentions, 2)
	assert.Equal(t, "Acme", okResp.Mentions[0].BrandName)
	assert.True(t, okResp.Mentions[0].Mentioned)
	assert.Equal(t, -1, okResp.Mentions[1].Position)

	errResp := byModel["gpt-4o"]
	assert.True(t, errResp.Failed())
	assert.Equal(t, "non_retryable", errResp.ErrorKind)
	assert.Empty(t, errResp.Mentions)
}

func TestSQLite_SaveResponse_Idempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	run, _, err := st.CreateRun(ctx, newRun("fp", []string{"Acme"}, []string{"p"}, []string{"mock-model"}))
	require.NoError(t, err)
	prompts, err := st.RunPrompts(ctx, run.ID)
	require.NoError(t, err)

	resp := func(text string) *model.Response {
		return &model.Response{RunID: run.ID, PromptID: prompts[0].ID, Model: "mock-model", RawText: text}
	}

	ok, err := st.SaveResponse(ctx, resp("first"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = st.SaveResponse(ctx, resp("second"))
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := st.ListResponses(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "first", got[0].RawText)
}

func TestSQLite_ListResponses_Empty(t *testing.T) {
	st := newTestSQLiteStore(t)

	got, err := st.ListResponses(context.Background(), "nope")
	require.NoError(t, err)
	assert.Empty(t, got)
}

// --- API keys ---

func TestSQLite_APIKeys(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, err := st.GetAPIKey(ctx, "openai")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, st.PutAPIKey(ctx, model.APIKey{Provider: "openai", SealedKey: "v1"}))
	require.NoError(t, st.PutAPIKey(ctx, model.APIKey{Provider: "gemini", SealedKey: "g1"}))
	require.NoError(t, st.PutAPIKey(ctx, model.APIKey{Provider: "openai", SealedKey: "v2"}))

	k, err := st.GetAPIKey(ctx, "openai")
	require.NoError(t, err)
	assert.Equal(t, "v2", k.SealedKey)
	assert.False(t, k.UpdatedAt.IsZero())

	keys, err := st.ListAPIKeys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, "gemini", keys[0].Provider)
	assert.Equal(t, "openai", keys[1].Provider)
}

func TestSQLite_MigrateIdempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	require.NoError(t, st.Migrate(context.Background()))
	require.NoError(t, st.Ping(context.Background()))
}

func TestSQLite_CreateRun_InsertedFailed(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	in := newRun("fp", []string{"Acme"}, []string{"p"}, []string{"gpt-4o"})
	in.Status = model.RunStatusFailed
	in.Error = "no credentials for openai"
	run, created, err := st.CreateRun(ctx, in)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, model.RunStatusFailed, run.Status)
	assert.Equal(t, "no credentials for openai", run.Error)

	stored, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, stored.Status)
	assert.Equal(t, "no credentials for openai", stored.Error)

	_, err = st.FindActiveRun(ctx, "fp")
	assert.ErrorIs(t, err, ErrNotFound)

	// A second unservable request records its own failed run.
	again, created, err := st.CreateRun(ctx, in)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, run.ID, again.ID)
}

func TestSQLite_CreateRun_RejectsOtherInitialStatus(t *testing.T) {
	st := newTestSQLiteStore(t)

	in := newRun("fp", []string{"Acme"}, []string{"p"}, []string{"mock-model"})
	in.Status = model.RunStatusCompleted
	_, _, err := st.CreateRun(context.Background(), in)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot start as completed")
}
