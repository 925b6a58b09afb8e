package catalog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/qarun/internal/memstore"
	"github.com/mesh-intelligence/qarun/pkg/types"
)

func setupCatalog(t *testing.T) (*Catalog, *memstore.Store, types.Feature) {
	t.Helper()
	store := memstore.New()
	f, err := store.PutFeature(context.Background(), types.Feature{ProjectID: "p1", Name: "Checkout"})
	require.NoError(t, err)
	return New(store, nil), store, f
}

func TestCatalogCreate(t *testing.T) {
	ctx := context.Background()
	cat, _, f := setupCatalog(t)

	tests := []struct {
		name      string
		featureID string
		specs     []types.TestCaseSpec
		wantErr   error
		wantCount int
	}{
		{
			name:      "creates cases in order",
			featureID: f.ID,
			specs: []types.TestCaseSpec{
				{Name: "pay by card", Steps: []string{"add item", "pay"}},
				{Name: "pay by voucher"},
			},
			wantCount: 2,
		},
		{
			name:    "missing feature",
			specs:   []types.TestCaseSpec{{Name: "x"}},
			wantErr: types.ErrValidation,
		},
		{
			name:      "no specs",
			featureID: f.ID,
			wantErr:   types.ErrValidation,
		},
		{
			name:      "blank name rejects whole batch",
			featureID: f.ID,
			specs:     []types.TestCaseSpec{{Name: "ok"}, {Name: " "}},
			wantErr:   types.ErrValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before, err := cat.List(ctx, f.ID, true)
			require.NoError(t, err)

			got, err := cat.Create(ctx, tt.featureID, tt.specs)

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				after, err := cat.List(ctx, f.ID, true)
				require.NoError(t, err)
				assert.Len(t, after, len(before), "nothing is committed on validation failure")
				return
			}
			require.NoError(t, err)
			require.Len(t, got, tt.wantCount)
			assert.Equal(t, tt.specs[0].Name, got[0].Name)
			assert.Equal(t, f.ID, got[0].FeatureID)
			assert.NotEmpty(t, got[0].ID)
		})
	}
}

func TestCatalogArchiveExcludesFromTargets(t *testing.T) {
	ctx := context.Background()
	cat, _, f := setupCatalog(t)

	cases, err := cat.Create(ctx, f.ID, []types.TestCaseSpec{{Name: "A"}, {Name: "B"}, {Name: "C"}})
	require.NoError(t, err)

	_, err = cat.Archive(ctx, cases[1].ID)
	require.NoError(t, err)

	ids, err := cat.ResolveTargets(ctx, AllActive(f.ID))
	require.NoError(t, err)
	assert.Equal(t, []string{cases[0].ID, cases[2].ID}, ids)

	active, err := cat.List(ctx, f.ID, false)
	require.NoError(t, err)
	assert.Len(t, active, 2)

	all, err := cat.List(ctx, f.ID, true)
	require.NoError(t, err)
	assert.Len(t, all, 3, "archived cases stay addressable")

	_, err = cat.ResolveTargets(ctx, Explicit(cases[0].ID, cases[1].ID))
	var verr *types.ValidationError
	require.ErrorAs(t, err, &verr, "archived cases cannot be picked for a new run")
	assert.Equal(t, "targets", verr.Field)

	_, err = cat.Unarchive(ctx, cases[1].ID)
	require.NoError(t, err)
	ids, err = cat.ResolveTargets(ctx, Explicit(cases[0].ID, cases[1].ID))
	require.NoError(t, err)
	assert.Equal(t, []string{cases[0].ID, cases[1].ID}, ids)
	ids, err = cat.ResolveTargets(ctx, AllActive(f.ID))
	require.NoError(t, err)
	assert.Len(t, ids, 3)
}

func TestCatalogResolveExplicit(t *testing.T) {
	ctx := context.Background()
	cat, store, f := setupCatalog(t)
	other, err := store.PutFeature(ctx, types.Feature{ProjectID: "p1", Name: "Search"})
	require.NoError(t, err)

	mine, err := cat.Create(ctx, f.ID, []types.TestCaseSpec{{Name: "A"}, {Name: "B"}})
	require.NoError(t, err)
	theirs, err := cat.Create(ctx, other.ID, []types.TestCaseSpec{{Name: "Z"}})
	require.NoError(t, err)

	ids, err := cat.ResolveTargets(ctx, Explicit(mine[1].ID, mine[0].ID, mine[1].ID, theirs[0].ID))
	require.NoError(t, err)
	assert.Equal(t, []string{mine[1].ID, mine[0].ID, theirs[0].ID}, ids, "deduplicated, order kept")

	_, err = cat.ResolveTargets(ctx, Explicit("nope"))
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = cat.ResolveTargets(ctx, TargetSelection{FeatureID: f.ID, IDs: []string{theirs[0].ID}})
	assert.ErrorIs(t, err, types.ErrValidation, "explicit ids must belong to the selected feature")

	ids, err = cat.ResolveTargets(ctx, TargetSelection{})
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestCatalogUpdate(t *testing.T) {
	ctx := context.Background()
	cat, _, f := setupCatalog(t)
	cases, err := cat.Create(ctx, f.ID, []types.TestCaseSpec{{Name: "A", ExpectedResult: "ok"}})
	require.NoError(t, err)

	name := "A renamed"
	got, err := cat.Update(ctx, cases[0].ID, types.TestCasePatch{Name: &name, Steps: []string{"one", "two"}})
	require.NoError(t, err)
	assert.Equal(t, "A renamed", got.Name)
	assert.Equal(t, "ok", got.ExpectedResult)
	assert.Equal(t, []string{"one", "two"}, got.Steps)

	blank := ""
	_, err = cat.Update(ctx, cases[0].ID, types.TestCasePatch{Name: &blank})
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = cat.Update(ctx, "missing", types.TestCasePatch{Name: &name})
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.ErrorIs(t, err, types.ErrPersistence)
}

func TestCatalogLookup(t *testing.T) {
	ctx := context.Background()
	cat, _, f := setupCatalog(t)
	cases, err := cat.Create(ctx, f.ID, []types.TestCaseSpec{{Name: "A"}})
	require.NoError(t, err)

	lookup, err := cat.Lookup(ctx, []string{cases[0].ID, "unknown"})
	require.NoError(t, err)

	info, ok := lookup(cases[0].ID)
	require.True(t, ok)
	assert.Equal(t, "A", info.Name)
	assert.Equal(t, "Checkout", info.FeatureName)

	_, ok = lookup("unknown")
	assert.False(t, ok)
}
