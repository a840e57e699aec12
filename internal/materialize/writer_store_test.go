package materialize

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/aqi-forecast/internal/featurestore"
	"github.com/i474232898/aqi-forecast/internal/featurestore/memory"
)

// droppingGroup lets another writer land a batch, then loses the connection
// before our own insert reaches the store. Later calls pass through.
type droppingGroup struct {
	featurestore.FeatureGroup
	drops int
	calls int
}

func (g *droppingGroup) Insert(ctx context.Context, rows []featurestore.Row, opts featurestore.WriteOptions) (string, error) {
	g.calls++
	if g.calls <= g.drops {
		foreign := []featurestore.Row{{"event_time": "2024-03-01T00:00:00Z", "horizon": 9}}
		if _, err := g.FeatureGroup.Insert(ctx, foreign, featurestore.WriteOptions{Upsert: true, WriteID: "other-writer"}); err != nil {
			return "", err
		}
		return "", connReset
	}
	return g.FeatureGroup.Insert(ctx, rows, opts)
}

func TestUpsertDoesNotAdoptForeignWrite(t *testing.T) {
	ctx := context.Background()
	store := memory.New(memory.Options{})
	base, err := store.GetOrCreateFeatureGroup(ctx, featurestore.GroupSpec{Name: "aqi_predictions_v2", Version: 1, PrimaryKey: "event_time"})
	require.NoError(t, err)

	fg := &droppingGroup{FeatureGroup: base, drops: 1}
	job, err := newTestWriter(newFakeClock()).Upsert(ctx, fg, testRows)
	require.NoError(t, err)
	assert.Equal(t, 2, fg.calls)
	assert.NotEqual(t, "other-writer", job.WriteID)

	rows, err := base.Read(ctx)
	require.NoError(t, err)
	keys := make([]any, 0, len(rows))
	for _, r := range rows {
		keys = append(keys, r["event_time"])
	}
	assert.Contains(t, keys, "2024-03-10T00:00:00Z")
	assert.Len(t, rows, 2)
}

func TestUpsertFailsWhenOnlyForeignWritesLand(t *testing.T) {
	ctx := context.Background()
	store := memory.New(memory.Options{})
	base, err := store.GetOrCreateFeatureGroup(ctx, featurestore.GroupSpec{Name: "aqi_predictions_v2", Version: 1, PrimaryKey: "event_time"})
	require.NoError(t, err)

	fg := &droppingGroup{FeatureGroup: base, drops: 5}
	_, err = newTestWriter(newFakeClock()).Upsert(ctx, fg, testRows)
	assert.ErrorIs(t, err, ErrWriteFailed)
	assert.Equal(t, 5, fg.calls)

	rows, err := base.Read(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "2024-03-01T00:00:00Z", rows[0]["event_time"])
}
