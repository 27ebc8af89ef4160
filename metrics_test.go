package zorel_test

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/rezakhademix/zorel"
)

func TestMetrics_RecordsLoads(t *testing.T) {
	reg := prometheus.NewRegistry()
	f := setup(t, zorel.WithMetrics(zorel.NewMetrics("test", reg)))
	ctx := context.Background()

	require.NoError(t, f.engine.Load(ctx, f.posts, entities(&Post{ID: 1}, &Post{ID: 2}), zorel.Paths("tags", "author")))
	_ = f.engine.Load(ctx, f.trucks, entities(&Truck{ID: 1, Kind: "truck"}), zorel.Paths("parts"))

	expected := `
# HELP test_relation_loads_total Relation batch loads by relation kind and outcome
# TYPE test_relation_loads_total counter
test_relation_loads_total{kind="belongs_to",outcome="ok"} 1
test_relation_loads_total{kind="belongs_to_many",outcome="ok"} 1
test_relation_loads_total{kind="has_many",outcome="error"} 1
# HELP test_relation_queries_total Queries issued by relation batch loads
# TYPE test_relation_queries_total counter
test_relation_queries_total{kind="belongs_to"} 1
test_relation_queries_total{kind="belongs_to_many"} 2
test_relation_queries_total{kind="has_many"} 1
`
	err := testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"test_relation_loads_total", "test_relation_queries_total")
	assert.NoError(t, err)
	n, err := testutil.GatherAndCount(reg, "test_relation_load_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestLogging_RelationLoads(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	f := setup(t, zorel.WithLogger(zap.New(core)))
	ctx := context.Background()

	require.NoError(t, f.engine.Load(ctx, f.users, entities(&User{ID: 1}), zorel.Paths("posts")))

	loaded := logs.FilterMessage("relation loaded").All()
	require.Len(t, loaded, 1)
	fields := loaded[0].ContextMap()
	assert.Equal(t, "users.posts(has_many)", fields["relation"])
	assert.EqualValues(t, 2, fields["rows"])
	assert.EqualValues(t, 1, fields["queries"])

	assert.Equal(t, 1, logs.FilterMessage("sql").Len(), "the store logs through the engine logger")
	assert.NotZero(t, logs.FilterMessage("repository registered").Len())
}
