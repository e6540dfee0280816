package ensemble

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat"

	"github.com/HatiCode/gridcast/pkg/artifacts"
	"github.com/HatiCode/gridcast/pkg/models"
	"github.com/HatiCode/gridcast/pkg/series"
)

var (
	testEnd = time.Date(2025, 3, 10, 23, 0, 0, 0, time.UTC)
	testNow = time.Date(2025, 3, 11, 0, 5, 0, 0, time.UTC)
)

func testOptions() Options {
	return Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:    func() time.Time { return testNow },
	}
}

// constantSeasonal forecasts a flat level: SARIMA(0,0,0) with intercept.
func constantSeasonal(level float64) *artifacts.Artifact {
	return &artifacts.Artifact{
		Kind:          artifacts.KindSeasonal,
		FormatVersion: artifacts.FormatVersion,
		InputWindow:   1,
		OutputHorizon: 1,
		Seasonal:      &artifacts.SeasonalPayload{Intercept: level},
	}
}

// constantNeural forecasts a flat level through the dense head bias.
func constantNeural(level float64, window int) *artifacts.Artifact {
	return &artifacts.Artifact{
		Kind:          artifacts.KindNeural,
		FormatVersion: artifacts.FormatVersion,
		InputWindow:   window,
		OutputHorizon: 1,
		Normalization: &artifacts.Normalization{Scale: level, Offset: 0},
		Neural: &artifacts.NeuralPayload{
			HiddenSize: 1,
			W:          make([]float64, 4),
			U:          make([]float64, 4),
			B:          make([]float64, 4),
			DenseW:     []float64{0},
			DenseB:     []float64{1},
		},
	}
}

func flatHistory(n int, v float64) series.Historical {
	values := make([]float64, n)
	for i := range values {
		values[i] = v
	}
	return series.FromValues("acme", testEnd, values)
}

func metadata(seasonalRMSE, neuralRMSE float64) *artifacts.Metadata {
	return &artifacts.Metadata{Models: map[artifacts.Kind]artifacts.Record{
		artifacts.KindSeasonal: {RMSE: seasonalRMSE},
		artifacts.KindNeural:   {RMSE: neuralRMSE},
	}}
}

type fakePredictor struct {
	kind   artifacts.Kind
	values func(horizon int) ([]float64, error)
	block  time.Duration
}

func (f *fakePredictor) Name() string         { return f.kind.ShortName() }
func (f *fakePredictor) Kind() artifacts.Kind { return f.kind }
func (f *fakePredictor) MinHistory() int      { return 0 }
func (f *fakePredictor) Predict(ctx context.Context, _ series.Historical, horizon int) ([]float64, error) {
	if f.block > 0 {
		time.Sleep(f.block)
	}
	return f.values(horizon)
}

func fakeFactory(preds map[artifacts.Kind]*fakePredictor) PredictorFactory {
	return func(a *artifacts.Artifact) (models.Predictor, error) {
		return preds[a.Kind], nil
	}
}

func assertInvariants(t *testing.T, res *Result, horizon int) {
	t.Helper()
	require.Len(t, res.Points, horizon)
	for i, p := range res.Points {
		assert.LessOrEqual(t, p.LowerBound, p.PointEstimate, "step %d", i)
		assert.LessOrEqual(t, p.PointEstimate, p.UpperBound, "step %d", i)
		assert.False(t, math.IsNaN(p.PointEstimate), "step %d", i)
		if i > 0 {
			assert.Equal(t, time.Hour, p.Timestamp.Sub(res.Points[i-1].Timestamp))
		}
	}
	assert.NotEmpty(t, res.ID)
}

func TestForecast_TwoAdaptersDisagree(t *testing.T) {
	tests := []struct {
		name     string
		metadata *artifacts.Metadata
		lower    float64
		upper    float64
	}{
		// Spread is the population std of 200 and 220, with no floor.
		{name: "no metadata", metadata: nil, lower: 200, upper: 220},
		// Same spread plus the shared RMSE of 10 as floor.
		{name: "equal rmse", metadata: metadata(10, 10), lower: 190, upper: 230},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := artifacts.NewStatic(tt.metadata, constantSeasonal(200), constantNeural(220, 24))
			c := New(provider, nil, testOptions())

			res, err := c.Forecast(context.Background(), Request{
				Tenant:       "acme",
				HorizonHours: 12,
				History:      flatHistory(48, 205),
			})
			require.NoError(t, err)
			assertInvariants(t, res, 12)

			assert.False(t, res.Fallback)
			assert.Empty(t, res.Excluded)
			for _, p := range res.Points {
				assert.InDelta(t, 210, p.PointEstimate, 1e-9)
				assert.InDelta(t, tt.lower, p.LowerBound, 1e-9)
				assert.InDelta(t, tt.upper, p.UpperBound, 1e-9)
				require.Len(t, p.Contributions, 2)
				for _, contrib := range p.Contributions {
					assert.Equal(t, StatusActive, contrib.Status)
					assert.InDelta(t, 0.5, contrib.Weight, 1e-12)
				}
			}
			assert.Len(t, res.PerModel, 2)
			assert.Equal(t, testEnd.Add(time.Hour), res.Points[0].Timestamp)
		})
	}
}

func TestForecast_SingleAdapterWithoutMetadataHasWidth(t *testing.T) {
	t.Run("seasonal residual std", func(t *testing.T) {
		art := constantSeasonal(200)
		art.Seasonal.ResidualStdDev = 7
		c := New(artifacts.NewStatic(nil, art), nil, testOptions())

		res, err := c.Forecast(context.Background(), Request{Tenant: "acme", HorizonHours: 3, History: flatHistory(48, 200)})
		require.NoError(t, err)
		assertInvariants(t, res, 3)
		assert.False(t, res.Fallback)
		for _, p := range res.Points {
			assert.Greater(t, p.UpperBound, p.LowerBound)
			assert.InDelta(t, 193, p.LowerBound, 1e-9)
			assert.InDelta(t, 207, p.UpperBound, 1e-9)
		}
	})

	t.Run("history std", func(t *testing.T) {
		history := series.FromValues("acme", testEnd, []float64{100, 110, 120, 110, 100, 110})
		_, std := history.Stats()
		c := New(artifacts.NewStatic(nil, constantNeural(110, 2)), nil, testOptions())

		res, err := c.Forecast(context.Background(), Request{Tenant: "acme", HorizonHours: 3, History: history})
		require.NoError(t, err)
		assertInvariants(t, res, 3)
		assert.False(t, res.Fallback)
		for _, p := range res.Points {
			assert.Greater(t, p.UpperBound, p.LowerBound)
			assert.InDelta(t, std, p.UpperBound-p.PointEstimate, 1e-9)
		}
	})
}

// swappingProvider serves whichever artifact set was published last.
type swappingProvider struct {
	cur atomic.Pointer[artifacts.Static]
}

func (p *swappingProvider) Load(kind artifacts.Kind) (*artifacts.Artifact, error) {
	return p.cur.Load().Load(kind)
}
func (p *swappingProvider) AvailableKinds() []artifacts.Kind { return p.cur.Load().AvailableKinds() }
func (p *swappingProvider) Metadata() (artifacts.Metadata, bool) {
	return p.cur.Load().Metadata()
}

func TestForecast_PredictorCacheFollowsReload(t *testing.T) {
	provider := &swappingProvider{}
	provider.cur.Store(artifacts.NewStatic(nil, constantSeasonal(200)))

	builds := 0
	c := New(provider, nil, testOptions()).WithPredictorFactory(func(a *artifacts.Artifact) (models.Predictor, error) {
		builds++
		return models.BuildPredictor(a)
	})
	req := Request{Tenant: "acme", HorizonHours: 2, History: flatHistory(4, 200)}

	for range 3 {
		res, err := c.Forecast(context.Background(), req)
		require.NoError(t, err)
		assert.InDelta(t, 200, res.Points[0].PointEstimate, 1e-9)
	}
	assert.Equal(t, 1, builds, "adapter should be reused while the artifact is unchanged")

	provider.cur.Store(artifacts.NewStatic(nil, constantSeasonal(300)))
	res, err := c.Forecast(context.Background(), req)
	require.NoError(t, err)
	assert.InDelta(t, 300, res.Points[0].PointEstimate, 1e-9)
	assert.Equal(t, 2, builds)

	n := 0
	c.predictors.Range(func(_, _ any) bool { n++; return true })
	assert.Equal(t, 1, n, "replaced artifact should not stay cached")
}

func TestForecast_NoArtifactsFallsBack(t *testing.T) {
	// Ramp from 100 to 150 over a day, then flat for two more days.
	values := make([]float64, 0, 72)
	for i := range 24 {
		values = append(values, 100+50*float64(i)/23)
	}
	for range 48 {
		values = append(values, 150)
	}
	history := series.FromValues("acme", testEnd, values)
	mean, std := history.Stats()

	c := New(artifacts.NewStatic(nil), models.NewSynthetic(11), testOptions())
	res, err := c.Forecast(context.Background(), Request{Tenant: "acme", HorizonHours: 24, History: history})
	require.NoError(t, err)
	assertInvariants(t, res, 24)

	assert.True(t, res.Fallback)
	assert.Equal(t, ReasonNoActiveModels, res.FallbackReason)
	assert.InDelta(t, mean, stat.Mean(res.Values(), nil), std)
	require.Len(t, res.Excluded, 2)
	for _, e := range res.Excluded {
		assert.Equal(t, ReasonUnavailable, e.Reason)
	}
	for _, p := range res.Points {
		require.Len(t, p.Contributions, 1)
		assert.Equal(t, "synthetic", p.Contributions[0].Model)
		assert.Equal(t, StatusFallback, p.Contributions[0].Status)
		assert.Greater(t, p.UpperBound, p.LowerBound)
	}
}

func TestForecast_EmptyHistoryFallback(t *testing.T) {
	c := New(artifacts.NewStatic(nil), nil, testOptions())

	res, err := c.Forecast(context.Background(), Request{Tenant: "acme", HorizonHours: 6})
	require.NoError(t, err)
	assertInvariants(t, res, 6)

	assert.True(t, res.Fallback)
	assert.Equal(t, time.Date(2025, 3, 11, 1, 0, 0, 0, time.UTC), res.Points[0].Timestamp)
	for _, p := range res.Points {
		assert.InDelta(t, models.DefaultAmplitude, p.UpperBound-p.PointEstimate, 1e-9)
	}
}

func TestForecast_InsufficientHistoryExcludesNeural(t *testing.T) {
	provider := artifacts.NewStatic(metadata(5, 8), constantSeasonal(100), constantNeural(120, 24))
	c := New(provider, nil, testOptions())

	res, err := c.Forecast(context.Background(), Request{
		Tenant:       "acme",
		HorizonHours: 6,
		History:      flatHistory(10, 100),
	})
	require.NoError(t, err)
	assertInvariants(t, res, 6)

	assert.False(t, res.Fallback)
	require.Len(t, res.Excluded, 1)
	assert.Equal(t, artifacts.KindNeural, res.Excluded[0].Kind)
	assert.Equal(t, ReasonInsufficientHistory, res.Excluded[0].Reason)

	for _, p := range res.Points {
		assert.InDelta(t, 100, p.PointEstimate, 1e-9)
		// Single active model: the spread is its historical RMSE.
		assert.InDelta(t, 95, p.LowerBound, 1e-9)
		assert.InDelta(t, 105, p.UpperBound, 1e-9)

		require.Len(t, p.Contributions, 2)
		assert.Equal(t, Contribution{Model: "sarima", Weight: 1, Status: StatusActive}, p.Contributions[0])
		assert.Equal(t, StatusExcluded, p.Contributions[1].Status)
		assert.Equal(t, ReasonInsufficientHistory, p.Contributions[1].Reason)
	}
	assert.NotContains(t, res.PerModel, "lstm")
}

func TestForecast_DisabledFamily(t *testing.T) {
	provider := artifacts.NewStatic(nil, constantSeasonal(100), constantNeural(120, 1))
	c := New(provider, nil, testOptions())

	res, err := c.Forecast(context.Background(), Request{
		Tenant:       "acme",
		HorizonHours: 3,
		History:      flatHistory(5, 100),
		Disabled:     []artifacts.Kind{artifacts.KindNeural},
	})
	require.NoError(t, err)

	require.Len(t, res.Excluded, 1)
	assert.Equal(t, ReasonDisabled, res.Excluded[0].Reason)
	assert.InDelta(t, 100, res.Points[0].PointEstimate, 1e-9)
}

func TestWeights(t *testing.T) {
	tests := []struct {
		name  string
		rmses []float64
		want  []float64
	}{
		{"inverse rmse", []float64{5, 10}, []float64{2.0 / 3, 1.0 / 3}},
		{"equal rmse", []float64{4, 4}, []float64{0.5, 0.5}},
		{"missing rmse", []float64{5, 0}, []float64{0.5, 0.5}},
		{"negative rmse", []float64{-1, 3}, []float64{0.5, 0.5}},
		{"single", []float64{7}, []float64{1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			active := make([]modelOutput, len(tt.rmses))
			for i, r := range tt.rmses {
				active[i] = modelOutput{rmse: r}
			}
			assert.InDeltaSlice(t, tt.want, weights(active), 1e-12)
		})
	}
}

func TestForecast_LowerErrorGetsGreaterWeight(t *testing.T) {
	provider := artifacts.NewStatic(metadata(4, 12), constantSeasonal(200), constantNeural(220, 1))
	c := New(provider, nil, testOptions())

	res, err := c.Forecast(context.Background(), Request{Tenant: "acme", HorizonHours: 4, History: flatHistory(30, 210)})
	require.NoError(t, err)
	assertInvariants(t, res, 4)

	contribs := res.Points[0].Contributions
	assert.Greater(t, contribs[0].Weight, contribs[1].Weight)
	// 0.75*200 + 0.25*220
	assert.InDelta(t, 205, res.Points[0].PointEstimate, 1e-9)
}

func TestForecast_IntervalLevelWidensBounds(t *testing.T) {
	provider := artifacts.NewStatic(nil, constantSeasonal(200), constantNeural(220, 1))
	opts := testOptions()
	opts.IntervalLevel = 0.90
	c := New(provider, nil, opts)

	res, err := c.Forecast(context.Background(), Request{Tenant: "acme", HorizonHours: 2, History: flatHistory(3, 210)})
	require.NoError(t, err)

	assert.InDelta(t, 10*1.6448536, res.Points[0].UpperBound-210, 1e-4)
	assert.Equal(t, "p90", res.IntervalLevel)
}

func TestForecast_AnchorFlag(t *testing.T) {
	provider := artifacts.NewStatic(metadata(5, 5), constantSeasonal(500), constantNeural(520, 1))
	c := New(provider, nil, testOptions())

	res, err := c.Forecast(context.Background(), Request{Tenant: "acme", HorizonHours: 3, History: flatHistory(30, 100)})
	require.NoError(t, err)
	assert.True(t, res.Points[0].AnchorFlagged)
	assert.False(t, res.Points[1].AnchorFlagged)

	// One model close to the last observation clears the flag.
	provider = artifacts.NewStatic(metadata(5, 5), constantSeasonal(104), constantNeural(520, 1))
	res, err = New(provider, nil, testOptions()).Forecast(context.Background(),
		Request{Tenant: "acme", HorizonHours: 3, History: flatHistory(30, 100)})
	require.NoError(t, err)
	assert.False(t, res.Points[0].AnchorFlagged)
}

func TestForecast_AdapterErrorIsExcluded(t *testing.T) {
	provider := artifacts.NewStatic(nil, constantSeasonal(1), constantNeural(1, 1))
	c := New(provider, nil, testOptions()).WithPredictorFactory(fakeFactory(map[artifacts.Kind]*fakePredictor{
		artifacts.KindSeasonal: {kind: artifacts.KindSeasonal, values: func(h int) ([]float64, error) {
			return nil, models.ErrNonFinite
		}},
		artifacts.KindNeural: {kind: artifacts.KindNeural, values: func(h int) ([]float64, error) {
			return make([]float64, h), nil
		}},
	}))

	res, err := c.Forecast(context.Background(), Request{Tenant: "acme", HorizonHours: 5, History: flatHistory(3, 0)})
	require.NoError(t, err)
	assertInvariants(t, res, 5)

	assert.False(t, res.Fallback)
	require.Len(t, res.Excluded, 1)
	assert.Equal(t, ReasonError, res.Excluded[0].Reason)
}

func TestForecast_WrongLengthIsExcluded(t *testing.T) {
	provider := artifacts.NewStatic(nil, constantSeasonal(1))
	c := New(provider, nil, testOptions()).WithPredictorFactory(fakeFactory(map[artifacts.Kind]*fakePredictor{
		artifacts.KindSeasonal: {kind: artifacts.KindSeasonal, values: func(h int) ([]float64, error) {
			return make([]float64, h-1), nil
		}},
	}))

	res, err := c.Forecast(context.Background(), Request{Tenant: "acme", HorizonHours: 5, History: flatHistory(3, 10)})
	require.NoError(t, err)
	assertInvariants(t, res, 5)
	assert.True(t, res.Fallback)
}

func TestForecast_TimeoutFallsBack(t *testing.T) {
	provider := artifacts.NewStatic(nil, constantSeasonal(1))
	opts := testOptions()
	opts.Timeout = 20 * time.Millisecond
	c := New(provider, nil, opts).WithPredictorFactory(fakeFactory(map[artifacts.Kind]*fakePredictor{
		artifacts.KindSeasonal: {kind: artifacts.KindSeasonal, block: 500 * time.Millisecond, values: func(h int) ([]float64, error) {
			return make([]float64, h), nil
		}},
	}))

	start := time.Now()
	res, err := c.Forecast(context.Background(), Request{Tenant: "acme", HorizonHours: 8, History: flatHistory(3, 10)})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 400*time.Millisecond)

	assertInvariants(t, res, 8)
	assert.True(t, res.Fallback)
	assert.Equal(t, ReasonTimeout, res.FallbackReason)
}

func TestForecast_InvalidRequests(t *testing.T) {
	c := New(artifacts.NewStatic(nil), nil, testOptions())

	gappy := flatHistory(4, 1)
	gappy.Points[2].Timestamp = gappy.Points[2].Timestamp.Add(time.Hour)

	tests := []struct {
		name string
		req  Request
	}{
		{"empty tenant", Request{HorizonHours: 1}},
		{"zero horizon", Request{Tenant: "acme", HorizonHours: 0}},
		{"horizon too long", Request{Tenant: "acme", HorizonHours: 169}},
		{"gap in history", Request{Tenant: "acme", HorizonHours: 1, History: gappy}},
		{"foreign history", Request{Tenant: "other", HorizonHours: 1, History: flatHistory(2, 1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Forecast(context.Background(), tt.req)
			require.ErrorIs(t, err, ErrInvalidRequest)
		})
	}

	_, err := c.Forecast(context.Background(), Request{Tenant: "acme", HorizonHours: 1, History: gappy})
	assert.True(t, errors.Is(err, series.ErrNotContiguous))
}

func TestForecast_LengthMatchesHorizon(t *testing.T) {
	provider := artifacts.NewStatic(metadata(3, 6), constantSeasonal(50), constantNeural(60, 24))
	c := New(provider, nil, testOptions())

	for _, horizon := range []int{1, 7, 24, 168} {
		for _, n := range []int{0, 5, 48} {
			res, err := c.Forecast(context.Background(), Request{Tenant: "acme", HorizonHours: horizon, History: flatHistory(n, 55)})
			require.NoError(t, err)
			assertInvariants(t, res, horizon)
		}
	}
}

func TestForecast_ConcurrentCalls(t *testing.T) {
	provider := artifacts.NewStatic(metadata(3, 6), constantSeasonal(50), constantNeural(60, 2))
	c := New(provider, nil, testOptions())

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := c.Forecast(context.Background(), Request{Tenant: "acme", HorizonHours: 24, History: flatHistory(24, 55)})
			if assert.NoError(t, err) {
				assert.Len(t, res.Points, 24)
			}
		}()
	}
	wg.Wait()
}
