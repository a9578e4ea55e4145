package llmgateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldledger/expensecore/internal/apierr"
)

type fakeCompleter struct {
	calls     int
	responses []rawCompletion
	errs      []error
}

func (f *fakeCompleter) Complete(ctx context.Context, model, systemPrompt, userPrompt string, images []Image) (rawCompletion, error) {
	i := f.calls
	f.calls++

	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}

	if err != nil {
		return rawCompletion{}, err
	}

	return f.responses[i], nil
}

func testConfig() Config {
	return Config{
		SmallModel:        "gpt-test-small",
		LargeModel:        "gpt-test-large",
		SmallTimeout:      time.Second,
		LargeTimeout:      time.Second,
		SmallBucketSize:   60,
		LargeBucketSize:   60,
		LargeTokenBudget:  1000,
		BucketWaitTimeout: time.Second,
	}
}

func TestClassifySmallReturnsNormalizedResult(t *testing.T) {
	fc := &fakeCompleter{responses: []rawCompletion{{content: `{"account":"a"}`, usage: Usage{TotalTokens: 10}}}}
	gw := newWithCompleter(testConfig(), fc)

	res, err := gw.ClassifySmall(context.Background(), "system", "user")
	require.NoError(t, err)
	assert.JSONEq(t, `{"account":"a"}`, string(res.Value))
	assert.Equal(t, 10, res.Usage.TotalTokens)
}

func TestInvalidJSONNeverRetries(t *testing.T) {
	fc := &fakeCompleter{responses: []rawCompletion{{content: `not json`}}}
	gw := newWithCompleter(testConfig(), fc)

	_, err := gw.ClassifySmall(context.Background(), "s", "u")
	require.Error(t, err)

	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.UpstreamInvalid, apiErr.Kind)
	assert.Equal(t, 1, fc.calls, "invalid_response must never be retried")
}

func TestRateLimitedRetriesOnceThenSucceeds(t *testing.T) {
	fc := &fakeCompleter{
		errs:      []error{apierr.New(apierr.RateLimited, "busy"), nil},
		responses: []rawCompletion{{}, {content: `{"ok":true}`}},
	}
	gw := newWithCompleter(testConfig(), fc)

	res, err := gw.ClassifySmall(context.Background(), "s", "u")
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(res.Value))
	assert.Equal(t, 2, fc.calls)
}

func TestLargeTierTokenBudgetExhausted(t *testing.T) {
	cfg := testConfig()
	cfg.LargeTokenBudget = 5

	fc := &fakeCompleter{responses: []rawCompletion{{content: `{"a":1}`, usage: Usage{TotalTokens: 10}}}}
	gw := newWithCompleter(cfg, fc)

	_, err := gw.AnalyzeLarge(context.Background(), "s", "u", nil)
	require.NoError(t, err)

	_, err = gw.AnalyzeLarge(context.Background(), "s", "u", nil)
	require.Error(t, err)

	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.RateLimited, apiErr.Kind)
}
