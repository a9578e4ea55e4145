package mlclassify_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldledger/expensecore/internal/mlclassify"
)

type fakeSource struct {
	examples []mlclassify.TrainingExample
}

func (f *fakeSource) VerifiedAssignments(ctx context.Context) ([]mlclassify.TrainingExample, error) {
	return f.examples, nil
}

func TestPredictWithEmptyTrainingSetReturnsZeroConfidence(t *testing.T) {
	c := mlclassify.New(&fakeSource{}, time.Hour)
	require.NoError(t, c.Retrain(context.Background()))

	pred := c.Predict("2x4 lumber", "Framing")
	assert.Equal(t, 0, pred.Confidence)
}

func TestPredictLearnsDominantClass(t *testing.T) {
	lumber := uuid.New()
	screws := uuid.New()

	examples := []mlclassify.TrainingExample{}
	for i := 0; i < 20; i++ {
		examples = append(examples, mlclassify.TrainingExample{Description: "2x4 lumber board", Stage: "Framing", AccountID: lumber})
	}

	for i := 0; i < 20; i++ {
		examples = append(examples, mlclassify.TrainingExample{Description: "wood screws box", Stage: "Framing", AccountID: screws})
	}

	c := mlclassify.New(&fakeSource{examples: examples}, time.Hour)
	require.NoError(t, c.Retrain(context.Background()))

	pred := c.Predict("2x4 lumber board", "Framing")
	assert.Equal(t, lumber, pred.AccountID)
	assert.Greater(t, pred.Confidence, 0)

	pred2 := c.Predict("wood screws box", "Framing")
	assert.Equal(t, screws, pred2.AccountID)
}

func TestVersionChangesAfterRetrain(t *testing.T) {
	c := mlclassify.New(&fakeSource{}, time.Hour)
	before := c.Version()

	require.NoError(t, c.Retrain(context.Background()))
	after := c.Version()

	assert.NotEqual(t, before, after)
}
