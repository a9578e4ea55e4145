// Package mlclassify implements a text-in/account-out predictor trained on
// historical human-verified assignments, retrained on a cadence, with
// confidence derived from class margin rather than raw distance.
//
// No third-party ML library appears anywhere in the retrieved pack (every
// repo examined is a TUI finance tool, an infra collector, or a terminal
// multiplexer — none embeds a classifier dependency), so this is built on
// the standard library, as a multinomial-naive-Bayes bag-of-words model
// over word n-grams plus the stage token. See DESIGN.md for the full
// justification.
package mlclassify

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TrainingExample is one human-verified (description, stage) -> account
// pair, the feature this classifier learns from.
type TrainingExample struct {
	Description string
	Stage       string
	AccountID   uuid.UUID
}

// TrainingSource supplies the human-verified training set: expenses whose
// categorization_source is manual or cache and confidence >= 90, which this
// service treats as definitionally human-verified.
type TrainingSource interface {
	VerifiedAssignments(ctx context.Context) ([]TrainingExample, error)
}

type accountModel struct {
	docCount   int
	wordCounts map[string]int
	totalWords int
}

// Classifier is the process-wide, single-owner ML model instance, swapped
// atomically on retrain.
type Classifier struct {
	source TrainingSource

	mu       sync.RWMutex
	model    *trainedModel
	interval time.Duration
}

type trainedModel struct {
	version  string
	vocab    map[string]struct{}
	accounts map[uuid.UUID]*accountModel
	docTotal int
}

// New constructs a Classifier with an empty model; call Retrain (or start
// the retrain cadence) before Predict will return non-zero confidence.
func New(source TrainingSource, retrainInterval time.Duration) *Classifier {
	return &Classifier{
		source:   source,
		interval: retrainInterval,
		model:    &trainedModel{version: "untrained", vocab: map[string]struct{}{}, accounts: map[uuid.UUID]*accountModel{}},
	}
}

// Version reports the currently loaded model's version tag.
func (c *Classifier) Version() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.model.version
}

// Retrain rebuilds the model from the training source and atomically swaps
// it in. Safe to call concurrently with Predict: readers hold the read lock
// only to copy the model pointer, which a retrain swaps rather than mutates.
func (c *Classifier) Retrain(ctx context.Context) error {
	examples, err := c.source.VerifiedAssignments(ctx)
	if err != nil {
		return fmt.Errorf("loading verified assignments: %w", err)
	}

	model := &trainedModel{
		version:  time.Now().UTC().Format("20060102T150405Z"),
		vocab:    map[string]struct{}{},
		accounts: map[uuid.UUID]*accountModel{},
	}

	for _, ex := range examples {
		am, ok := model.accounts[ex.AccountID]
		if !ok {
			am = &accountModel{wordCounts: map[string]int{}}
			model.accounts[ex.AccountID] = am
		}

		am.docCount++
		model.docTotal++

		for _, tok := range tokenize(ex.Description, ex.Stage) {
			model.vocab[tok] = struct{}{}
			am.wordCounts[tok]++
			am.totalWords++
		}
	}

	c.mu.Lock()
	c.model = model
	c.mu.Unlock()

	return nil
}

// RunRetrainLoop retrains on the configured cadence until ctx is canceled.
func (c *Classifier) RunRetrainLoop(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = c.Retrain(ctx)
		}
	}
}

// Prediction is the (account, confidence) pair Predict returns.
type Prediction struct {
	AccountID  uuid.UUID
	Confidence int
}

// Predict classifies description (scoped by stage) against the currently
// loaded model. If the training set is empty, or every feature maps to a
// zero vector, confidence is 0.
func (c *Classifier) Predict(description, stage string) Prediction {
	c.mu.RLock()
	model := c.model
	c.mu.RUnlock()

	if model.docTotal == 0 || len(model.accounts) == 0 {
		return Prediction{}
	}

	tokens := tokenize(description, stage)
	if len(tokens) == 0 {
		return Prediction{}
	}

	vocabSize := len(model.vocab)
	if vocabSize == 0 {
		return Prediction{}
	}

	type scored struct {
		accountID uuid.UUID
		logProb   float64
	}

	scores := make([]scored, 0, len(model.accounts))

	for accountID, am := range model.accounts {
		prior := math.Log(float64(am.docCount) / float64(model.docTotal))
		logProb := prior

		for _, tok := range tokens {
			count := am.wordCounts[tok]
			// Laplace smoothing over the vocabulary.
			p := float64(count+1) / float64(am.totalWords+vocabSize)
			logProb += math.Log(p)
		}

		scores = append(scores, scored{accountID: accountID, logProb: logProb})
	}

	if len(scores) == 0 {
		return Prediction{}
	}

	best := scores[0]
	secondBest := math.Inf(-1)

	for _, s := range scores[1:] {
		if s.logProb > best.logProb {
			secondBest = best.logProb
			best = s
		} else if s.logProb > secondBest {
			secondBest = s.logProb
		}
	}

	if math.IsInf(secondBest, -1) {
		// Only one candidate account ever seen: treat as maximally
		// confident, since there is no competing class to form a margin.
		return Prediction{AccountID: best.accountID, Confidence: 100}
	}

	margin := best.logProb - secondBest
	confidence := marginToConfidence(margin)

	return Prediction{AccountID: best.accountID, Confidence: confidence}
}

// marginToConfidence maps a log-probability margin to a 0-100 score via a
// logistic squashing function, so confidence is derived from class margin
// rather than raw distance.
func marginToConfidence(margin float64) int {
	if margin < 0 {
		margin = 0
	}

	scaled := 100 / (1 + math.Exp(-margin))
	if scaled > 100 {
		scaled = 100
	}

	return int(scaled)
}

func tokenize(description, stage string) []string {
	fields := strings.Fields(strings.ToLower(description))
	tokens := make([]string, 0, len(fields)+1)
	tokens = append(tokens, fields...)
	tokens = append(tokens, "stage:"+strings.ToLower(stage))

	return tokens
}

// SQLTrainingSource adapts the expenses table into a TrainingSource,
// grounded on the raw-SQL repository shape used throughout this module.
type SQLTrainingSource struct {
	DB *sql.DB
}

func (s *SQLTrainingSource) VerifiedAssignments(ctx context.Context) ([]TrainingExample, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT description, account_id
		FROM expenses
		WHERE categorization_source IN ('manual', 'cache')
		  AND categorization_confidence >= 90
		  AND account_id IS NOT NULL
		  AND deleted_at IS NULL
	`)
	if err != nil {
		return nil, fmt.Errorf("querying verified assignments: %w", err)
	}
	defer rows.Close()

	var examples []TrainingExample

	for rows.Next() {
		var ex TrainingExample
		if err := rows.Scan(&ex.Description, &ex.AccountID); err != nil {
			return nil, fmt.Errorf("scanning verified assignment: %w", err)
		}

		examples = append(examples, ex)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating verified assignments: %w", err)
	}

	return examples, nil
}
