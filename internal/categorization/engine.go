// Package categorization orchestrates the cache -> affinity -> ml -> small
// LLM -> large LLM escalation cascade per row, persists aggregate metrics,
// and writes decisions back to cache.
package categorization

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fieldledger/expensecore/internal/affinity"
	"github.com/fieldledger/expensecore/internal/cache"
	"github.com/fieldledger/expensecore/internal/llmgateway"
	"github.com/fieldledger/expensecore/internal/mlclassify"
)

// Source is the categorization source recorded on each row.
type Source string

const (
	SourceCache    Source = "cache"
	SourceAffinity Source = "affinity"
	SourceML       Source = "ml"
	SourceLLMSmall Source = "llm_small"
	SourceLLMLarge Source = "llm_large"
)

// Row is one line item to categorize.
type Row struct {
	RowIndex    int
	Description string
	Stage       string
	VendorID    *uuid.UUID
	ProjectID   *uuid.UUID
}

// AccountRef identifies an account the caller's lookup can resolve.
type AccountRef struct {
	ID   uuid.UUID
	Name string
}

// Decision is the per-row categorization outcome.
type Decision struct {
	RowIndex   int
	AccountID  uuid.UUID
	AccountName string
	Confidence int
	Source     Source
	Reasoning  string
	Warning    string
}

// Aggregate summarizes a whole call.
type Aggregate struct {
	CacheHits     int
	CacheMisses   int
	LLMTokensUsed int
	ElapsedMS     int64
	Below70       int
	Below60       int
	Below50       int
}

// AccountCatalog resolves the ordered account list for a prompt and the
// name for a resolved account id. External collaborator: project/account
// master data, read-only.
type AccountCatalog interface {
	AccountsForStage(ctx context.Context, stage string) ([]AccountRef, error)
	AccountName(ctx context.Context, id uuid.UUID) (string, error)
}

// CorrectionsSource supplies up to five recent human corrections for a
// (project, stage) pair, fed into the small-LLM prompt as context.
type CorrectionsSource interface {
	RecentCorrections(ctx context.Context, projectID uuid.UUID, stage string, limit int) ([]string, error)
}

// PowerToolLexicon answers whether a description names a bare power tool
// (drill/saw/grinder/etc. without a consumable qualifier like "bit" or
// "blade"); such rows must receive confidence 0 and a warning so they
// cannot auto-post as consumables.
type PowerToolLexicon interface {
	MatchesBarePowerTool(description string) bool
}

// CacheReader is the slice of cache.Store this engine depends on, kept as
// an interface so tests can substitute a fake rather than a live database.
type CacheReader interface {
	Lookup(ctx context.Context, fingerprint, stage string) (cache.Entry, error)
	Insert(ctx context.Context, fingerprint, stage string, accountID uuid.UUID, confidence int, reasoning string) error
}

// AffinityReader is the slice of affinity.Index this engine depends on.
type AffinityReader interface {
	Dominant(ctx context.Context, vendorID uuid.UUID) (affinity.Row, error)
}

// MLPredictor is the slice of mlclassify.Classifier this engine depends on.
type MLPredictor interface {
	Predict(description, stage string) mlclassify.Prediction
	Version() string
}

// Engine orchestrates the escalation cascade.
type Engine struct {
	cacheStore  CacheReader
	affinity    AffinityReader
	ml          MLPredictor
	gateway     *llmgateway.Gateway
	catalog     AccountCatalog
	corrections CorrectionsSource
	lexicon     PowerToolLexicon
	metricsDB   *sql.DB

	minConfidence int
}

// New constructs the Engine.
func New(
	cacheStore CacheReader,
	affinityIdx AffinityReader,
	ml MLPredictor,
	gateway *llmgateway.Gateway,
	catalog AccountCatalog,
	corrections CorrectionsSource,
	lexicon PowerToolLexicon,
	metricsDB *sql.DB,
	minConfidence int,
) *Engine {
	return &Engine{
		cacheStore:    cacheStore,
		affinity:      affinityIdx,
		ml:            ml,
		gateway:       gateway,
		catalog:       catalog,
		corrections:   corrections,
		lexicon:       lexicon,
		metricsDB:     metricsDB,
		minConfidence: minConfidence,
	}
}

type llmSchema struct {
	AccountID  string `json:"account_id"`
	Confidence int    `json:"confidence"`
	Reasoning  string `json:"reasoning"`
}

// Categorize runs the escalation cascade over every row, replaying
// fingerprint-identical rows within the same call to a single resolved
// decision.
func (e *Engine) Categorize(ctx context.Context, rows []Row) ([]Decision, Aggregate, error) {
	started := time.Now()

	decisions := make([]Decision, len(rows))
	byFingerprint := make(map[string]Decision)

	var agg Aggregate

	for _, row := range rows {
		fp := cache.Fingerprint(row.Description, row.Stage)

		if prior, ok := byFingerprint[fp]; ok {
			d := prior
			d.RowIndex = row.RowIndex
			decisions[indexOf(rows, row)] = d
			e.tallyConfidence(&agg, d.Confidence)

			continue
		}

		d, hit := e.categorizeRow(ctx, row, fp, &agg)
		decisions[indexOf(rows, row)] = d
		byFingerprint[fp] = d

		if hit {
			agg.CacheHits++
		} else {
			agg.CacheMisses++
		}
	}

	agg.ElapsedMS = time.Since(started).Milliseconds()

	if e.metricsDB != nil {
		if err := e.writeMetrics(ctx, agg); err != nil {
			return decisions, agg, fmt.Errorf("writing categorization metrics: %w", err)
		}
	}

	return decisions, agg, nil
}

func indexOf(rows []Row, row Row) int {
	for i, r := range rows {
		if r.RowIndex == row.RowIndex {
			return i
		}
	}

	return 0
}

func (e *Engine) tallyConfidence(agg *Aggregate, confidence int) {
	if confidence < 70 {
		agg.Below70++
	}

	if confidence < 60 {
		agg.Below60++
	}

	if confidence < 50 {
		agg.Below50++
	}
}

func (e *Engine) categorizeRow(ctx context.Context, row Row, fingerprint string, agg *Aggregate) (Decision, bool) {
	if e.lexicon != nil && e.lexicon.MatchesBarePowerTool(row.Description) {
		return Decision{
			RowIndex: row.RowIndex,
			Source:   "",
			Warning:  "power_tool_guard: bare power tool must not auto-post as a consumable",
		}, false
	}

	// 1. Cache.
	if entry, err := e.cacheStore.Lookup(ctx, fingerprint, row.Stage); err == nil {
		name, _ := e.catalog.AccountName(ctx, entry.AccountID)
		d := Decision{
			RowIndex:    row.RowIndex,
			AccountID:   entry.AccountID,
			AccountName: name,
			Confidence:  entry.Confidence,
			Source:      SourceCache,
			Reasoning:   entry.Reasoning,
		}
		e.tallyConfidence(agg, d.Confidence)

		return d, true
	}

	// 2. Affinity.
	if row.VendorID != nil {
		if dom, err := e.affinity.Dominant(ctx, *row.VendorID); err == nil {
			name, _ := e.catalog.AccountName(ctx, dom.AccountID)
			confidence := int(dom.Ratio() * 100)
			d := Decision{
				RowIndex:    row.RowIndex,
				AccountID:   dom.AccountID,
				AccountName: name,
				Confidence:  confidence,
				Source:      SourceAffinity,
				Reasoning:   "dominant vendor-account affinity",
			}
			e.tallyConfidence(agg, d.Confidence)

			return d, false
		}
	}

	// 3. ML.
	if e.ml != nil {
		pred := e.ml.Predict(row.Description, row.Stage)
		if pred.Confidence >= 90 {
			name, _ := e.catalog.AccountName(ctx, pred.AccountID)
			d := Decision{
				RowIndex:    row.RowIndex,
				AccountID:   pred.AccountID,
				AccountName: name,
				Confidence:  pred.Confidence,
				Source:      SourceML,
				Reasoning:   fmt.Sprintf("ml model %s prediction", e.ml.Version()),
			}
			e.cacheWrite(ctx, fingerprint, row.Stage, d)
			e.tallyConfidence(agg, d.Confidence)

			return d, false
		}
	}

	// 4. LLM small.
	d, tokens, ok := e.tryLLM(ctx, row, fingerprint, false)
	agg.LLMTokensUsed += tokens
	if ok && d.Confidence >= e.minConfidence {
		e.tallyConfidence(agg, d.Confidence)
		return d, false
	}

	// 5. LLM large.
	d, tokens, ok = e.tryLLM(ctx, row, fingerprint, true)
	agg.LLMTokensUsed += tokens
	if ok {
		e.tallyConfidence(agg, d.Confidence)
		return d, false
	}

	return Decision{RowIndex: row.RowIndex, Warning: "exhausted"}, false
}

// tryLLM returns the tokens the gateway call metered alongside the
// decision, so the caller can accumulate Aggregate.LLMTokensUsed even
// when the call itself doesn't produce a usable decision (parse failure,
// low confidence) — the tokens were still spent.
func (e *Engine) tryLLM(ctx context.Context, row Row, fingerprint string, large bool) (Decision, int, bool) {
	accounts, err := e.catalog.AccountsForStage(ctx, row.Stage)
	if err != nil {
		return Decision{}, 0, false
	}

	var recent []string
	if e.corrections != nil && row.ProjectID != nil {
		recent, _ = e.corrections.RecentCorrections(ctx, *row.ProjectID, row.Stage, 5)
	}

	payload := map[string]any{
		"stage":              row.Stage,
		"accounts":           accounts,
		"description":        row.Description,
		"recent_corrections": recent,
	}

	body, _ := json.Marshal(payload)

	system := "You are a construction expense categorization assistant. " +
		"Return ONLY JSON with keys account_id, confidence (0-100 integer), reasoning."

	var (
		res   llmgateway.Result
		gwErr error
	)

	if large {
		res, gwErr = e.gateway.AnalyzeLarge(ctx, system, string(body), nil)
	} else {
		res, gwErr = e.gateway.ClassifySmall(ctx, system, string(body))
	}

	if gwErr != nil {
		return Decision{}, 0, false
	}

	var parsed llmSchema
	if err := json.Unmarshal(res.Value, &parsed); err != nil {
		return Decision{}, res.Usage.TotalTokens, false
	}

	accountID, err := uuid.Parse(parsed.AccountID)
	if err != nil {
		return Decision{}, res.Usage.TotalTokens, false
	}

	name, _ := e.catalog.AccountName(ctx, accountID)

	source := SourceLLMSmall
	if large {
		source = SourceLLMLarge
	}

	d := Decision{
		RowIndex:    row.RowIndex,
		AccountID:   accountID,
		AccountName: name,
		Confidence:  clampConfidence(parsed.Confidence),
		Source:      source,
		Reasoning:   parsed.Reasoning,
	}

	// The small tier cache-writes only at or above minConfidence; the large
	// tier does so even at low confidence, since downstream gates on
	// confidence itself.
	if large || d.Confidence >= e.minConfidence {
		e.cacheWrite(ctx, fingerprint, row.Stage, d)
	}

	return d, res.Usage.TotalTokens, true
}

func (e *Engine) cacheWrite(ctx context.Context, fingerprint, stage string, d Decision) {
	_ = e.cacheStore.Insert(ctx, fingerprint, stage, d.AccountID, d.Confidence, d.Reasoning)
}

func clampConfidence(c int) int {
	if c < 0 {
		return 0
	}

	if c > 100 {
		return 100
	}

	return c
}

func (e *Engine) writeMetrics(ctx context.Context, agg Aggregate) error {
	_, err := e.metricsDB.ExecContext(ctx, `
		INSERT INTO categorization_metrics
			(cache_hits, cache_misses, llm_tokens_used, elapsed_ms, below_70_count, below_60_count, below_50_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
	`, agg.CacheHits, agg.CacheMisses, agg.LLMTokensUsed, agg.ElapsedMS, agg.Below70, agg.Below60, agg.Below50)

	return err
}

// DefaultPowerToolLexicon is a seeded list of bare power tools and the
// consumable qualifiers that exempt them. Both word lists are fixed in
// NewDefaultPowerToolLexicon; no configuration setting extends them.
type DefaultPowerToolLexicon struct {
	bareToolPattern *regexp.Regexp
	qualifierPattern *regexp.Regexp
}

// NewDefaultPowerToolLexicon builds the lexicon with the seeded word list.
func NewDefaultPowerToolLexicon() *DefaultPowerToolLexicon {
	tools := []string{"drill", "saw", "grinder", "sander", "router", "nailer", "impact driver", "planer"}
	qualifiers := []string{"bit", "blade", "pad", "belt", "disc", "battery", "charger", "bag"}

	return &DefaultPowerToolLexicon{
		bareToolPattern:  regexp.MustCompile(`(?i)\b(` + strings.Join(tools, "|") + `)\b`),
		qualifierPattern: regexp.MustCompile(`(?i)\b(` + strings.Join(qualifiers, "|") + `)\b`),
	}
}

// MatchesBarePowerTool reports whether description names a tool without a
// consumable qualifier nearby.
func (l *DefaultPowerToolLexicon) MatchesBarePowerTool(description string) bool {
	return l.bareToolPattern.MatchString(description) && !l.qualifierPattern.MatchString(description)
}
