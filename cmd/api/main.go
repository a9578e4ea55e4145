package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fieldledger/expensecore/internal/affinity"
	"github.com/fieldledger/expensecore/internal/agents"
	"github.com/fieldledger/expensecore/internal/autoauth"
	"github.com/fieldledger/expensecore/internal/blobstore"
	"github.com/fieldledger/expensecore/internal/cache"
	"github.com/fieldledger/expensecore/internal/categorization"
	"github.com/fieldledger/expensecore/internal/config"
	"github.com/fieldledger/expensecore/internal/database"
	"github.com/fieldledger/expensecore/internal/expense"
	"github.com/fieldledger/expensecore/internal/httpapi"
	"github.com/fieldledger/expensecore/internal/httpapi/authapi"
	"github.com/fieldledger/expensecore/internal/httpapi/autoauthapi"
	"github.com/fieldledger/expensecore/internal/httpapi/chatapi"
	"github.com/fieldledger/expensecore/internal/httpapi/expenseapi"
	"github.com/fieldledger/expensecore/internal/httpapi/intakeapi"
	"github.com/fieldledger/expensecore/internal/httpapi/messagingapi"
	"github.com/fieldledger/expensecore/internal/identity"
	"github.com/fieldledger/expensecore/internal/intake"
	"github.com/fieldledger/expensecore/internal/llmgateway"
	"github.com/fieldledger/expensecore/internal/masterdata"
	"github.com/fieldledger/expensecore/internal/messaging"
	"github.com/fieldledger/expensecore/internal/mlclassify"
	"github.com/fieldledger/expensecore/internal/money"
	"github.com/fieldledger/expensecore/internal/ocr"
	"github.com/fieldledger/expensecore/internal/orchestrator"
	"github.com/fieldledger/expensecore/internal/reconciler"
)

// visionPageBudget/visionDPI bound how many rasterized pages a single OCR
// or reconciliation call sends to the vision tier, and at what DPI —
// matching the values internal/ocr's own tests exercise.
const (
	visionPageBudget = 5
	visionDPI        = 150
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	db, err := database.New(cfg.ConnectionString())
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := database.RunMigrations(db, cfg.MigrationsPath); err != nil {
		slog.Error("failed to apply migrations", "error", err)
		os.Exit(1)
	}

	systemActorID, err := uuid.Parse(cfg.Orchestrator.SystemActorID)
	if err != nil {
		slog.Error("invalid ORCHESTRATOR_SYSTEM_ACTOR_ID", "error", err)
		os.Exit(1)
	}
	systemUser := identity.User{ID: systemActorID, Role: "system"}

	toleranceAbs, err := money.Parse(cfg.Tolerance.AmountAbs)
	if err != nil {
		slog.Error("invalid TOLERANCE_AMOUNT_ABS", "error", err)
		os.Exit(1)
	}
	toleranceRel := decimal.NewFromFloat(cfg.Tolerance.AmountRel)

	escalationThreshold, err := money.Parse(cfg.AutoAuth.EscalationThreshold)
	if err != nil {
		slog.Error("invalid AUTOAUTH_ESCALATION_AMOUNT", "error", err)
		os.Exit(1)
	}

	// --- identity ---
	identityStore := identity.NewStore(db)
	gate := identity.New([]byte(cfg.Auth.JWTSecret), identityStore, cfg.Auth.CapabilityCacheTTL)

	// --- storage & AI collaborators ---
	blobs, err := blobstore.NewFilesystem(cfg.Blob.URL)
	if err != nil {
		slog.Error("failed to open blob store", "error", err)
		os.Exit(1)
	}

	gateway := llmgateway.New(llmgateway.Config{
		APIKey:            cfg.LLM.APIKey,
		SmallModel:        cfg.LLM.SmallModel,
		LargeModel:        cfg.LLM.LargeModel,
		SmallTimeout:      cfg.LLM.SmallTimeout,
		LargeTimeout:      cfg.LLM.LargeTimeout,
		SmallBucketSize:   cfg.LLM.SmallBucketSize,
		LargeBucketSize:   cfg.LLM.LargeBucketSize,
		LargeTokenBudget:  cfg.LLM.LargeTokenBudget,
		BucketWaitTimeout: cfg.LLM.BucketWaitTimeout,
	})

	rasterizer := ocr.NoopRasterizer{}

	ocrPipeline := ocr.New(gateway, rasterizer, ocr.DefaultVendorParsers(),
		visionPageBudget, visionDPI, toleranceAbs, toleranceRel)

	// --- reference & learning data ---
	masterdataStore := masterdata.New(db)
	affinityIndex := affinity.New(db, cfg.Categorization.AffinityMinCount, cfg.Categorization.AffinityMinRatio)
	cacheStore := cache.New(db, cfg.Cache.TTLDays)
	mlClassifier := mlclassify.New(&mlclassify.SQLTrainingSource{DB: db},
		time.Duration(cfg.Categorization.RetrainIntervalHr)*time.Hour)
	lexicon := categorization.NewDefaultPowerToolLexicon()

	categorizationEngine := categorization.New(
		cacheStore, affinityIndex, mlClassifier, gateway,
		masterdataStore, masterdataStore, lexicon, db,
		cfg.Categorization.MinConfidence,
	)

	// --- background orchestrator's job store and scheduler, constructed
	// before the services that hand it work: expense, intake, and
	// messaging all depend on it as their AuditScheduler/Scheduler/
	// JobEnqueuer. ---
	jobStore := orchestrator.NewStore(db)
	scheduler := orchestrator.NewScheduler(jobStore)

	// --- core domain services ---
	expenseStore := expense.NewStore(db)
	expenseService := expense.New(expenseStore, gate, scheduler)

	intakeStore := intake.NewStore(db)
	intakeService := intake.New(
		intakeStore, blobs, ocrPipeline, categorizationEngine,
		expenseService, masterdataStore, gate, scheduler,
	)

	messagingStore := messaging.NewStore(db)
	messagingService := messaging.New(messagingStore, gate, scheduler)

	autoauthStore := autoauth.NewStore(db)
	autoauthEngine := autoauth.New(
		autoauthStore, autoauth.NoBillHintSource{}, intakeStore, intakeStore,
		masterdataStore, identityStore, messagingService,
		autoauthStore, scheduler,
		autoauth.Config{
			BillAuthEnabled:      cfg.AutoAuth.AllowBillBasedAuth,
			RoleThresholds:       map[string]money.Amount{"clerk": escalationThreshold, "bookkeeper": escalationThreshold},
			EscalationAccounts:   map[uuid.UUID]bool{},
			HealthSweepAge:       time.Duration(cfg.AutoAuth.HealthSweepDays) * 24 * time.Hour,
			AmountToleranceAbs:   toleranceAbs,
			AmountToleranceRel:   toleranceRel,
			DateTolerance:        3 * 24 * time.Hour,
			VendorFuzzyThreshold: cfg.Tolerance.FuzzyVendorScore,
			DigestCadence:        time.Duration(cfg.Agents.DigestIntervalHr) * time.Hour,
		},
		systemActorID,
	)

	// --- mismatch reconciler ---
	reconcilerStore := reconciler.NewStore(db)
	reconcilerEngine := reconciler.New(
		reconcilerStore, expenseStore,
		reconciler.NewBlobAdapter(blobs),
		reconciler.NewGatewayReextractor(gateway, rasterizer, visionPageBudget, visionDPI),
		reconcilerStore,
	)

	// --- chat-driven agents ---
	authAgent := agents.NewAuthorizationAgent(autoauthEngine, autoauthStore, messagingService)
	receiptAgent := agents.NewReceiptAgent(intakeService)
	chatAgent := agents.NewChatAgent(expenseService, expenseService)

	dispatcher := agents.New(
		[]*agents.Agent{authAgent, receiptAgent, chatAgent},
		agents.NewGatewayClassifier(gateway),
		messagingService,
		messagingService,
		agents.NewCooldown(time.Duration(cfg.Agents.CooldownSeconds)*time.Second),
		5,
	)

	// --- background job handlers, wired last since they close over
	// nearly every service constructed above ---
	handlers := orchestrator.BuildHandlers(orchestrator.Collaborators{
		Reconciler:   reconcilerEngine,
		AutoAuth:     autoauthEngine,
		Affinity:     affinityIndex,
		Cache:        cacheStore,
		Intake:       intakeService,
		DigestSource: autoauthStore,
		DigestPoster: messagingService,
		Messages:     messagingStore,
		Push:         orchestrator.LogPushNotifier{},
		SystemUser:   systemUser,
	})

	orchestratorEngine := orchestrator.New(
		jobStore, handlers,
		orchestrator.Config{
			PollInterval:         cfg.Orchestrator.PollInterval,
			MaxAttempts:          cfg.Orchestrator.MaxAttempts,
			BackoffBase:          cfg.Orchestrator.BackoffBase,
			OverrideScanInterval: time.Duration(cfg.Orchestrator.OverrideScanIntervalMin) * time.Minute,
			OverrideScanWindow:   time.Duration(cfg.Orchestrator.OverrideScanWindowHr) * time.Hour,
		},
		autoauthStore, systemActorID,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		if err := orchestratorEngine.Run(ctx); err != nil && err != context.Canceled {
			slog.Error("orchestrator engine stopped", "error", err)
		}
	}()

	// --- HTTP surface ---
	handler := httpapi.New(
		gate,
		authapi.NewHandler(identityStore, gate, cfg.Auth.TokenTTL),
		expenseapi.NewHandler(expenseService),
		intakeapi.NewHandler(intakeService, cfg.Server.MaxUploadMB),
		autoauthapi.NewHandler(autoauthEngine, autoauthStore, gate),
		messagingapi.NewHandler(messagingService),
		chatapi.NewHandler(dispatcher),
	)

	port := fmt.Sprintf(":%d", cfg.App.Port)
	slog.Info("starting server", "port", port)

	if err := http.ListenAndServe(port, handler); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}
