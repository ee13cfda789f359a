package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/openfroyo/froyo-ipam/pkg/config"
	"github.com/openfroyo/froyo-ipam/pkg/engine"
	"github.com/openfroyo/froyo-ipam/pkg/ipam"
	"github.com/openfroyo/froyo-ipam/pkg/policy"
	"github.com/openfroyo/froyo-ipam/pkg/stores"
	"github.com/openfroyo/froyo-ipam/pkg/telemetry"
)

const defaultConfigPath = "froyo-ipam.yaml"

// app is everything a command needs: the store, the task runtime with the
// address management kinds registered, and telemetry.
type app struct {
	cfg     *config.Config
	tel     *telemetry.Telemetry
	store   stores.Store
	runtime *engine.Runtime
	service *ipam.Service
	policy  *policy.Engine
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.Load(configPath)
	}
	if _, err := os.Stat(defaultConfigPath); err == nil {
		return config.Load(defaultConfigPath)
	}
	return config.Default(), nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (stores.Store, error) {
	if cfg.Driver == "memory" {
		return stores.NewMemoryStore(), nil
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Path})
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return store, nil
}

func openApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}
	logger := tel.Logger.Zerolog()

	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		tel.Shutdown(context.WithoutCancel(ctx))
		return nil, err
	}

	rt := engine.NewRuntime(store, engine.Options{
		Logger:            logger,
		Metrics:           tel.Metrics,
		Tracer:            tel.Tracer,
		Events:            tel.Events,
		MaxConcurrency:    cfg.Runtime.MaxConcurrency,
		TaskTTL:           cfg.Runtime.TaskTTL,
		ConflictBackoff:   engine.DefaultBackoff,
		AwaitPollInterval: cfg.Runtime.AwaitPollInterval,
		HandlerLease:      cfg.Runtime.HandlerLease,
	})

	a := &app{cfg: cfg, tel: tel, store: store, runtime: rt}

	opts := ipam.ServiceOptions{
		Options: ipam.Options{
			Logger:  logger,
			Metrics: tel.Metrics,
			Tracer:  tel.Tracer,
			Events:  tel.Events,
			ConflictBackoff: engine.Backoff{
				Base: cfg.Allocator.ConflictBackoffBase,
				Max:  cfg.Allocator.ConflictBackoffMax,
			},
			MaxRetryDuration: cfg.Allocator.MaxRetryDuration,
		},
		FanOutLimit:      cfg.Allocator.FanOutLimit,
		ReleaseRetention: cfg.Allocator.ReleaseRetention,
	}

	if cfg.Policy.Enabled {
		a.policy, err = policy.NewEngine(logger, policy.Options{
			Limits: policy.Limits{
				MaxAddressesPerRequest: cfg.Policy.MaxAddressesPerRequest,
				ResourceLinkPattern:    cfg.Policy.ResourceLinkPattern,
			},
			Environment: cfg.Telemetry.Environment,
			Metrics:     tel.Metrics,
			Events:      tel.Events,
		})
		if err != nil {
			a.Close(ctx)
			return nil, fmt.Errorf("failed to create policy engine: %w", err)
		}
		if len(cfg.Policy.Paths) > 0 {
			if err := a.policy.LoadPolicies(ctx, cfg.Policy.Paths); err != nil {
				a.Close(ctx)
				return nil, fmt.Errorf("failed to load policies: %w", err)
			}
		}
		opts.Admitter = a.policy
	}

	a.service, err = ipam.NewService(rt, opts)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	return a, nil
}

// Close waits for running handlers, then releases the store and flushes
// telemetry.
func (a *app) Close(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	return errors.Join(
		a.runtime.Close(ctx),
		a.store.Close(),
		a.tel.Shutdown(ctx),
	)
}

// withApp opens the app, runs fn as one instrumented operation and closes
// the app again.
func withApp(ctx context.Context, operation string, fn func(ctx context.Context, a *app) error) error {
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(ctx); err != nil {
			a.tel.Logger.WithError(err).Warn("shutdown was not clean")
		}
	}()

	ic := telemetry.StartOperation(a.tel.WithContext(ctx), "froyo-ipam."+operation)
	err = fn(ic.Ctx, a)
	ic.End(err)
	return err
}

// awaitAndPrint waits for a task created by this process and prints it.
// A failed task is reported as an error after printing.
func (a *app) awaitAndPrint(ctx context.Context, task *engine.Task) error {
	log.Debug().Str("task_link", task.Link).Msg("waiting for task")

	done, err := a.runtime.Await(ctx, task.Link)
	if err != nil {
		return fmt.Errorf("failed waiting for %s: %w", task.Link, err)
	}

	if err := printTask(done); err != nil {
		return err
	}
	if done.Failure != nil {
		return fmt.Errorf("task %s ended %s: %w", done.Link, done.Stage, done.Failure.AsError())
	}
	if done.Stage != engine.StageFinished {
		return fmt.Errorf("task %s ended %s", done.Link, done.Stage)
	}
	return nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printTask(task *engine.Task) error {
	if jsonOutput {
		return printJSON(task)
	}

	fmt.Printf("Task:  %s\n", task.Link)
	fmt.Printf("Kind:  %s (%s)\n", task.Kind, task.RequestType)
	fmt.Printf("Stage: %s / %d\n", task.Stage, task.SubStage)
	if task.Failure != nil {
		fmt.Printf("Error: [%s] %s\n", task.Failure.Code, task.Failure.Message)
		return nil
	}
	if len(task.Payload) == 0 {
		return nil
	}

	var payload interface{}
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return fmt.Errorf("failed to decode task payload: %w", err)
	}
	fmt.Println("Result:")
	return printJSON(payload)
}
