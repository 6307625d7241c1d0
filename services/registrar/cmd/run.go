package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/grigta/registrar/pkg/logger"
	"github.com/grigta/registrar/services/registrar/internal/browser"
	"github.com/grigta/registrar/services/registrar/internal/callback"
	"github.com/grigta/registrar/services/registrar/internal/classifier"
	"github.com/grigta/registrar/services/registrar/internal/service"
)

var runFlags struct {
	accountsFile string
	username     string
	password     string
	generate     int
	concurrency  int
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Register a batch of accounts locally and print the report",
	Long: `Runs registrations in-process without MongoDB, Redis or RabbitMQ.
Accounts come from a YAML/JSON list (username, password, generate), from
--username/--password, or are generated with --generate N.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		reqs, err := collectRequests()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runBatch(ctx, reqs, cmd.OutOrStdout())
	},
}

func init() {
	f := runCmd.Flags()
	f.StringVarP(&runFlags.accountsFile, "accounts", "a", "", "file with a list of accounts")
	f.StringVarP(&runFlags.username, "username", "u", "", "single account username")
	f.StringVarP(&runFlags.password, "password", "p", "", "single account password")
	f.IntVarP(&runFlags.generate, "generate", "g", 0, "number of accounts with generated credentials")
	f.IntVar(&runFlags.concurrency, "concurrency", 0, "parallel registrations (default from config)")
}

func collectRequests() ([]service.RegistrationRequest, error) {
	var reqs []service.RegistrationRequest

	if runFlags.accountsFile != "" {
		data, err := os.ReadFile(runFlags.accountsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read accounts file: %w", err)
		}
		if err := yaml.Unmarshal(data, &reqs); err != nil {
			return nil, fmt.Errorf("failed to parse accounts file: %w", err)
		}
	}
	if runFlags.username != "" || runFlags.password != "" {
		reqs = append(reqs, service.RegistrationRequest{
			Username: runFlags.username,
			Password: runFlags.password,
		})
	}
	for i := 0; i < runFlags.generate; i++ {
		reqs = append(reqs, service.RegistrationRequest{Generate: true})
	}

	if len(reqs) == 0 {
		return nil, errors.New("no accounts given: use --accounts, --username/--password or --generate")
	}
	return reqs, nil
}

func runBatch(ctx context.Context, reqs []service.RegistrationRequest, out io.Writer) error {
	concurrency := regCfg.Workers.Concurrency
	if runFlags.concurrency > 0 {
		concurrency = runFlags.concurrency
	}

	manager := browser.NewManager(regCfg.ToManagerConfig(), nil, log.WithField("component", "browser_manager"))
	if err := manager.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize browser manager: %w", err)
	}
	defer func() {
		if err := manager.Shutdown(context.Background()); err != nil {
			log.Error("Failed to shutdown browser manager", logger.Err(err))
		}
	}()

	registrar := service.NewRegistrarService(service.Options{
		Sessions:    manager,
		Detector:    classifier.New(regCfg.ToIndicators()),
		Config:      regCfg.ToOrchestratorConfig(),
		Concurrency: concurrency,
		Listeners:   []callback.Listeners{callback.LogListeners(log.WithField("component", "registration"))},
	}, log.WithField("component", "registrar"))
	defer registrar.Shutdown(context.Background())

	report, err := registrar.RunBatch(ctx, reqs)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}

	if report.Succeeded < report.Total {
		return fmt.Errorf("%d of %d registrations did not succeed", report.Total-report.Succeeded, report.Total)
	}
	return nil
}
