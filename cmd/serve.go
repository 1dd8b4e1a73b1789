package cmd

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/xiaot623/gogo/sessionsync/internal/config"
	"github.com/xiaot623/gogo/sessionsync/internal/ephemeral"
	"github.com/xiaot623/gogo/sessionsync/internal/policy"
	"github.com/xiaot623/gogo/sessionsync/internal/repository"
	"github.com/xiaot623/gogo/sessionsync/internal/service"
	transporthttp "github.com/xiaot623/gogo/sessionsync/internal/transport/http"
	"github.com/xiaot623/gogo/sessionsync/internal/transport/rpc"
)

func newServeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and RPC servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	log.Printf("Starting sessionsync...")
	log.Printf("HTTP Port: %d", cfg.HTTPPort)
	log.Printf("RPC Port: %d", cfg.RPCPort)
	log.Printf("Archive database: %s", cfg.DatabaseURL)
	log.Printf("Ephemeral store: %s", cfg.EphemeralURL)
	log.Printf("Agent API URL: %s", cfg.AgentAPIURL)

	// Initialize stores
	durable, err := repository.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to initialize archive store: %w", err)
	}
	defer durable.Close()

	eph, err := ephemeral.Open(cfg.EphemeralURL, cfg.SessionTTL)
	if err != nil {
		return fmt.Errorf("failed to initialize ephemeral store: %w", err)
	}
	defer eph.Close()
	eph.StartCleanupRoutine(cfg.SweepInterval)

	// Initialize policy engine
	policyEngine, err := policy.NewEngineFromFile(ctx, cfg.ArchivePolicyFile)
	if err != nil {
		return fmt.Errorf("failed to initialize policy engine: %w", err)
	}

	svc := service.Assemble(cfg, eph, durable, policyEngine)

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if _, err := svc.Recover(runCtx); err != nil {
		log.Printf("WARN: recovery failed: %v", err)
	}
	go svc.RunArchiveSweeper(runCtx)

	httpServer := transporthttp.NewServer(svc, cfg)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start HTTP server: %v", err)
		}
	}()
	log.Printf("HTTP API started on port %d", cfg.HTTPPort)

	var rpcServer *rpc.Server
	if cfg.RPCPort > 0 {
		rpcServer, err = rpc.NewServer(svc)
		if err != nil {
			return fmt.Errorf("failed to initialize rpc server: %w", err)
		}
		go func() {
			addr := fmt.Sprintf(":%d", cfg.RPCPort)
			if err := rpcServer.Start(addr); err != nil {
				log.Fatalf("Failed to start RPC server: %v", err)
			}
		}()
		log.Printf("RPC server started on port %d", cfg.RPCPort)
	}

	<-runCtx.Done()
	log.Println("Shutting down sessionsync...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Failed to shutdown HTTP server gracefully: %v", err)
	}
	if rpcServer != nil {
		if err := rpcServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Failed to shutdown RPC server gracefully: %v", err)
		}
	}
	if err := svc.Shutdown(shutdownCtx); err != nil {
		log.Printf("Failed to stop pollers: %v", err)
	}

	log.Println("sessionsync stopped")
	return nil
}
