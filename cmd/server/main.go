package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/gberron/dmarc-analyzer/internal/aggregate"
	"github.com/gberron/dmarc-analyzer/internal/api"
	"github.com/gberron/dmarc-analyzer/internal/config"
	"github.com/gberron/dmarc-analyzer/internal/domain"
	"github.com/gberron/dmarc-analyzer/internal/ingest"
	"github.com/gberron/dmarc-analyzer/internal/mailbox"
	"github.com/gberron/dmarc-analyzer/internal/repository/postgres"
	"github.com/gberron/dmarc-analyzer/internal/schedule"
	"github.com/gberron/dmarc-analyzer/internal/smtp"
)

func main() {
	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Database.URL == "" {
		log.Fatal("DATABASE_URL is not configured")
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := db.PingContext(ctx); err != nil {
		cancel()
		log.Fatalf("Failed to reach database: %v", err)
	}
	if err := postgres.EnsureSchema(ctx, db); err != nil {
		cancel()
		log.Fatalf("Failed to apply schema: %v", err)
	}
	cancel()

	reportRepo := postgres.NewReportRepo(db)
	scheduleRepo := postgres.NewScheduleRepo(db)
	settingsRepo := postgres.NewMailSettingsRepo(db)

	ingestor := ingest.NewService(reportRepo)
	engine := aggregate.NewEngine(reportRepo)

	resolveSettings := settingsResolver(settingsRepo, cfg)

	scheduler := schedule.NewService(scheduleRepo, engine, relaySender{resolve: resolveSettings})

	pollOnce := func(ctx context.Context) (*mailbox.PollResult, error) {
		settings, err := resolveSettings(ctx)
		if err != nil {
			return nil, err
		}
		client, err := mailbox.Connect(settings)
		if err != nil {
			return nil, err
		}
		defer client.Close()
		return mailbox.NewPoller(client, ingestor).PollOnce(ctx)
	}

	handlers := api.NewHandlers(ingestor, engine, reportRepo, scheduleRepo, settingsRepo, scheduler, pollOnce)
	server := api.NewServer(cfg.Server, handlers)

	go func() {
		log.Printf("[server] listening on %s:%d", cfg.Server.Host, cfg.Server.Port)
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Println("[server] shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("[server] shutdown: %v", err)
	}
}

// settingsResolver prefers the mail_settings row saved through the API and
// falls back to the config file for fresh installs.
func settingsResolver(repo *postgres.MailSettingsRepo, cfg *config.Config) func(context.Context) (*domain.MailSettings, error) {
	return func(ctx context.Context) (*domain.MailSettings, error) {
		settings, err := repo.Get(ctx)
		if err != nil {
			return nil, err
		}
		if settings.MailServer == "" && settings.SMTPServer == "" {
			return cfg.MailSettings(), nil
		}
		return settings, nil
	}
}

// relaySender builds the SMTP sender per send so settings changes apply
// without a restart.
type relaySender struct {
	resolve func(context.Context) (*domain.MailSettings, error)
}

func (rs relaySender) Send(ctx context.Context, to, subject, body string) error {
	settings, err := rs.resolve(ctx)
	if err != nil {
		return fmt.Errorf("loading mail settings: %w", err)
	}
	return smtp.NewSender(settings).Send(ctx, to, subject, body)
}
