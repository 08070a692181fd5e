// Command cron runs one analyzer tick: poll the report mailbox, then run
// every due schedule. It is meant to be invoked by an external cron entry;
// failures are recorded per item and retried on the next invocation, so the
// process itself holds no state between ticks.
package main

import (
	"context"
	"database/sql"
	"log"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/gberron/dmarc-analyzer/internal/aggregate"
	"github.com/gberron/dmarc-analyzer/internal/config"
	"github.com/gberron/dmarc-analyzer/internal/domain"
	"github.com/gberron/dmarc-analyzer/internal/ingest"
	"github.com/gberron/dmarc-analyzer/internal/mailbox"
	"github.com/gberron/dmarc-analyzer/internal/repository/postgres"
	"github.com/gberron/dmarc-analyzer/internal/schedule"
	"github.com/gberron/dmarc-analyzer/internal/smtp"
)

// tickTimeout bounds the whole tick so a stalled mailbox or relay cannot
// wedge the cron entry indefinitely.
const tickTimeout = 10 * time.Minute

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

	ctx, cancel := context.WithTimeout(context.Background(), tickTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("Failed to reach database: %v", err)
	}
	if err := postgres.EnsureSchema(ctx, db); err != nil {
		log.Fatalf("Failed to apply schema: %v", err)
	}

	reportRepo := postgres.NewReportRepo(db)
	scheduleRepo := postgres.NewScheduleRepo(db)
	settingsRepo := postgres.NewMailSettingsRepo(db)

	ingestor := ingest.NewService(reportRepo)
	engine := aggregate.NewEngine(reportRepo)

	settings, err := resolveSettings(ctx, settingsRepo, cfg)
	if err != nil {
		log.Fatalf("Failed to load mail settings: %v", err)
	}

	pollMailbox(ctx, settings, ingestor)

	scheduler := schedule.NewService(scheduleRepo, engine, smtp.NewSender(settings))
	if _, err := scheduler.RunDue(ctx, time.Now().UTC()); err != nil {
		log.Fatalf("Schedule tick failed: %v", err)
	}
}

// pollMailbox runs one polling pass when a mailbox is configured. Poll
// failures are logged, not fatal: the schedules below must still run.
func pollMailbox(ctx context.Context, settings *domain.MailSettings, ingestor *ingest.Service) {
	if settings.MailServer == "" {
		log.Println("[cron] no mailbox configured, skipping poll")
		return
	}

	client, err := mailbox.Connect(settings)
	if err != nil {
		log.Printf("[cron] mailbox connect: %v", err)
		return
	}
	defer client.Close()

	if _, err := mailbox.NewPoller(client, ingestor).PollOnce(ctx); err != nil {
		log.Printf("[cron] poll: %v", err)
	}
}

func resolveSettings(ctx context.Context, repo *postgres.MailSettingsRepo, cfg *config.Config) (*domain.MailSettings, error) {
	settings, err := repo.Get(ctx)
	if err != nil {
		return nil, err
	}
	if settings.MailServer == "" && settings.SMTPServer == "" {
		return cfg.MailSettings(), nil
	}
	return settings, nil
}
