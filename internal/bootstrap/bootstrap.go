// Package bootstrap waits for the worker's external dependencies before
// the pipeline starts consuming. Attempts back off linearly so a cold
// docker-compose stack has time to come up.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"gorm.io/gorm"
)

// WaitForBroker dials the AMQP broker until it answers or attempts run out.
func WaitForBroker(ctx context.Context, url string, maxAttempts int) error {
	slog.Info("waiting for message broker")
	return wait(ctx, "broker", maxAttempts, func() error {
		conn, err := amqp.Dial(url)
		if err != nil {
			return err
		}
		return conn.Close()
	})
}

// WaitForDatabase pings the database until it answers or attempts run out.
func WaitForDatabase(ctx context.Context, db *gorm.DB, maxAttempts int) error {
	slog.Info("waiting for database")
	return wait(ctx, "database", maxAttempts, func() error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return sqlDB.PingContext(pingCtx)
	})
}

func wait(ctx context.Context, name string, maxAttempts int, probe func() error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err = probe(); err == nil {
			slog.Info("dependency ready", "dependency", name, "attempts", attempt)
			return nil
		}
		if attempt == maxAttempts {
			break
		}
		delay := time.Duration(attempt) * 2 * time.Second
		slog.Warn("dependency not ready, retrying",
			"dependency", name, "attempt", attempt, "max_attempts", maxAttempts, "retry_in", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%s not ready after %d attempts: %w", name, maxAttempts, err)
}
