// intakecheck publishes a probe message through the intake exchange and
// consumes it back, verifying broker connectivity and topology end to end.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"paperflow/internal/config"
	"paperflow/internal/rabbitmq"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type probeScheduler struct {
	received chan string
}

func (p *probeScheduler) ScheduleRequestByID(_ context.Context, requestID string) error {
	p.received <- requestID
	return nil
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	configPath := "config/config.json"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	client, err := rabbitmq.NewClientFromConfig(cfg.RabbitMQ)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create RabbitMQ client")
	}
	defer client.Close()

	if err := client.Health(); err != nil {
		log.Fatal().Err(err).Msg("RabbitMQ health check failed")
	}
	log.Info().Msg("RabbitMQ health check passed")

	intake, err := rabbitmq.NewIntake(client, cfg.RabbitMQ)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to set up intake topology")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	probe := &probeScheduler{received: make(chan string, 1)}
	go func() {
		if err := intake.Consume(ctx, probe); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("Consumer stopped")
		}
	}()

	probeID := time.Now().Format("probe-20060102T150405")
	if err := intake.PublishRequest(ctx, probeID); err != nil {
		log.Fatal().Err(err).Msg("Failed to publish probe message")
	}
	log.Info().Str("probeID", probeID).Msg("Published probe message")

	select {
	case got := <-probe.received:
		if got == probeID {
			log.Info().Str("probeID", got).Msg("Probe message round-tripped, intake queue is healthy")
		} else {
			log.Warn().Str("expected", probeID).Str("got", got).Msg("Received a different message; queue has backlog")
		}
	case <-time.After(10 * time.Second):
		log.Fatal().Msg("Timed out waiting for probe message")
	case <-ctx.Done():
	}
}
