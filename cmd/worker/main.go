// The worker is the long-running service mode: repeated drain cycles with
// an ops HTTP endpoint, shut down by SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/ignite/smtp-dispatch/internal/config"
	"github.com/ignite/smtp-dispatch/internal/mailer"
	"github.com/ignite/smtp-dispatch/internal/ops"
	"github.com/ignite/smtp-dispatch/internal/pkg/logger"
	"github.com/ignite/smtp-dispatch/internal/queue"
	"github.com/ignite/smtp-dispatch/internal/ratelimit"
	smtppool "github.com/ignite/smtp-dispatch/internal/smtp"
	"github.com/ignite/smtp-dispatch/internal/worker"
)

// idleBetweenCycles keeps an empty queue from being hammered with
// back-to-back drain cycles.
const idleBetweenCycles = 5 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))

	if cfg.Queue.URL == "" {
		log.Fatal("SQS_QUEUE_URL not configured")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sqsClient, err := newSQSClient(ctx, cfg)
	if err != nil {
		log.Fatalf("aws config: %v", err)
	}

	transport, err := smtppool.NewPool(cfg.SMTP)
	if err != nil {
		log.Fatalf("smtp: %v", err)
	}
	defer transport.Close()

	limiter := ratelimit.New(cfg.Sender.GlobalRatePerSecond, cfg.Sender.DomainLimits)
	limiter.StartJanitor(ctx)

	sender := mailer.NewSender(cfg.SMTP, cfg.Sender, transport, limiter)
	sender.StartMaintenance(ctx)

	adapter := queue.New(sqsClient, cfg.Queue.URL, cfg.Queue.DLQURL)
	pool := worker.NewPool(sender, adapter, cfg.Drain.MaxConcurrency)
	drainer := worker.NewDrainer(adapter, pool, cfg.Drain)

	opsHandler := ops.NewHandler(limiter, pool)
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.GetHost(), cfg.Server.Port),
		Handler:      opsHandler.Routes(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		log.Printf("[Worker] ops endpoint listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	log.Printf("[Worker] %s draining %s", drainer.ID(), cfg.Queue.URL)

	for ctx.Err() == nil {
		deadline := time.Now().Add(cfg.Drain.RunBudget() - cfg.Drain.DrainBuffer())
		summary, err := drainer.Drain(ctx, deadline)
		if err != nil {
			logger.Error("drain cycle failed", "error", err)
		} else {
			opsHandler.RecordSummary(summary)
		}

		select {
		case <-ctx.Done():
		case <-time.After(idleBetweenCycles):
		}
	}

	log.Println("[Worker] shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
}

// newSQSClient builds the SQS client from the default AWS chain. Setting
// SQS_ENDPOINT points it at a local emulator with static dev credentials.
func newSQSClient(ctx context.Context, cfg *config.Config) (*sqs.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Queue.Region)}
	endpoint := os.Getenv("SQS_ENDPOINT")
	if endpoint != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("local", "local", "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}), nil
}
