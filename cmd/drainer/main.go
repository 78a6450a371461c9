// The drainer is the one-shot entry point: a scheduler invokes it, it
// drains the send queue until empty or until the run budget nears, prints
// the run summary as JSON on stdout, and exits.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/smtp-dispatch/internal/config"
	"github.com/ignite/smtp-dispatch/internal/domain"
	"github.com/ignite/smtp-dispatch/internal/mailer"
	"github.com/ignite/smtp-dispatch/internal/pkg/distlock"
	"github.com/ignite/smtp-dispatch/internal/pkg/logger"
	"github.com/ignite/smtp-dispatch/internal/queue"
	"github.com/ignite/smtp-dispatch/internal/ratelimit"
	smtppool "github.com/ignite/smtp-dispatch/internal/smtp"
	"github.com/ignite/smtp-dispatch/internal/worker"
)

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

	deadline := time.Now().Add(cfg.Drain.RunBudget() - cfg.Drain.DrainBuffer())

	run := func(ctx context.Context) error {
		summary, err := drainer.Drain(ctx, deadline)
		if err != nil {
			return err
		}
		return json.NewEncoder(os.Stdout).Encode(summary)
	}

	if cfg.Redis.URL != "" {
		held, err := guarded(ctx, cfg, drainer.ID(), run)
		if err != nil {
			log.Fatalf("drain: %v", err)
		}
		if !held {
			logger.Warn("another drainer holds the lock, exiting", "drainer_id", drainer.ID())
			// Still a clean exit: the overlapping run owns the queue.
			json.NewEncoder(os.Stdout).Encode(domain.Summary{StoppedReason: domain.StopQueueEmpty})
		}
		return
	}

	if err := run(ctx); err != nil {
		log.Fatalf("drain: %v", err)
	}
}

// guarded runs fn under the Redis overlap lock so overlapping scheduler
// invocations never drain concurrently.
func guarded(ctx context.Context, cfg *config.Config, owner string, fn func(context.Context) error) (bool, error) {
	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return false, fmt.Errorf("redis url: %w", err)
	}
	client := redis.NewClient(opts)
	defer client.Close()

	lock := distlock.New(client, "drainer", owner, cfg.Redis.LockTTL())
	return lock.Guard(ctx, fn)
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
