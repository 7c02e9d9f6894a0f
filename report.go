package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// ReportSink receives the result of every pass, successful or not.
type ReportSink interface {
	Report(ctx context.Context, res *PassResult) error
	Close() error
}

// logSink writes the pass summary and timings to the global logger.
type logSink struct{}

func (logSink) Report(_ context.Context, res *PassResult) error {
	ev := log.Info()
	if res.Status != statusSuccess {
		ev = log.Warn().Str("error", res.Error)
	}
	ev.Str("mode", string(res.Mode)).
		Str("source", res.Source).
		Int64("log_hash", res.Identity).
		Str("status", res.Status).
		Int("tables", len(res.Tables)).
		Dur("elapsed", res.FinishedAt.Sub(res.StartedAt)).
		Msg("pass finished")
	for _, t := range res.Timings {
		log.Debug().Str("table", t.Table).Str("phase", t.Phase).Dur("took", t.Duration).Msg("  timing")
	}
	return nil
}

func (logSink) Close() error { return nil }

// redisSink publishes the pass result:
//
//	SET     <prefix>:<log_hash>:state  <JSON>  EX <ttl>  (polling)
//	PUBLISH <prefix>                   <JSON>            (pub/sub)
type redisSink struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func newRedisSink(cfg ReportConfig) *redisSink {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return &redisSink{client: client, prefix: cfg.KeyPrefix, ttl: time.Duration(cfg.TTLSeconds) * time.Second}
}

func (s *redisSink) stateKey(identity int64) string {
	return s.prefix + ":" + strconv.FormatInt(identity, 10) + ":state"
}

func (s *redisSink) Report(ctx context.Context, res *PassResult) error {
	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal pass result: %w", err)
	}
	// A pass that failed before reading the identity has no state key.
	if res.Identity != 0 {
		if err := s.client.Set(ctx, s.stateKey(res.Identity), payload, s.ttl).Err(); err != nil {
			return fmt.Errorf("redis SET: %w", err)
		}
	}
	if err := s.client.Publish(ctx, s.prefix, payload).Err(); err != nil {
		return fmt.Errorf("redis PUBLISH: %w", err)
	}
	return nil
}

func (s *redisSink) Close() error { return s.client.Close() }

// reportSinks builds the configured sinks; the log sink is always first.
func reportSinks(cfg ReportConfig) []ReportSink {
	sinks := []ReportSink{logSink{}}
	if cfg.RedisAddr != "" {
		sinks = append(sinks, newRedisSink(cfg))
	}
	return sinks
}

// publishReport sends res to every sink. Sink failures are logged, not fatal.
// Reports still go out after ctx is cancelled.
func publishReport(ctx context.Context, sinks []ReportSink, res *PassResult) {
	ctx = context.WithoutCancel(ctx)
	for _, s := range sinks {
		if err := s.Report(ctx, res); err != nil {
			log.Warn().Err(err).Msg("report sink failed")
		}
	}
}

func closeSinks(sinks []ReportSink) error {
	var errs []error
	for _, s := range sinks {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
