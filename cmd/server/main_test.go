package main

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"

	"retailcore/backend/internal/cache"
	"retailcore/backend/internal/config"
	"retailcore/backend/internal/lock"
)

func TestValidateSecurityConfigRejectsWeakValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{AuthSecret: "short", CommitMaxAttempts: 3})
	if err == nil {
		t.Fatalf("expected weak security config to be rejected")
	}
}

func TestValidateSecurityConfigAcceptsStrongValues(t *testing.T) {
	err := validateSecurityConfig(config.Config{AuthSecret: "0123456789abcdef0123456789abcdef", CommitMaxAttempts: 3})
	if err != nil {
		t.Fatalf("expected strong config to pass, got %v", err)
	}
}

func TestConnectRedisFallsBackToNoop(t *testing.T) {
	logger, _ := test.NewNullLogger()
	reports, locker, closeFn := connectRedis(context.Background(), config.Config{}, logger)

	if _, ok := reports.(cache.NoopReportCache); !ok {
		t.Fatalf("expected noop report cache, got %T", reports)
	}
	if _, ok := locker.(lock.NoopLocker); !ok {
		t.Fatalf("expected noop locker, got %T", locker)
	}
	if closeFn != nil {
		t.Fatalf("expected no closer without redis")
	}
}
