// Copyright (c) 2024 Netskope, Inc. All rights reserved.

// Package testutil starts throwaway containers for integration tests.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"strings"
	"testing"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/mariadb"
	"github.com/testcontainers/testcontainers-go/wait"
)

// detectReaperIssue checks if we need to disable the testcontainers reaper
// Returns true if reaper should be disabled (e.g., for Rancher Desktop)
func detectReaperIssue() bool {
	if os.Getenv("TESTCONTAINERS_RYUK_DISABLED") != "" {
		return os.Getenv("TESTCONTAINERS_RYUK_DISABLED") == "true"
	}

	dockerHost := os.Getenv("DOCKER_HOST")
	if dockerHost != "" && strings.Contains(dockerHost, ".rd/docker.sock") {
		return true
	}

	if rdSocket := rancherSocket(); rdSocket != "" && dockerHost == "" {
		return true
	}

	return os.Getenv("DOCKER_CONTEXT") == "rancher-desktop"
}

func rancherSocket() string {
	homeDir := os.Getenv("HOME")
	if homeDir == "" {
		homeDir = os.Getenv("USERPROFILE") // Windows fallback
	}
	if homeDir == "" {
		return ""
	}
	rdSocket := homeDir + "/.rd/docker.sock"
	if _, err := os.Stat(rdSocket); err != nil {
		return ""
	}
	return rdSocket
}

// prepareDocker skips t when Docker tests are disabled and points
// testcontainers at Rancher Desktop when needed.
func prepareDocker(t *testing.T) {
	t.Helper()
	if os.Getenv("SKIP_DOCKER_TESTS") == "true" {
		t.Skip("Skipping Docker-based tests (SKIP_DOCKER_TESTS=true)")
	}
	if detectReaperIssue() {
		os.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")
		t.Log("Auto-detected Rancher Desktop or reaper issue - disabling testcontainers reaper")
	}
	if os.Getenv("DOCKER_HOST") == "" {
		if rdSocket := rancherSocket(); rdSocket != "" {
			os.Setenv("DOCKER_HOST", "unix://"+rdSocket)
		}
	}
}

func skipIfNoDocker(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		return
	}
	msg := err.Error()
	if strings.Contains(msg, "Docker not found") || strings.Contains(msg, "rootless Docker") ||
		strings.Contains(msg, "Cannot connect to the Docker daemon") {
		t.Skipf("Skipping test: Docker not available: %v", err)
	}
}

func recoverDocker(t *testing.T) {
	if r := recover(); r != nil {
		if errStr, ok := r.(string); ok {
			if strings.Contains(errStr, "Docker not found") || strings.Contains(errStr, "rootless Docker") {
				t.Skipf("Skipping test: Docker not available: %v", r)
			}
		}
		panic(r)
	}
}

// MariaDB starts a MariaDB container and returns an open connection plus
// its DSN. The container is terminated when the test ends.
func MariaDB(t *testing.T, database string) (*sql.DB, string) {
	t.Helper()
	prepareDocker(t)
	defer recoverDocker(t)

	ctx := context.Background()
	container, err := mariadb.Run(ctx, "mariadb:10.11",
		mariadb.WithDatabase(database),
		mariadb.WithUsername("root"),
		mariadb.WithPassword("testpassword"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("ready for connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	skipIfNoDocker(t, err)
	if err != nil {
		t.Fatalf("Failed to start MariaDB container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "parseTime=true", "multiStatements=true")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		t.Fatalf("Failed to open database connection: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	// Retry connection with backoff
	maxRetries := 10
	for i := 0; i < maxRetries; i++ {
		if err = db.Ping(); err == nil {
			break
		}
		time.Sleep(1 * time.Second)
	}
	if err != nil {
		t.Fatalf("Failed to ping database after %d retries: %v", maxRetries, err)
	}
	return db, dsn
}

// Redis starts a Redis container and returns its host:port.
func Redis(t *testing.T) string {
	t.Helper()
	prepareDocker(t)
	defer recoverDocker(t)

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	skipIfNoDocker(t, err)
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	addr, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get Redis endpoint: %v", err)
	}
	return addr
}
