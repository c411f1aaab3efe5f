package database

import (
	"context"
	stdsql "database/sql"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/bettafish/bettafish/pkg/models"
)

// newTestClient creates a test database client with CI/local environment detection.
// In CI (when CI_DATABASE_URL is set): connects to an external PostgreSQL service.
// In local dev: spins up a testcontainer with PostgreSQL.
func newTestClient(t *testing.T) *Client {
	ctx := context.Background()

	connStr := os.Getenv("CI_DATABASE_URL")
	if connStr != "" {
		t.Log("Using external PostgreSQL from CI_DATABASE_URL")
	} else {
		t.Log("Using testcontainers for PostgreSQL")
		pgContainer, err := postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		require.NoError(t, err)

		t.Cleanup(func() {
			if err := testcontainers.TerminateContainer(pgContainer); err != nil {
				t.Logf("failed to terminate container: %v", err)
			}
		})

		connStr, err = pgContainer.ConnectionString(ctx, "sslmode=disable")
		require.NoError(t, err)
	}

	db, err := stdsql.Open("pgx", connStr)
	require.NoError(t, err)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	client, err := NewClientFromDB(db)
	require.NoError(t, err)

	t.Cleanup(func() { _ = client.Close() })
	return client
}

func sampleTask(id string, createdAt time.Time) *models.ReportTask {
	return &models.ReportTask{
		TaskID:    id,
		Query:     "新能源汽车市场舆情",
		Status:    models.TaskStatusRunning,
		Progress:  40,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func TestClient_SaveAndGetRun(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	created := time.Now().UTC().Truncate(time.Millisecond)
	task := sampleTask("run-1", created)
	require.NoError(t, client.SaveRun(ctx, task))

	got, err := client.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, task.Query, got.Query)
	assert.Equal(t, models.TaskStatusRunning, got.Status)
	assert.Equal(t, 40, got.Progress)

	// Upsert updates the mutable columns in place.
	task.Status = models.TaskStatusCompleted
	task.Progress = 100
	task.HTMLPath = "final_reports/run-1.html"
	task.UpdatedAt = time.Now().UTC()
	require.NoError(t, client.SaveRun(ctx, task))

	got, err = client.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, "final_reports/run-1.html", got.HTMLPath)
}

func TestClient_GetRun_NotFound(t *testing.T) {
	client := newTestClient(t)

	_, err := client.GetRun(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestClient_ListRuns_NewestFirst(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i, id := range []string{"old", "mid", "new"} {
		require.NoError(t, client.SaveRun(ctx, sampleTask(id, base.Add(time.Duration(i)*time.Minute))))
	}

	runs, err := client.ListRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "new", runs[0].TaskID)
	assert.Equal(t, "mid", runs[1].TaskID)
}

func TestClient_ForumEntries(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()

	entries := []ForumEntry{
		{TaskID: "run-1", Tag: "INSIGHT", Content: "第一条发言"},
		{TaskID: "run-1", Tag: "HOST", Content: "主持人总结"},
	}
	for _, e := range entries {
		require.NoError(t, client.SaveForumEntry(ctx, e))
	}

	got, err := client.RecentForumEntries(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "HOST", got[0].Tag)
	assert.Equal(t, "INSIGHT", got[1].Tag)
	assert.False(t, got[0].LoggedAt.IsZero())
}

func TestClient_Health(t *testing.T) {
	client := newTestClient(t)
	assert.NoError(t, client.Health(context.Background()))
}
