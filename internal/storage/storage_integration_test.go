package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/chittyos/chittybroker/internal/integrity"
	"github.com/chittyos/chittybroker/internal/model"
	"github.com/chittyos/chittybroker/migrations"
)

// testDB is the shared database for all integration tests in this file.
// Tests run only when CHITTYBROKER_INTEGRATION=1 and Docker is available.
var testDB *DB

func TestMain(m *testing.M) {
	if os.Getenv("CHITTYBROKER_INTEGRATION") != "1" {
		os.Exit(m.Run())
	}

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:18-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "chitty",
			"POSTGRES_PASSWORD": "chitty",
			"POSTGRES_DB":       "chittybroker",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start container: %v\n", err)
		os.Exit(1)
	}

	host, err := container.Host(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get container host: %v\n", err)
		os.Exit(1)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get container port: %v\n", err)
		os.Exit(1)
	}

	dsn := fmt.Sprintf("postgres://chitty:chitty@%s:%s/chittybroker?sslmode=disable", host, port.Port())
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	testDB, err = New(ctx, dsn, "", logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect: %v\n", err)
		os.Exit(1)
	}
	if err := testDB.RunMigrations(ctx, migrations.FS); err != nil {
		fmt.Fprintf(os.Stderr, "failed to run migrations: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close(ctx)
	_ = container.Terminate(ctx)
	os.Exit(code)
}

func requireIntegration(t *testing.T) {
	t.Helper()
	if os.Getenv("CHITTYBROKER_INTEGRATION") != "1" {
		t.Skip("set CHITTYBROKER_INTEGRATION=1 to run storage integration tests")
	}
}

func newTestContext(t *testing.T) *model.ContextEntity {
	t.Helper()
	now := time.Now().Unix()
	hash := integrity.ComputeAnchorHash("/projects/"+uuid.NewString(), "dev", "development", "acme")
	return &model.ContextEntity{
		ID:           uuid.New(),
		ChittyID:     "01-Z-" + uuid.NewString()[:8], // uniqueness only; grammar not needed here
		ContextHash:  hash,
		SupportType:  "development",
		Organization: "acme",
		TrustScore:   0,
		TrustLevel:   0,
		Status:       model.StatusActive,
		CreatedAt:    now,
		LastActivity: now,
	}
}

func mustCreateContext(t *testing.T, e *model.ContextEntity) {
	t.Helper()
	dna := &model.ContextDNA{ContextID: e.ID, SuccessRate: 0, UpdatedAt: e.CreatedAt}
	entry, err := testDB.CreateContextWithDNA(context.Background(), e, dna)
	require.NoError(t, err)
	require.Equal(t, int64(1), entry.Seq)
	require.Equal(t, model.GenesisHash, entry.PreviousHash)
}

func TestCreateContextDuplicateHashConflicts(t *testing.T) {
	requireIntegration(t)
	ctx := context.Background()

	e := newTestContext(t)
	mustCreateContext(t, e)

	dup := newTestContext(t)
	dup.ContextHash = e.ContextHash
	_, err := testDB.CreateContextWithDNA(ctx, dup, &model.ContextDNA{ContextID: dup.ID})
	assert.ErrorIs(t, err, ErrConflict)

	got, err := testDB.GetActiveContextByHash(ctx, e.ContextHash)
	require.NoError(t, err)
	assert.Equal(t, e.ID, got.ID)
}

func TestLedgerChainsAcrossAppends(t *testing.T) {
	requireIntegration(t)
	ctx := context.Background()

	e := newTestContext(t)
	mustCreateContext(t, e)

	for i := range 3 {
		_, err := testDB.AppendLedgerEntry(ctx, e.ID, model.LedgerDecision, map[string]any{"n": i})
		require.NoError(t, err)
	}

	entries, err := testDB.ListLedger(ctx, e.ID, 0, 100)
	require.NoError(t, err)
	require.Len(t, entries, 4) // genesis transaction + 3 decisions

	idx, err := integrity.VerifyChain(entries)
	require.NoError(t, err)
	assert.Equal(t, -1, idx)
}

func TestBindingLifecycle(t *testing.T) {
	requireIntegration(t)
	ctx := context.Background()

	e := newTestContext(t)
	mustCreateContext(t, e)

	sessionID := "sess-" + uuid.NewString()
	b, err := testDB.CreateBinding(ctx, e.ID, sessionID, "claude")
	require.NoError(t, err)
	assert.True(t, b.Active())

	// A second open binding for the same session must conflict.
	_, err = testDB.CreateBinding(ctx, e.ID, sessionID, "claude")
	assert.ErrorIs(t, err, ErrConflict)

	got, err := testDB.GetActiveBinding(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.ID)

	// Roll the session up.
	trustHash, err := integrity.ComputeTrustHash(e.ID, 0, 0, 1, 21, "session_rollup", nil)
	require.NoError(t, err)
	entry, err := testDB.ApplySessionRollup(ctx, SessionRollup{
		BindingID: b.ID,
		ContextID: e.ID,
		Reason:    model.UnbindSessionComplete,
		Metrics:   model.SessionMetrics{Interactions: 10, Decisions: 2, SuccessRate: 0.9},
		DNA: model.ContextDNA{
			ContextID: e.ID, InteractionsCount: 10, DecisionsCount: 2,
			SuccessRate: 0.9, UpdatedAt: time.Now().Unix(),
		},
		TrustEntry: model.TrustEvolutionEntry{
			ID: uuid.New(), ContextID: e.ID,
			NewLevel: 1, NewScore: 21,
			ChangeTrigger: "session_rollup", ContentHash: trustHash,
		},
		Payload: map[string]any{"event": "session_complete"},
	})
	require.NoError(t, err)
	assert.Equal(t, model.LedgerOutcome, entry.EventType)

	// Closing twice conflicts.
	_, err = testDB.ApplySessionRollup(ctx, SessionRollup{BindingID: b.ID, ContextID: e.ID, Reason: model.UnbindSessionComplete})
	assert.ErrorIs(t, err, ErrConflict)

	// Trust landed on the entity and in the evolution log.
	updated, err := testDB.GetContext(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, updated.TrustLevel)
	assert.InDelta(t, 21, updated.TrustScore, 0.001)

	history, err := testDB.ListTrustHistory(ctx, e.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, trustHash, history[0].ContentHash)

	// Session no longer has an open binding.
	_, err = testDB.GetActiveBinding(ctx, sessionID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStatusTransitionConditional(t *testing.T) {
	requireIntegration(t)
	ctx := context.Background()

	e := newTestContext(t)
	mustCreateContext(t, e)

	require.NoError(t, testDB.UpdateContextStatus(ctx, e.ID, model.StatusActive, model.StatusArchived))
	// Stale expectation loses.
	assert.ErrorIs(t, testDB.UpdateContextStatus(ctx, e.ID, model.StatusActive, model.StatusDormant), ErrConflict)

	// Archived contexts leave the active-hash namespace, so the fingerprint is reusable.
	_, err := testDB.GetActiveContextByHash(ctx, e.ContextHash)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCredentialAuditRoundTrip(t *testing.T) {
	requireIntegration(t)
	ctx := context.Background()

	tokenID := "tok-" + uuid.NewString()
	require.NoError(t, testDB.InsertCredentialAudit(ctx, &model.CredentialAuditEntry{
		Type: "service_token", Service: "chittycases", RequestingService: "chittybroker",
		TokenID: tokenID, Outcome: "vault", ExpiresAt: time.Now().Add(time.Hour).Unix(),
	}))

	got, err := testDB.GetCredentialAuditByTokenID(ctx, tokenID)
	require.NoError(t, err)
	assert.Equal(t, "chittycases", got.Service)
	assert.Zero(t, got.RevokedAt)

	require.NoError(t, testDB.MarkCredentialRevoked(ctx, tokenID, "rotation"))
	assert.ErrorIs(t, testDB.MarkCredentialRevoked(ctx, tokenID, "rotation"), ErrNotFound)

	got, err = testDB.GetCredentialAuditByTokenID(ctx, tokenID)
	require.NoError(t, err)
	assert.NotZero(t, got.RevokedAt)
	assert.Equal(t, "rotation", got.RevokeReason)
}
