package persistence_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"maunium.net/go/mautrix/id"

	dbmigrations "github.com/element-hq/element-android-sub012/db/migrations"
	"github.com/element-hq/element-android-sub012/errs"
	"github.com/element-hq/element-android-sub012/internal/echostore"
	"github.com/element-hq/element-android-sub012/internal/infra/persistence/migrations"
	pgstore "github.com/element-hq/element-android-sub012/internal/infra/persistence/postgres"
	"github.com/element-hq/element-android-sub012/internal/observability"
	"github.com/element-hq/element-android-sub012/internal/schema"
	"github.com/element-hq/element-android-sub012/internal/workqueue"
)

var (
	testPool    *pgxpool.Pool
	pgContainer testcontainers.Container
	setupErr    error
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "sendqueue"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "postgres contract tests skipped: %v\n", err)
		os.Exit(0)
	}
	pgContainer = container

	setupErr = initialiseDatabase(ctx)
	exitCode := 0
	if setupErr != nil {
		fmt.Fprintf(os.Stderr, "postgres contract tests skipped: %v\n", setupErr)
	} else {
		exitCode = m.Run()
	}

	if testPool != nil {
		testPool.Close()
	}
	if pgContainer != nil {
		_ = pgContainer.Terminate(ctx)
	}
	os.Exit(exitCode)
}

func initialiseDatabase(ctx context.Context) error {
	host, err := pgContainer.Host(ctx)
	if err != nil {
		return fmt.Errorf("container host: %w", err)
	}
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return fmt.Errorf("container port: %w", err)
	}
	dsn := fmt.Sprintf("postgres://postgres:secret@%s:%s/sendqueue?sslmode=disable", host, port.Port())

	if err := migrations.Apply(ctx, dsn, dbmigrations.Files, observability.NopLogger{}); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("pgx pool: %w", err)
	}
	testPool = pool
	return nil
}

func newEcho(roomID id.RoomID) *schema.LocalEcho {
	return &schema.LocalEcho{
		TransactionID: uuid.NewString(),
		RoomID:        roomID,
		SenderID:      "@alice:example.org",
		Type:          schema.EventTypeMessage,
		Content:       schema.TextMessageContent("contract"),
		SendState:     schema.SendStateUnsent,
		CreatedAt:     time.Now().UTC(),
	}
}

func TestEchoStoreRoundTrip(t *testing.T) {
	store := pgstore.NewEchoStore(testPool)
	ctx := context.Background()
	room := id.RoomID("!roundtrip:example.org")

	echo := newEcho(room)
	require.NoError(t, store.Create(ctx, echo))

	loaded, err := store.GetForProcessing(ctx, echo.TransactionID)
	require.NoError(t, err)
	require.Equal(t, echo.TransactionID, loaded.TransactionID)
	require.Equal(t, room, loaded.RoomID)
	require.Equal(t, schema.SendStateUnsent, loaded.SendState)
	require.JSONEq(t, string(echo.Content), string(loaded.Content))

	err = store.Create(ctx, echo)
	require.True(t, errs.IsCode(err, errs.CodeDuplicateEcho))
}

func TestEchoStoreCreateResetsSendState(t *testing.T) {
	store := pgstore.NewEchoStore(testPool)
	ctx := context.Background()

	echo := newEcho(id.RoomID("!reset:example.org"))
	echo.SendState = schema.SendStateSent
	echo.SendStateDetails = "stale"
	require.NoError(t, store.Create(ctx, echo))

	loaded, err := store.GetForProcessing(ctx, echo.TransactionID)
	require.NoError(t, err)
	require.Equal(t, schema.SendStateUnsent, loaded.SendState)
	require.Empty(t, loaded.SendStateDetails)
}

func TestEchoStoreSyncedGuard(t *testing.T) {
	store := pgstore.NewEchoStore(testPool)
	ctx := context.Background()
	room := id.RoomID("!guard:example.org")

	echo := newEcho(room)
	require.NoError(t, store.Create(ctx, echo))
	require.NoError(t, store.UpdateSendState(ctx, echo.TransactionID, room, schema.SendStateSynced, ""))

	// A late SENT acknowledgment must not regress the row.
	require.NoError(t, store.UpdateSendState(ctx, echo.TransactionID, room, schema.SendStateSent, ""))
	loaded, err := store.GetForProcessing(ctx, echo.TransactionID)
	require.NoError(t, err)
	require.Equal(t, schema.SendStateSynced, loaded.SendState)
}

func TestEchoStoreQueryAndSummary(t *testing.T) {
	store := pgstore.NewEchoStore(testPool)
	ctx := context.Background()
	room := id.RoomID("!query:example.org")

	first := newEcho(room)
	first.CreatedAt = time.Now().UTC().Add(-time.Minute)
	second := newEcho(room)
	require.NoError(t, store.Create(ctx, first))
	require.NoError(t, store.Create(ctx, second))
	require.NoError(t, store.UpdateSendState(ctx, first.TransactionID, room, schema.SendStateUndelivered, "rejected"))

	failed, err := store.QueryByStates(ctx, room, schema.FailureStates())
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, first.TransactionID, failed[0].TransactionID)
	require.Equal(t, "rejected", failed[0].SendStateDetails)

	summary, err := store.Summary(ctx, room)
	require.NoError(t, err)
	require.Equal(t, 1, summary.PendingCount)
	require.Equal(t, 1, summary.FailedCount)

	require.NoError(t, store.Delete(ctx, first.TransactionID, room))
	_, err = store.GetForProcessing(ctx, first.TransactionID)
	require.True(t, errs.IsCode(err, errs.CodeNotFound))
}

func TestEchoStoreObserverReceivesChanges(t *testing.T) {
	store := pgstore.NewEchoStore(testPool)
	ctx := context.Background()
	room := id.RoomID("!observe:example.org")

	var changes []echostore.Change
	store.RegisterObserver(func(change echostore.Change) {
		changes = append(changes, change)
	})

	echo := newEcho(room)
	require.NoError(t, store.Create(ctx, echo))
	require.NoError(t, store.UpdateSendState(ctx, echo.TransactionID, room, schema.SendStateSending, ""))

	require.Len(t, changes, 2)
	require.Equal(t, echostore.ChangeCreated, changes[0].Kind)
	require.Equal(t, echostore.ChangeUpdated, changes[1].Kind)
	require.Equal(t, schema.SendStateSending, changes[1].Echo.SendState)
	require.Equal(t, 1, changes[1].Summary.PendingCount)
}

func TestJournalStoreChainLifecycle(t *testing.T) {
	journal := pgstore.NewJournalStore(testPool)
	ctx := context.Background()

	record := workqueue.ChainRecord{
		ID:     uuid.NewString(),
		Lane:   "room/!journal:example.org",
		Stages: []string{"encrypt", "send"},
		Input:  []byte(`{"transactionId":"t1"}`),
	}
	require.NoError(t, journal.Append(ctx, record))

	pending, err := journal.ListPending(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, pending)
	found := false
	for _, p := range pending {
		if p.ID == record.ID {
			found = true
			require.Equal(t, record.Stages, p.Stages)
			require.JSONEq(t, string(record.Input), string(p.Input))
		}
	}
	require.True(t, found)

	require.NoError(t, journal.MarkStage(ctx, record.ID, 1, []byte(`{"eventId":"$e1"}`)))
	pending, err = journal.ListPending(ctx)
	require.NoError(t, err)
	for _, p := range pending {
		if p.ID == record.ID {
			require.Equal(t, 1, p.StageIndex)
			require.JSONEq(t, `{"eventId":"$e1"}`, string(p.Input))
		}
	}

	require.NoError(t, journal.MarkDone(ctx, record.ID, workqueue.OutcomeCompleted, ""))
	pending, err = journal.ListPending(ctx)
	require.NoError(t, err)
	for _, p := range pending {
		require.NotEqual(t, record.ID, p.ID)
	}
}
