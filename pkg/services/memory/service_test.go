package memory

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomery/loom/pkg/bus"
	"github.com/loomery/loom/pkg/errkind"
	"github.com/loomery/loom/pkg/identity"
	"github.com/loomery/loom/pkg/models"
	testbus "github.com/loomery/loom/test/bus"
)

type passthrough struct{}

func (passthrough) ConvertValue(v any) (driver.Value, error) { return v, nil }

type stubProjects struct{ err error }

func (s stubProjects) Authorize(ctx context.Context, callerID, projectID uuid.UUID) error {
	return s.err
}

func testService(t *testing.T, projects ProjectAuthorizer) (*Service, sqlmock.Sqlmock, *testbus.Recorder) {
	t.Helper()

	db, mock, err := sqlmock.New(
		sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp),
		sqlmock.ValueConverterOption(passthrough{}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	rec := testbus.NewRecorder()
	return NewService(db, rec, projects), mock, rec
}

func bucketRows(bs ...*models.MemoryBucket) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"id", "owner_id", "project_id", "name", "memory_type", "config",
		"message_count", "token_count", "created_at", "updated_at"})
	for _, b := range bs {
		cfg, _ := json.Marshal(b.Config)
		if b.Config == nil {
			cfg = []byte(`{}`)
		}
		rows.AddRow(b.ID, b.OwnerID, b.ProjectID, b.Name, b.MemoryType, cfg,
			b.MessageCount, b.TokenCount, time.Now(), time.Now())
	}
	return rows
}

func testBucket(owner uuid.UUID, memoryType models.MemoryType, cfg map[string]any) *models.MemoryBucket {
	return &models.MemoryBucket{
		ID:         uuid.New(),
		OwnerID:    owner,
		ProjectID:  uuid.New(),
		Name:       "chat-history",
		MemoryType: memoryType,
		Config:     cfg,
	}
}

func textContent(text string) []models.ContentPart {
	return []models.ContentPart{{Type: models.ContentTypeText, Text: text}}
}

func TestValidateBucketConfig(t *testing.T) {
	t.Run("window size must be a positive integer", func(t *testing.T) {
		for _, bad := range []any{-1.0, 0.0, 2.5, "ten"} {
			err := validateBucketConfig(models.MemoryTypeBufferWindow, map[string]any{"k": bad})
			assert.True(t, errors.Is(err, errkind.ErrInvalidInput), "k=%v", bad)
		}
		assert.NoError(t, validateBucketConfig(models.MemoryTypeBufferWindow, map[string]any{"k": 5.0}))
		assert.NoError(t, validateBucketConfig(models.MemoryTypeBufferWindow, nil))
	})

	t.Run("summary must be a string", func(t *testing.T) {
		err := validateBucketConfig(models.MemoryTypeSummary, map[string]any{"summary": 42})
		assert.True(t, errors.Is(err, errkind.ErrInvalidInput))
		assert.NoError(t, validateBucketConfig(models.MemoryTypeSummary, map[string]any{"summary": "so far"}))
	})
}

func TestCreateBucket(t *testing.T) {
	owner := uuid.New()

	t.Run("happy path", func(t *testing.T) {
		svc, mock, _ := testService(t, stubProjects{})
		mock.ExpectQuery(`INSERT INTO memory_buckets`).
			WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(time.Now(), time.Now()))

		b, err := svc.CreateBucket(context.Background(), identity.Principal{ID: owner}, models.CreateBucketRequest{
			ProjectID:  uuid.New(),
			Name:       "chat-history",
			MemoryType: models.MemoryTypeBufferWindow,
			Config:     map[string]any{"k": 4.0},
		})
		require.NoError(t, err)
		assert.Equal(t, owner, b.OwnerID)
		assert.Equal(t, 4, b.WindowSize())
	})

	t.Run("foreign project refuses", func(t *testing.T) {
		svc, _, _ := testService(t, stubProjects{err: errkind.Permission("project belongs to another user")})
		_, err := svc.CreateBucket(context.Background(), identity.Principal{ID: owner}, models.CreateBucketRequest{
			ProjectID:  uuid.New(),
			Name:       "chat-history",
			MemoryType: models.MemoryTypeBufferWindow,
		})
		assert.True(t, errors.Is(err, errkind.ErrPermission))
	})
}

func TestGetScopesToOwner(t *testing.T) {
	svc, mock, _ := testService(t, stubProjects{})
	foreign := testBucket(uuid.New(), models.MemoryTypeBufferWindow, nil)

	mock.ExpectQuery(`SELECT .+ FROM memory_buckets WHERE id`).WillReturnRows(bucketRows(foreign))

	_, err := svc.Get(context.Background(), identity.Principal{ID: uuid.New()}, foreign.ID)
	assert.True(t, errors.Is(err, errkind.ErrNotFound))
}

func TestDeletePublishesBucketDeleted(t *testing.T) {
	svc, mock, rec := testService(t, stubProjects{})
	owner := uuid.New()
	b := testBucket(owner, models.MemoryTypeBufferWindow, nil)

	mock.ExpectQuery(`SELECT .+ FROM memory_buckets WHERE id`).WillReturnRows(bucketRows(b))
	mock.ExpectExec(`DELETE FROM memory_buckets WHERE id`).WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, svc.Delete(context.Background(), identity.Principal{ID: owner}, b.ID))

	events := rec.Published(models.KeyBucketDeleted)
	require.Len(t, events, 1)
	assert.Equal(t, b.ID, events[0].Body.(models.BucketDeletedEvent).BucketID)
}

func TestValidateBuckets(t *testing.T) {
	owner := uuid.New()
	b1 := testBucket(owner, models.MemoryTypeBufferWindow, nil)
	b2 := testBucket(owner, models.MemoryTypeBufferWindow, nil)

	t.Run("all owned", func(t *testing.T) {
		svc, mock, _ := testService(t, stubProjects{})
		mock.ExpectQuery(`SELECT .+ FROM memory_buckets\s+WHERE id = ANY`).WillReturnRows(bucketRows(b1, b2))

		ok, err := svc.Validate(context.Background(), identity.Principal{ID: owner}, []uuid.UUID{b1.ID, b2.ID})
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("one foreign or missing", func(t *testing.T) {
		svc, mock, _ := testService(t, stubProjects{})
		mock.ExpectQuery(`SELECT .+ FROM memory_buckets\s+WHERE id = ANY`).WillReturnRows(bucketRows(b1))

		ok, err := svc.Validate(context.Background(), identity.Principal{ID: owner}, []uuid.UUID{b1.ID, uuid.New()})
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("empty list is trivially valid", func(t *testing.T) {
		svc, _, _ := testService(t, stubProjects{})
		ok, err := svc.Validate(context.Background(), identity.Principal{ID: owner}, nil)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func messageRows(bucketID uuid.UUID, newestFirst ...string) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"id", "bucket_id", "role", "content", "idempotency_key", "ts"})
	ts := time.Now()
	for i, text := range newestFirst {
		content, _ := json.Marshal(textContent(text))
		rows.AddRow(uuid.New(), bucketID, models.RoleUser, content, nil, ts.Add(-time.Duration(i)*time.Minute))
	}
	return rows
}

func TestHistory(t *testing.T) {
	owner := uuid.New()

	t.Run("window applied server-side, chronological order", func(t *testing.T) {
		svc, mock, _ := testService(t, stubProjects{})
		b := testBucket(owner, models.MemoryTypeBufferWindow, map[string]any{"k": 2.0})

		mock.ExpectQuery(`SELECT .+ FROM memory_buckets WHERE id`).WillReturnRows(bucketRows(b))
		mock.ExpectQuery(`SELECT .+\s+FROM memory_messages WHERE bucket_id = \$1\s+ORDER BY ts DESC LIMIT \$2`).
			WithArgs(b.ID, 2).
			WillReturnRows(messageRows(b.ID, "newest", "older"))

		h, err := svc.History(context.Background(), identity.Principal{ID: owner}, b.ID)
		require.NoError(t, err)
		assert.Equal(t, models.MemoryTypeBufferWindow, h.MemoryType)
		require.Len(t, h.History, 2)
		assert.Equal(t, "older", h.History[0].Content[0].Text)
		assert.Equal(t, "newest", h.History[1].Content[0].Text)
	})

	t.Run("summary bucket leads with the stored summary", func(t *testing.T) {
		svc, mock, _ := testService(t, stubProjects{})
		b := testBucket(owner, models.MemoryTypeSummary, map[string]any{"summary": "we planned a trip"})

		mock.ExpectQuery(`SELECT .+ FROM memory_buckets WHERE id`).WillReturnRows(bucketRows(b))
		mock.ExpectQuery(`SELECT .+\s+FROM memory_messages WHERE bucket_id`).
			WillReturnRows(messageRows(b.ID, "and the budget?"))

		h, err := svc.History(context.Background(), identity.Principal{ID: owner}, b.ID)
		require.NoError(t, err)
		require.Len(t, h.History, 2)
		assert.Equal(t, models.RoleSystem, h.History[0].Role)
		assert.Contains(t, h.History[0].Content[0].Text, "we planned a trip")
	})
}

func TestAppendContext(t *testing.T) {
	owner := uuid.New()
	key := "job-7f3a"

	batch := func(bucketID uuid.UUID) models.MemoryContextUpdateEvent {
		return models.MemoryContextUpdateEvent{
			IdempotencyKey: key,
			MemoryBucketID: bucketID,
			MessagesToAdd: []models.MessageToAdd{
				{Role: models.RoleUser, Content: textContent("hello")},
				{Role: models.RoleAssistant, Content: textContent("hi there")},
			},
		}
	}

	t.Run("first message carries the key, counts refresh", func(t *testing.T) {
		svc, mock, _ := testService(t, stubProjects{})
		b := testBucket(owner, models.MemoryTypeBufferWindow, nil)

		userContent, _ := json.Marshal(textContent("hello"))
		assistantContent, _ := json.Marshal(textContent("hi there"))

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT .+ FROM memory_buckets WHERE id`).WillReturnRows(bucketRows(b))
		mock.ExpectExec(`INSERT INTO memory_messages`).
			WithArgs(sqlmock.AnyArg(), b.ID, models.RoleUser, userContent, &key).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`INSERT INTO memory_messages`).
			WithArgs(sqlmock.AnyArg(), b.ID, models.RoleAssistant, assistantContent, (*string)(nil)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`UPDATE memory_buckets\s+SET message_count = \(SELECT count`).
			WithArgs(b.ID, (len("hello")+len("hi there")+3)/4).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		require.NoError(t, svc.AppendContext(context.Background(), batch(b.ID)))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("replay is detected and nothing is written", func(t *testing.T) {
		svc, mock, _ := testService(t, stubProjects{})
		b := testBucket(owner, models.MemoryTypeBufferWindow, nil)

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT .+ FROM memory_buckets WHERE id`).WillReturnRows(bucketRows(b))
		mock.ExpectExec(`INSERT INTO memory_messages`).
			WillReturnError(&pgconn.PgError{Code: "23505"})
		mock.ExpectRollback()

		err := svc.AppendContext(context.Background(), batch(b.ID))
		assert.True(t, errors.Is(err, errkind.ErrAlreadyExists))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestContextConsumer(t *testing.T) {
	owner := uuid.New()

	deliver := func(t *testing.T, ev models.MemoryContextUpdateEvent) bus.Delivery {
		t.Helper()
		raw, err := json.Marshal(ev)
		require.NoError(t, err)
		return bus.Delivery{Exchange: models.ExchangeMemory, RoutingKey: models.KeyMemoryContextUpdate, Body: raw}
	}

	t.Run("duplicate batch is acked", func(t *testing.T) {
		svc, mock, _ := testService(t, stubProjects{})
		b := testBucket(owner, models.MemoryTypeBufferWindow, nil)
		consumer := NewContextConsumer(svc)

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT .+ FROM memory_buckets WHERE id`).WillReturnRows(bucketRows(b))
		mock.ExpectExec(`INSERT INTO memory_messages`).WillReturnError(&pgconn.PgError{Code: "23505"})
		mock.ExpectRollback()

		err := consumer.handle(context.Background(), deliver(t, models.MemoryContextUpdateEvent{
			IdempotencyKey: "job-1",
			MemoryBucketID: b.ID,
			MessagesToAdd:  []models.MessageToAdd{{Role: models.RoleUser, Content: textContent("hi")}},
		}))
		assert.NoError(t, err, "duplicates ack, not retry")
	})

	t.Run("deleted bucket is acked", func(t *testing.T) {
		svc, mock, _ := testService(t, stubProjects{})
		consumer := NewContextConsumer(svc)

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT .+ FROM memory_buckets WHERE id`).WillReturnError(sql.ErrNoRows)
		mock.ExpectRollback()

		err := consumer.handle(context.Background(), deliver(t, models.MemoryContextUpdateEvent{
			IdempotencyKey: "job-2",
			MemoryBucketID: uuid.New(),
			MessagesToAdd:  []models.MessageToAdd{{Role: models.RoleUser, Content: textContent("hi")}},
		}))
		assert.NoError(t, err)
	})

	t.Run("incomplete update is dropped", func(t *testing.T) {
		svc, _, _ := testService(t, stubProjects{})
		consumer := NewContextConsumer(svc)

		err := consumer.handle(context.Background(), deliver(t, models.MemoryContextUpdateEvent{
			MemoryBucketID: uuid.New(),
		}))
		assert.True(t, errors.Is(err, bus.ErrDrop))
	})
}

func TestCleanupBothScopes(t *testing.T) {
	t.Run("user scope", func(t *testing.T) {
		svc, mock, rec := testService(t, stubProjects{})
		userID := uuid.New()

		mock.ExpectQuery(`DELETE FROM memory_buckets WHERE owner_id .+ RETURNING id`).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(uuid.New()))

		require.NoError(t, svc.CleanupForUser(context.Background(), userID))

		assert.Len(t, rec.Published(models.KeyBucketDeleted), 1)
		confirms := rec.Published(models.KeyResourceForUserDeleted + "." + models.ServiceMemory)
		require.Len(t, confirms, 1)
		assert.Equal(t, userID, confirms[0].Body.(models.ResourceForUserDeletedEvent).UserID)
	})

	t.Run("project scope", func(t *testing.T) {
		svc, mock, rec := testService(t, stubProjects{})
		projectID := uuid.New()

		mock.ExpectQuery(`DELETE FROM memory_buckets WHERE project_id .+ RETURNING id`).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(uuid.New()).AddRow(uuid.New()))

		require.NoError(t, svc.CleanupForProject(context.Background(), projectID))

		assert.Len(t, rec.Published(models.KeyBucketDeleted), 2)
		confirms := rec.Published(models.KeyResourceForProjDeleted + "." + models.ServiceMemory)
		require.Len(t, confirms, 1)
		assert.Equal(t, models.ServiceMemory, confirms[0].Body.(models.ResourceForProjectDeletedEvent).ServiceName)
	})
}

