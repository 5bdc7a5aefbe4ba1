package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/manga-crawl-engine/internal/crawler"
)

type fixedIDs struct{ id string }

func (f fixedIDs) NewID() (string, error) { return f.id, nil }

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newMockGateway(t *testing.T) (*Gateway, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	gw, err := NewGateway(mock, fixedIDs{id: "new-id"}, fixedClock{now: testNow})
	require.NoError(t, err)
	return gw, mock
}

func TestUpsertContentReturnsStoredRow(t *testing.T) {
	t.Parallel()

	gw, mock := newMockGateway(t)
	created := testNow.Add(-time.Hour)
	mock.ExpectQuery("INSERT INTO contents").
		WithArgs("new-id", "t", "md-1", "Berserk",
			pgxmock.AnyArg(), "", pgxmock.AnyArg(), pgxmock.AnyArg(),
			"ongoing", "", "https://site.test/manga/md-1", testNow).
		WillReturnRows(pgxmock.NewRows([]string{"id", "created_at", "updated_at"}).
			AddRow("existing-id", created, testNow))

	content, err := gw.UpsertContent(context.Background(), crawler.ContentData{
		ExternalID: "md-1",
		Title:      "Berserk",
		Status:     "ongoing",
		SourceURL:  "https://site.test/manga/md-1",
	}, "t")
	require.NoError(t, err)
	require.Equal(t, "existing-id", content.ID)
	require.Equal(t, "t", content.TargetID)
	require.Equal(t, created, content.CreatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertContentKeysOnSourceURLWithoutExternalID(t *testing.T) {
	t.Parallel()

	gw, mock := newMockGateway(t)
	mock.ExpectQuery("INSERT INTO contents").
		WithArgs("new-id", "t", "https://site.test/x", "X",
			pgxmock.AnyArg(), "", pgxmock.AnyArg(), pgxmock.AnyArg(),
			"", "", "https://site.test/x", testNow).
		WillReturnRows(pgxmock.NewRows([]string{"id", "created_at", "updated_at"}).
			AddRow("new-id", testNow, testNow))

	content, err := gw.UpsertContent(context.Background(),
		crawler.ContentData{Title: "X", SourceURL: "https://site.test/x"}, "t")
	require.NoError(t, err)
	require.Equal(t, "https://site.test/x", content.ExternalID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertChapterMissingParentIsNotFound(t *testing.T) {
	t.Parallel()

	gw, mock := newMockGateway(t)
	mock.ExpectQuery("INSERT INTO chapters").
		WillReturnError(&pgconn.PgError{Code: "23503", ConstraintName: "chapters_content_id_fkey"})

	_, err := gw.UpsertChapter(context.Background(),
		crawler.ChapterData{ExternalID: "ch-1", SourceURL: "https://site.test/ch/1"}, "missing")
	require.ErrorIs(t, err, crawler.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSavePagesReportsNewRows(t *testing.T) {
	t.Parallel()

	gw, mock := newMockGateway(t)
	urls := []string{"https://cdn.test/1.jpg", "https://cdn.test/2.jpg", "https://cdn.test/3.jpg"}
	mock.ExpectExec("INSERT INTO pages").
		WithArgs("ch-1", urls).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))

	saved, err := gw.SavePages(context.Background(), "ch-1", urls)
	require.NoError(t, err)
	require.Equal(t, 2, saved)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSavePagesWithoutURLsSkipsQuery(t *testing.T) {
	t.Parallel()

	gw, mock := newMockGateway(t)
	saved, err := gw.SavePages(context.Background(), "ch-1", nil)
	require.NoError(t, err)
	require.Zero(t, saved)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAttachPageBlobUnknownPage(t *testing.T) {
	t.Parallel()

	gw, mock := newMockGateway(t)
	mock.ExpectExec("UPDATE pages SET blob_uri").
		WithArgs("ch-1", "https://cdn.test/9.jpg", "gs://b/p").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := gw.AttachPageBlob(context.Background(), "ch-1", "https://cdn.test/9.jpg", "gs://b/p")
	require.ErrorIs(t, err, crawler.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExistingExternalIDsUsesScopeTable(t *testing.T) {
	t.Parallel()

	gw, mock := newMockGateway(t)
	mock.ExpectQuery("SELECT external_id FROM chapters").
		WithArgs("content-1", []string{"a", "b", "c"}).
		WillReturnRows(pgxmock.NewRows([]string{"external_id"}).AddRow("a").AddRow("c"))
	mock.ExpectQuery("SELECT external_id FROM contents").
		WithArgs("t", []string{"z"}).
		WillReturnRows(pgxmock.NewRows([]string{"external_id"}))

	found, err := gw.ExistingExternalIDs(context.Background(),
		crawler.DedupScope{Kind: crawler.ScopeContent, ID: "content-1"}, []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Equal(t, map[string]struct{}{"a": {}, "c": {}}, found)

	found, err = gw.ExistingExternalIDs(context.Background(),
		crawler.DedupScope{Kind: crawler.ScopeTarget, ID: "t"}, []string{"z"})
	require.NoError(t, err)
	require.Empty(t, found)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestContentExists(t *testing.T) {
	t.Parallel()

	gw, mock := newMockGateway(t)
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("t", "md-1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	exists, err := gw.ContentExists(context.Background(), "t", "md-1")
	require.NoError(t, err)
	require.True(t, exists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetContentNotFound(t *testing.T) {
	t.Parallel()

	gw, mock := newMockGateway(t)
	mock.ExpectQuery("FROM contents WHERE id").
		WithArgs("nope").
		WillReturnError(pgx.ErrNoRows)

	_, err := gw.GetContent(context.Background(), "nope")
	require.ErrorIs(t, err, crawler.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListContentScansRows(t *testing.T) {
	t.Parallel()

	gw, mock := newMockGateway(t)
	cols := []string{
		"id", "target_id", "external_id", "title", "alt_titles", "description", "authors", "tags",
		"status", "cover_url", "source_url", "created_at", "updated_at",
	}
	mock.ExpectQuery("FROM contents WHERE target_id").
		WithArgs("t", 10).
		WillReturnRows(pgxmock.NewRows(cols).
			AddRow("c-1", "t", "md-1", "One", []string{"Uno"}, "", []string{"A"}, []string{"action"},
				"", "", "https://site.test/manga/md-1", testNow, testNow).
			AddRow("c-2", "t", "md-2", "Two", []string(nil), "", []string(nil), []string(nil),
				"", "", "https://site.test/manga/md-2", testNow, testNow))

	list, err := gw.ListContent(context.Background(), "t", 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, []string{"Uno"}, list[0].AltTitles)
	require.Equal(t, "md-2", list[1].ExternalID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateAppliesSchema(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS contents").
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	require.NoError(t, Migrate(context.Background(), mock))
	require.NoError(t, mock.ExpectationsWereMet())
}
