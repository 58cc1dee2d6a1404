package postgres

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/MrWong99/fablevoice/internal/narration"
	"github.com/MrWong99/fablevoice/internal/voiceclone"
)

// ---------------------------------------------------------------------------
// Test helpers: mock DB types
// ---------------------------------------------------------------------------

// mockRow implements pgx.Row for testing. It assigns values to destinations
// positionally, or returns err.
type mockRow struct {
	values []any
	err    error
}

func (r *mockRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return fmt.Errorf("scan: expected %d columns, got %d destinations", len(r.values), len(dest))
	}
	for i, v := range r.values {
		d := reflect.ValueOf(dest[i]).Elem()
		if v == nil {
			d.SetZero()
			continue
		}
		d.Set(reflect.ValueOf(v))
	}
	return nil
}

// mockDB implements the DB interface for testing. Transactions run their
// statements against the same funcs.
type mockDB struct {
	queryRowFunc func(ctx context.Context, sql string, args ...any) pgx.Row
	execFunc     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	beginErr     error

	committed  int
	rolledBack int
}

func (m *mockDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if m.queryRowFunc != nil {
		return m.queryRowFunc(ctx, sql, args...)
	}
	return &mockRow{err: pgx.ErrNoRows}
}

func (m *mockDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("mockDB: Query not supported")
}

func (m *mockDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if m.execFunc != nil {
		return m.execFunc(ctx, sql, args...)
	}
	return pgconn.CommandTag{}, nil
}

func (m *mockDB) Begin(context.Context) (pgx.Tx, error) {
	if m.beginErr != nil {
		return nil, m.beginErr
	}
	return &mockTx{db: m}, nil
}

// mockTx implements the parts of pgx.Tx that pgx.BeginFunc and the store use.
type mockTx struct {
	pgx.Tx
	db     *mockDB
	closed bool
}

func (tx *mockTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return tx.db.QueryRow(ctx, sql, args...)
}

func (tx *mockTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return tx.db.Exec(ctx, sql, args...)
}

func (tx *mockTx) Commit(context.Context) error {
	if tx.closed {
		return pgx.ErrTxClosed
	}
	tx.closed = true
	tx.db.committed++
	return nil
}

func (tx *mockTx) Rollback(context.Context) error {
	if tx.closed {
		return pgx.ErrTxClosed
	}
	tx.closed = true
	tx.db.rolledBack++
	return nil
}

// rowsBySQL answers QueryRow by the first key contained in the statement.
func rowsBySQL(rows map[string]*mockRow) func(context.Context, string, ...any) pgx.Row {
	return func(_ context.Context, sql string, _ ...any) pgx.Row {
		for frag, row := range rows {
			if strings.Contains(sql, frag) {
				return row
			}
		}
		return &mockRow{err: fmt.Errorf("unexpected query: %s", sql)}
	}
}

var testTime = time.Date(2026, 5, 14, 9, 30, 0, 0, time.UTC)

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

func TestGet_NotFound(t *testing.T) {
	t.Parallel()
	s := New(&mockDB{})
	got, err := s.Get(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Fatalf("Get = %+v, want nil", got)
	}
}

func TestGet_Found(t *testing.T) {
	t.Parallel()
	local := testTime.In(time.FixedZone("CEST", 2*3600))
	db := &mockDB{queryRowFunc: func(_ context.Context, sql string, args ...any) pgx.Row {
		if args[0] != "alice" {
			t.Errorf("user arg = %v", args[0])
		}
		return &mockRow{values: []any{"id-1", "alice", "voice-a", "Alice", []string{"s3://a.wav"}, local, local}}
	}}
	got, err := New(db).Get(context.Background(), "alice")
	if err != nil || got == nil {
		t.Fatalf("Get = %v, %v", got, err)
	}
	if got.VoiceID != "voice-a" || len(got.SampleURLs) != 1 {
		t.Errorf("Get = %+v", got)
	}
	if got.LastUsed.Location() != time.UTC {
		t.Errorf("LastUsed location = %v, want UTC", got.LastUsed.Location())
	}
}

func TestGet_Error(t *testing.T) {
	t.Parallel()
	boom := errors.New("connection reset")
	db := &mockDB{queryRowFunc: func(context.Context, string, ...any) pgx.Row {
		return &mockRow{err: boom}
	}}
	_, err := New(db).Get(context.Background(), "alice")
	if !errors.Is(err, boom) {
		t.Fatalf("Get error = %v, want wrapping %v", err, boom)
	}
}

func TestTouch(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		tag  string
		want bool
	}{
		{tag: "UPDATE 1", want: true},
		{tag: "UPDATE 0", want: false},
	} {
		var gotSQL string
		var gotArgs []any
		db := &mockDB{execFunc: func(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			gotSQL, gotArgs = sql, args
			return pgconn.NewCommandTag(tc.tag), nil
		}}
		touched, err := New(db).Touch(context.Background(), "alice", "voice-a", testTime)
		if err != nil {
			t.Fatalf("%s: Touch: %v", tc.tag, err)
		}
		if touched != tc.want {
			t.Errorf("%s: touched = %v, want %v", tc.tag, touched, tc.want)
		}
		if !strings.Contains(gotSQL, "GREATEST(last_used") {
			t.Errorf("Touch SQL does not guard against moving backwards: %s", gotSQL)
		}
		if len(gotArgs) != 3 || gotArgs[1] != "voice-a" {
			t.Errorf("Touch args = %v, want the voice id matched too", gotArgs)
		}
	}
}

func TestCreate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		exists    bool
		count     int
		insertErr error
		wantErr   error
	}{
		{name: "inserted", count: 2},
		{name: "user already has a clone", exists: true, count: 2, wantErr: voiceclone.ErrCloneExists},
		{name: "pool full", count: 3, wantErr: voiceclone.ErrCapacityReached},
		{name: "unique violation", count: 1, insertErr: &pgconn.PgError{Code: "23505"}, wantErr: voiceclone.ErrCloneExists},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var (
				locked   bool
				inserted bool
			)
			db := &mockDB{
				queryRowFunc: rowsBySQL(map[string]*mockRow{
					"EXISTS":   {values: []any{tt.exists}},
					"count(*)": {values: []any{tt.count}},
				}),
				execFunc: func(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
					switch {
					case strings.Contains(sql, "pg_advisory_xact_lock"):
						locked = true
					case strings.Contains(sql, "INSERT INTO voice_clones"):
						if !locked {
							t.Error("insert before advisory lock")
						}
						inserted = true
						if tt.insertErr != nil {
							return pgconn.CommandTag{}, tt.insertErr
						}
						return pgconn.NewCommandTag("INSERT 0 1"), nil
					}
					return pgconn.CommandTag{}, nil
				},
			}
			c := voiceclone.Clone{ID: "id-1", UserID: "alice", VoiceID: "v", VoiceName: "Alice", LastUsed: testTime, CreatedAt: testTime}
			err := New(db).Create(context.Background(), c, 3)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Create error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr == nil {
				if !inserted || db.committed != 1 {
					t.Errorf("inserted=%v committed=%d", inserted, db.committed)
				}
				return
			}
			if db.rolledBack != 1 {
				t.Errorf("rolledBack = %d, want 1", db.rolledBack)
			}
		})
	}
}

func TestCreate_BeginError(t *testing.T) {
	t.Parallel()
	boom := errors.New("pool closed")
	err := New(&mockDB{beginErr: boom}).Create(context.Background(), voiceclone.Clone{UserID: "alice"}, 3)
	if !errors.Is(err, boom) {
		t.Fatalf("Create error = %v, want wrapping %v", err, boom)
	}
}

func TestDelete_ReportsRowsAffected(t *testing.T) {
	t.Parallel()
	tests := []struct {
		tag  string
		want bool
	}{
		{tag: "DELETE 1", want: true},
		{tag: "DELETE 0", want: false},
	}
	for _, tt := range tests {
		db := &mockDB{execFunc: func(context.Context, string, ...any) (pgconn.CommandTag, error) {
			return pgconn.NewCommandTag(tt.tag), nil
		}}
		got, err := New(db).Delete(context.Background(), "alice", "voice-a")
		if err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if got != tt.want {
			t.Errorf("Delete with %q = %v, want %v", tt.tag, got, tt.want)
		}
	}
}

func TestOldest_Empty(t *testing.T) {
	t.Parallel()
	got, err := New(&mockDB{}).Oldest(context.Background())
	if err != nil || got != nil {
		t.Fatalf("Oldest = %v, %v; want nil, nil", got, err)
	}
}

// ---------------------------------------------------------------------------
// Ledger
// ---------------------------------------------------------------------------

func TestQuota_MissingRowReadsZero(t *testing.T) {
	t.Parallel()
	q, err := New(&mockDB{}).Quota(context.Background())
	if err != nil {
		t.Fatalf("Quota: %v", err)
	}
	if q.TotalMinutesUsed != 0 || !q.LastReset.IsZero() {
		t.Errorf("Quota = %+v, want zero", q)
	}
}

func TestQuota_NullLastReset(t *testing.T) {
	t.Parallel()
	db := &mockDB{queryRowFunc: func(context.Context, string, ...any) pgx.Row {
		return &mockRow{values: []any{12.5, nil}}
	}}
	q, err := New(db).Quota(context.Background())
	if err != nil {
		t.Fatalf("Quota: %v", err)
	}
	if q.TotalMinutesUsed != 12.5 || !q.LastReset.IsZero() {
		t.Errorf("Quota = %+v", q)
	}
}

func TestCommit(t *testing.T) {
	t.Parallel()

	key := narration.NewCacheKey("alice", "voice-a", "hello")
	existingRow := []any{"id-old", "alice", "voice-a", key.TextHash, "tts/old.mp3", "https://x/old", 3.0, testTime}

	tests := []struct {
		name        string
		used        float64
		existing    []any
		wantErr     error
		wantDebited bool
		wantID      string
	}{
		{name: "debits within ceiling", used: 90, wantDebited: true, wantID: "id-new"},
		{name: "exactly at ceiling", used: 95, wantDebited: true, wantID: "id-new"},
		{name: "over ceiling", used: 95.5, wantErr: narration.ErrQuotaExceeded},
		{name: "existing audio wins", used: 100, existing: existingRow, wantID: "id-old"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			lookup := &mockRow{err: pgx.ErrNoRows}
			if tt.existing != nil {
				lookup = &mockRow{values: tt.existing}
			}
			var (
				lockedQuota bool
				debitArgs   []any
			)
			db := &mockDB{
				queryRowFunc: func(_ context.Context, sql string, _ ...any) pgx.Row {
					switch {
					case strings.Contains(sql, "FOR UPDATE"):
						lockedQuota = true
						return &mockRow{values: []any{tt.used}}
					case strings.Contains(sql, "FROM tts_audio"):
						if !lockedQuota {
							t.Error("audio lookup before quota row lock")
						}
						return lookup
					}
					return &mockRow{err: fmt.Errorf("unexpected query: %s", sql)}
				},
				execFunc: func(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
					if strings.Contains(sql, "UPDATE tts_quota") {
						debitArgs = args
					}
					return pgconn.CommandTag{}, nil
				},
			}
			a := narration.Audio{ID: "id-new", Key: key, StoragePath: "tts/new.mp3", URL: "https://x/new", DurationSeconds: 300, CreatedAt: testTime}

			got, debited, err := New(db).Commit(context.Background(), a, 5, 100)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Commit error = %v, want %v", err, tt.wantErr)
			}
			if err != nil {
				if debitArgs != nil || db.rolledBack != 1 {
					t.Errorf("debitArgs=%v rolledBack=%d; want no debit and a rollback", debitArgs, db.rolledBack)
				}
				return
			}
			if debited != tt.wantDebited || got.ID != tt.wantID {
				t.Errorf("Commit = (%s, %v), want (%s, %v)", got.ID, debited, tt.wantID, tt.wantDebited)
			}
			if tt.wantDebited && (len(debitArgs) != 2 || debitArgs[1] != 5.0) {
				t.Errorf("debit args = %v, want minutes 5", debitArgs)
			}
			if !tt.wantDebited && debitArgs != nil {
				t.Errorf("debited on cache hit: %v", debitArgs)
			}
		})
	}
}

func TestResetQuota_Upserts(t *testing.T) {
	t.Parallel()
	var gotSQL string
	var gotArgs []any
	db := &mockDB{execFunc: func(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
		gotSQL, gotArgs = sql, args
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	}}
	at := testTime.In(time.FixedZone("EET", 2*3600))
	if err := New(db).ResetQuota(context.Background(), at); err != nil {
		t.Fatalf("ResetQuota: %v", err)
	}
	if !strings.Contains(gotSQL, "ON CONFLICT (id) DO UPDATE") {
		t.Errorf("ResetQuota SQL is not an upsert: %s", gotSQL)
	}
	if ts, ok := gotArgs[1].(time.Time); !ok || ts.Location() != time.UTC || !ts.Equal(at) {
		t.Errorf("reset time arg = %v, want %v in UTC", gotArgs[1], at)
	}
}

// ---------------------------------------------------------------------------
// Migrate / Ping
// ---------------------------------------------------------------------------

func TestMigrate(t *testing.T) {
	t.Parallel()
	var gotSQL string
	db := &mockDB{execFunc: func(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
		gotSQL = sql
		return pgconn.CommandTag{}, nil
	}}
	if err := New(db).Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	for _, table := range []string{"voice_clones", "tts_audio", "tts_quota"} {
		if !strings.Contains(gotSQL, "CREATE TABLE IF NOT EXISTS "+table) {
			t.Errorf("schema missing table %s", table)
		}
	}
}

func TestMigrate_Error(t *testing.T) {
	t.Parallel()
	db := &mockDB{execFunc: func(context.Context, string, ...any) (pgconn.CommandTag, error) {
		return pgconn.CommandTag{}, errors.New("permission denied")
	}}
	if err := New(db).Migrate(context.Background()); err == nil || !strings.Contains(err.Error(), "migrate") {
		t.Fatalf("Migrate error = %v", err)
	}
}

func TestPing(t *testing.T) {
	t.Parallel()
	ok := &mockDB{queryRowFunc: func(context.Context, string, ...any) pgx.Row {
		return &mockRow{values: []any{1}}
	}}
	if err := New(ok).Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
	if err := New(&mockDB{}).Ping(context.Background()); err == nil {
		t.Error("Ping on failing db: want error")
	}
}

func TestIsDuplicateKeyError(t *testing.T) {
	t.Parallel()
	if !isDuplicateKeyError(fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: "23505"})) {
		t.Error("wrapped 23505 not detected")
	}
	if isDuplicateKeyError(&pgconn.PgError{Code: "23503"}) {
		t.Error("23503 detected as duplicate")
	}
	if isDuplicateKeyError(errors.New("plain")) {
		t.Error("plain error detected as duplicate")
	}
}
