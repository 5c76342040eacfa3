package archive_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/rehearsal/internal/archive"
	"github.com/MrWong99/rehearsal/internal/report"
)

func newPostgresStore(t *testing.T) *archive.PostgresStore {
	t.Helper()
	dsn := os.Getenv("REHEARSAL_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("REHEARSAL_TEST_POSTGRES_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := archive.NewPostgresStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestPostgresStore_RoundTrip(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()

	r := record("budget")
	r.ID = uuid.NewString()
	r.CreatedAt = time.Now().UTC().Truncate(time.Microsecond)
	r.Report = &report.EvaluationReport{Score: 6, Summary: "Redelijk"}

	if err := s.Save(ctx, r); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Save(ctx, r); !errors.Is(err, archive.ErrDuplicateID) {
		t.Errorf("second Save err = %v, want ErrDuplicateID", err)
	}

	got, err := s.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ScenarioName != r.ScenarioName || len(got.Messages) != len(r.Messages) {
		t.Errorf("got = %+v", got)
	}
	if got.Messages[1].Text != r.Messages[1].Text {
		t.Errorf("message order lost: %+v", got.Messages)
	}
	if got.Report == nil || got.Report.Score != 6 {
		t.Errorf("report = %+v", got.Report)
	}

	list, err := s.List(ctx, 500)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var found bool
	for _, sum := range list {
		if sum.ID == r.ID {
			found = true
			if sum.Messages != 2 || sum.Score == nil || *sum.Score != 6 {
				t.Errorf("summary = %+v", sum)
			}
		}
	}
	if !found {
		t.Error("saved record missing from List")
	}

	if _, err := s.Get(ctx, uuid.NewString()); !errors.Is(err, archive.ErrNotFound) {
		t.Errorf("Get unknown err = %v, want ErrNotFound", err)
	}
}

func TestNATSNotifier_Publish(t *testing.T) {
	url := os.Getenv("REHEARSAL_TEST_NATS_URL")
	if url == "" {
		t.Skip("REHEARSAL_TEST_NATS_URL not set")
	}
	n, err := archive.NewNATSNotifier(url, "")
	if err != nil {
		t.Fatalf("NewNATSNotifier: %v", err)
	}
	defer n.Close()
	if n.Subject() != archive.DefaultSubject {
		t.Errorf("Subject = %q", n.Subject())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r := record("budget")
	r.ID = uuid.NewString()
	if err := n.Notify(ctx, r.Summarize()); err != nil {
		t.Errorf("Notify: %v", err)
	}
}
