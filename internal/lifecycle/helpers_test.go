package lifecycle

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"stageflow/backend/internal/blob"
	"stageflow/backend/internal/notify"
	"stageflow/backend/internal/repository"
	"stageflow/backend/pkg/models"
)

var testNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

type fakeBlobs struct {
	mu            sync.Mutex
	objects       map[string][]byte
	failPut       map[string]error
	missingBucket bool
	deleted       []string
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{objects: make(map[string][]byte), failPut: make(map[string]error)}
}

func (f *fakeBlobs) Put(_ context.Context, path string, r io.Reader, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.missingBucket {
		return blob.ErrBucketNotFound
	}
	for fragment, err := range f.failPut {
		if strings.Contains(path, fragment) {
			return err
		}
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if _, ok := f.objects[path]; ok {
		return blob.ErrExists
	}
	f.objects[path] = data
	return nil
}

func (f *fakeBlobs) Stat(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[path]; !ok {
		return blob.ErrNotFound
	}
	return nil
}

func (f *fakeBlobs) Delete(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, path)
	f.deleted = append(f.deleted, path)
	return nil
}

func (f *fakeBlobs) SignedURL(_ context.Context, path string, ttl time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[path]; !ok {
		return "", blob.ErrNotFound
	}
	return fmt.Sprintf("https://blobs.test/%s?ttl=%s", path, ttl), nil
}

func (f *fakeBlobs) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects)
}

type recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recorder) Publish(_ context.Context, events ...notify.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
}

func (r *recorder) take() []notify.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.events
	r.events = nil
	return out
}

type fixture struct {
	engine *Engine
	repo   *repository.MemoryRepository
	blobs  *fakeBlobs
	events *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repo:   repository.NewMemoryRepository(),
		blobs:  newFakeBlobs(),
		events: &recorder{},
	}
	f.engine = New(f.repo,
		WithBlobStore(f.blobs),
		WithPublisher(f.events),
		WithClock(func() time.Time { return testNow }),
	)
	for _, id := range []string{"alice", "bob", "carol"} {
		require.NoError(t, f.repo.CreateUser(context.Background(), &models.User{
			ID: id, Subject: "sub-" + id, Name: id, Email: id + "@example.com",
		}))
	}
	return f
}

func (f *fixture) template(t *testing.T, name string, stages ...string) *models.Template {
	t.Helper()
	inputs := make([]StageInput, len(stages))
	for i, s := range stages {
		inputs[i] = StageInput{Name: s}
	}
	tmpl, err := f.engine.CreateTemplate(context.Background(), name, "", "alice", inputs)
	require.NoError(t, err)
	return tmpl
}

func (f *fixture) process(t *testing.T, tmpl *models.Template, firstAssignee string) string {
	t.Helper()
	in := CreateProcessInput{TemplateID: tmpl.ID, CreatorID: "alice"}
	if firstAssignee != "" {
		in.FirstAssignee = &firstAssignee
	}
	pid, err := f.engine.CreateProcess(context.Background(), in)
	require.NoError(t, err)
	f.events.take()
	return pid
}

func (f *fixture) stages(t *testing.T, processID string) []models.OrderedStage {
	t.Helper()
	view, err := f.engine.GetProcessView(context.Background(), processID)
	require.NoError(t, err)
	return view.Stages
}

func (f *fixture) status(t *testing.T, processID string) models.ProcessStatus {
	t.Helper()
	p, err := f.repo.GetProcess(context.Background(), processID)
	require.NoError(t, err)
	return p.Status
}

func statuses(stages []models.OrderedStage) []models.StageStatus {
	out := make([]models.StageStatus, len(stages))
	for i, s := range stages {
		out[i] = s.Status
	}
	return out
}

func requireSingleActive(t *testing.T, stages []models.OrderedStage) {
	t.Helper()
	active := 0
	for _, s := range stages {
		if s.Status == models.StageStatusInProgress {
			active++
		}
	}
	require.LessOrEqual(t, active, 1, "more than one stage in progress")
}

func attachment(name, body string) Attachment {
	return Attachment{Filename: name, ContentType: "text/plain", Body: bytes.NewBufferString(body)}
}

func ptr(s string) *string { return &s }
