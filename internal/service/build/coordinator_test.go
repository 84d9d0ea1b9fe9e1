package build

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/splax/statikk/internal/domain"
	"github.com/splax/statikk/internal/queue"
	queuememory "github.com/splax/statikk/internal/queue/memory"
	"github.com/splax/statikk/internal/repository/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seedProject(t *testing.T, repo *memory.Repository, owner, name string) *domain.Project {
	t.Helper()
	project := &domain.Project{OwnerID: owner, Name: name, RepoURL: "https://github.com/statikk/" + name + ".git", CreatedAt: time.Now()}
	if err := repo.CreateProject(context.Background(), project); err != nil {
		t.Fatalf("seed project: %v", err)
	}
	return project
}

// orderCheckingPublisher records what the store held at publish time.
type orderCheckingPublisher struct {
	repo     *memory.Repository
	mu       sync.Mutex
	observed []bool
	err      error
}

func (p *orderCheckingPublisher) PublishCommand(ctx context.Context, cmd queue.Command) error {
	_, err := p.repo.FindRunningBuild(ctx, cmd.ProjectID)
	p.mu.Lock()
	p.observed = append(p.observed, err == nil)
	p.mu.Unlock()
	return p.err
}

func TestStartBuildCreatesRunningBuildAndDispatches(t *testing.T) {
	repo := memory.New()
	broker := queuememory.NewBroker(0)
	coord := NewCoordinator(repo, broker, testLogger(), nil)
	project := seedProject(t, repo, "u1", "demo")

	build, err := coord.StartBuild(context.Background(), project.ID, "u1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if build.Stage != domain.StageRunning || build.ProjectID != project.ID {
		t.Fatalf("unexpected build %+v", build)
	}
	cmds := broker.Commands()
	if len(cmds) != 1 {
		t.Fatalf("expected one command, got %d", len(cmds))
	}
	if cmds[0].Action != queue.ActionStart || cmds[0].ProjectID != project.ID || cmds[0].Repository != project.RepoURL {
		t.Fatalf("unexpected command %+v", cmds[0])
	}
}

func TestStartBuildWritesStoreBeforePublishing(t *testing.T) {
	repo := memory.New()
	pub := &orderCheckingPublisher{repo: repo}
	coord := NewCoordinator(repo, pub, testLogger(), nil)
	project := seedProject(t, repo, "u1", "demo")

	if _, err := coord.StartBuild(context.Background(), project.ID, "u1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(pub.observed) != 1 || !pub.observed[0] {
		t.Fatalf("expected RUNNING build to exist when publishing, got %v", pub.observed)
	}
}

func TestStartBuildConcurrentRequestsYieldOneBuild(t *testing.T) {
	repo := memory.New()
	broker := queuememory.NewBroker(0)
	coord := NewCoordinator(repo, broker, testLogger(), nil)
	project := seedProject(t, repo, "u1", "demo")

	const attempts = 25
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := coord.StartBuild(context.Background(), project.ID, "u1")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrAlreadyRunning):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if successes != 1 || conflicts != attempts-1 {
		t.Fatalf("expected 1 success and %d conflicts, got %d and %d", attempts-1, successes, conflicts)
	}
	if n := repo.CountBuilds(project.ID); n != 1 {
		t.Fatalf("expected one build record, got %d", n)
	}
	if n := len(broker.Commands()); n != 1 {
		t.Fatalf("expected one start command, got %d", n)
	}
}

func TestStartBuildConflictLeavesSingleRecord(t *testing.T) {
	repo := memory.New()
	broker := queuememory.NewBroker(0)
	coord := NewCoordinator(repo, broker, testLogger(), nil)
	project := seedProject(t, repo, "u1", "demo")
	ctx := context.Background()

	if _, err := coord.StartBuild(ctx, project.ID, "u1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := coord.StartBuild(ctx, project.ID, "u1"); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	if n := repo.CountBuilds(project.ID); n != 1 {
		t.Fatalf("expected one build record, got %d", n)
	}
	if n := len(broker.Commands()); n != 1 {
		t.Fatalf("conflict must not dispatch, got %d commands", n)
	}
}

func TestStartBuildChecksProjectAndOwner(t *testing.T) {
	repo := memory.New()
	broker := queuememory.NewBroker(0)
	coord := NewCoordinator(repo, broker, testLogger(), nil)
	project := seedProject(t, repo, "u1", "demo")
	ctx := context.Background()

	if _, err := coord.StartBuild(ctx, "missing", "u1"); !errors.Is(err, ErrProjectNotFound) {
		t.Fatalf("expected ErrProjectNotFound, got %v", err)
	}
	if _, err := coord.StartBuild(ctx, project.ID, "u2"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if n := repo.CountBuilds(project.ID); n != 0 {
		t.Fatalf("rejected starts must not create builds, got %d", n)
	}
}

func TestStartBuildDispatchFailureKeepsBuild(t *testing.T) {
	repo := memory.New()
	broker := queuememory.NewBroker(0)
	broker.FailPublish(errors.New("broker down"))
	coord := NewCoordinator(repo, broker, testLogger(), nil)
	project := seedProject(t, repo, "u1", "demo")

	build, err := coord.StartBuild(context.Background(), project.ID, "u1")
	if !errors.Is(err, ErrDispatchFailed) {
		t.Fatalf("expected ErrDispatchFailed, got %v", err)
	}
	var dispatchErr *DispatchError
	if !errors.As(err, &dispatchErr) || dispatchErr.Build == nil {
		t.Fatalf("expected *DispatchError carrying the build, got %T", err)
	}
	if build == nil || build.ID != dispatchErr.Build.ID {
		t.Fatal("expected build to be returned alongside the error")
	}
	running, err := repo.FindRunningBuild(context.Background(), project.ID)
	if err != nil {
		t.Fatalf("expected build to stay RUNNING: %v", err)
	}
	if running.ID != build.ID {
		t.Fatalf("unexpected running build %s", running.ID)
	}
}

func TestStopBuildPublishesThenFails(t *testing.T) {
	repo := memory.New()
	broker := queuememory.NewBroker(0)
	coord := NewCoordinator(repo, broker, testLogger(), nil)
	project := seedProject(t, repo, "u1", "demo")
	ctx := context.Background()

	build, err := coord.StartBuild(ctx, project.ID, "u1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	stopped, err := coord.StopBuild(ctx, build.ID, "u1")
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if stopped.Stage != domain.StageFailed {
		t.Fatalf("expected FAILED, got %s", stopped.Stage)
	}
	cmds := broker.Commands()
	if len(cmds) != 2 || cmds[1].Action != queue.ActionStop || cmds[1].ProjectID != project.ID {
		t.Fatalf("expected trailing stop command, got %+v", cmds)
	}

	if _, err := coord.StopBuild(ctx, build.ID, "u1"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning on second stop, got %v", err)
	}
	if n := len(broker.Commands()); n != 2 {
		t.Fatalf("second stop must not dispatch, got %d commands", n)
	}
}

func TestStopBuildPublishesBeforeWriting(t *testing.T) {
	repo := memory.New()
	pub := &orderCheckingPublisher{repo: repo}
	coord := NewCoordinator(repo, pub, testLogger(), nil)
	project := seedProject(t, repo, "u1", "demo")
	ctx := context.Background()

	build, err := repo.CreateBuild(ctx, project.ID, time.Now())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := coord.StopBuild(ctx, build.ID, "u1"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if len(pub.observed) != 1 || !pub.observed[0] {
		t.Fatalf("expected build to still be RUNNING when publishing stop, got %v", pub.observed)
	}
}

func TestStopBuildNotRunningIsUntouched(t *testing.T) {
	repo := memory.New()
	broker := queuememory.NewBroker(0)
	coord := NewCoordinator(repo, broker, testLogger(), nil)
	project := seedProject(t, repo, "u1", "demo")
	ctx := context.Background()

	build, err := repo.CreateBuild(ctx, project.ID, time.Now())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := repo.UpdateBuildStage(ctx, build.ID, domain.StageSucceeded); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := coord.StopBuild(ctx, build.ID, "u1"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
	got, err := repo.GetBuildByID(ctx, build.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Stage != domain.StageSucceeded {
		t.Fatalf("build must stay SUCCEEDED, got %s", got.Stage)
	}
	if n := len(broker.Commands()); n != 0 {
		t.Fatalf("expected no commands, got %d", n)
	}
}

func TestStopBuildDispatchFailureLeavesBuildRunning(t *testing.T) {
	repo := memory.New()
	broker := queuememory.NewBroker(0)
	coord := NewCoordinator(repo, broker, testLogger(), nil)
	project := seedProject(t, repo, "u1", "demo")
	ctx := context.Background()

	build, err := coord.StartBuild(ctx, project.ID, "u1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	broker.FailPublish(errors.New("broker down"))
	if _, err := coord.StopBuild(ctx, build.ID, "u1"); !errors.Is(err, ErrDispatchFailed) {
		t.Fatalf("expected ErrDispatchFailed, got %v", err)
	}
	got, err := repo.GetBuildByID(ctx, build.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Stage != domain.StageRunning {
		t.Fatalf("build must stay RUNNING, got %s", got.Stage)
	}
}

func TestStopBuildChecksBuildAndOwner(t *testing.T) {
	repo := memory.New()
	broker := queuememory.NewBroker(0)
	coord := NewCoordinator(repo, broker, testLogger(), nil)
	project := seedProject(t, repo, "u1", "demo")
	ctx := context.Background()

	if _, err := coord.StopBuild(ctx, "missing", "u1"); !errors.Is(err, ErrBuildNotFound) {
		t.Fatalf("expected ErrBuildNotFound, got %v", err)
	}
	build, err := coord.StartBuild(ctx, project.ID, "u1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := coord.StopBuild(ctx, build.ID, "u2"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestListBuildsOwnerOnly(t *testing.T) {
	repo := memory.New()
	broker := queuememory.NewBroker(0)
	coord := NewCoordinator(repo, broker, testLogger(), nil)
	project := seedProject(t, repo, "u1", "demo")
	ctx := context.Background()

	build, err := coord.StartBuild(ctx, project.ID, "u1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	builds, err := coord.ListBuilds(ctx, project.ID, "u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(builds) != 1 || builds[0].ID != build.ID {
		t.Fatalf("unexpected builds %+v", builds)
	}
	if _, err := coord.ListBuilds(ctx, project.ID, "u2"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestNewDispatcherWithoutPublisherIsUnavailable(t *testing.T) {
	repo := memory.New()
	project := seedProject(t, repo, "u1", "demo")
	d := NewDispatcher(repo, nil, testLogger(), nil)
	if Available(d) {
		t.Fatal("expected unavailable dispatcher")
	}
	ctx := context.Background()
	if _, err := d.StartBuild(ctx, project.ID, "u1"); !errors.Is(err, ErrDispatchUnavailable) {
		t.Fatalf("expected ErrDispatchUnavailable, got %v", err)
	}
	if _, err := d.StopBuild(ctx, "any", "u1"); !errors.Is(err, ErrDispatchUnavailable) {
		t.Fatalf("expected ErrDispatchUnavailable, got %v", err)
	}
	if n := repo.CountBuilds(project.ID); n != 0 {
		t.Fatalf("unavailable dispatcher must not create builds, got %d", n)
	}
	if _, err := d.ListBuilds(ctx, project.ID, "u1"); err != nil {
		t.Fatalf("history should stay readable: %v", err)
	}

	live := NewDispatcher(repo, queuememory.NewBroker(0), testLogger(), nil)
	if !Available(live) {
		t.Fatal("expected live dispatcher")
	}
}

// cancellingStore cancels the caller's context right after a write commits,
// like a client disconnecting mid-request.
type cancellingStore struct {
	*memory.Repository
	cancel context.CancelFunc
}

func (s *cancellingStore) CreateBuild(ctx context.Context, projectID string, startedAt time.Time) (*domain.Build, error) {
	b, err := s.Repository.CreateBuild(ctx, projectID, startedAt)
	s.cancel()
	return b, err
}

func TestStartBuildDispatchesAfterCallerCancels(t *testing.T) {
	repo := memory.New()
	broker := queuememory.NewBroker(0)
	project := seedProject(t, repo, "u1", "demo")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coord := NewCoordinator(&cancellingStore{Repository: repo, cancel: cancel}, broker, testLogger(), nil)
	build, err := coord.StartBuild(ctx, project.ID, "u1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	cmds := broker.Commands()
	if len(cmds) != 1 || cmds[0].Action != queue.ActionStart || cmds[0].ProjectID != project.ID {
		t.Fatalf("expected start command despite cancellation, got %+v", cmds)
	}
	if build.Stage != domain.StageRunning {
		t.Fatalf("expected RUNNING build, got %s", build.Stage)
	}
}

// cancelOnPublish cancels the caller's context once the command is out.
type cancelOnPublish struct {
	*queuememory.Broker
	cancel context.CancelFunc
}

func (p *cancelOnPublish) PublishCommand(ctx context.Context, cmd queue.Command) error {
	err := p.Broker.PublishCommand(ctx, cmd)
	p.cancel()
	return err
}

func TestStopBuildPersistsAfterCallerCancels(t *testing.T) {
	repo := memory.New()
	broker := queuememory.NewBroker(0)
	project := seedProject(t, repo, "u1", "demo")
	running, err := repo.CreateBuild(context.Background(), project.ID, time.Now())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coord := NewCoordinator(repo, &cancelOnPublish{Broker: broker, cancel: cancel}, testLogger(), nil)
	stopped, err := coord.StopBuild(ctx, running.ID, "u1")
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if stopped.Stage != domain.StageFailed {
		t.Fatalf("expected FAILED build, got %s", stopped.Stage)
	}
	if got, _ := repo.GetBuildByID(context.Background(), running.ID); got.Stage != domain.StageFailed {
		t.Fatalf("expected store to hold FAILED, got %s", got.Stage)
	}
}
