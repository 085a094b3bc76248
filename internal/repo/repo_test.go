package repo_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"statusflow/internal/db"
	"statusflow/internal/domain"
	"statusflow/internal/migrate"
	"statusflow/internal/repo"
)

var base = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func ts(offset time.Duration) string {
	return domain.FormatTime(base.Add(offset))
}

func newTestRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	r := repo.Repo{DB: conn}
	require.NoError(t, r.InsertProject(context.Background(), domain.Project{ID: "p1", Name: "Project One", CreatedAt: ts(0)}))
	return r
}

func seedTask(t *testing.T, r repo.Repo, id string, version int64) domain.Task {
	t.Helper()
	task := domain.Task{ID: id, ProjectID: "p1", Title: "Task " + id, Status: domain.StatusNew, Version: version, CreatedAt: ts(0), UpdatedAt: ts(0)}
	require.NoError(t, r.InsertTask(context.Background(), task))
	return task
}

func TestProjects(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	p, err := r.GetProject(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "Project One", p.Name)

	_, err = r.GetProject(ctx, "missing")
	assert.ErrorIs(t, err, repo.ErrNotFound)

	err = r.InsertProject(ctx, domain.Project{ID: "p1", Name: "dup", CreatedAt: ts(0)})
	assert.ErrorIs(t, err, repo.ErrAlreadyExists)

	single, err := r.SingleProject(ctx)
	require.NoError(t, err)
	assert.Equal(t, "p1", single.ID)

	require.NoError(t, r.InsertProject(ctx, domain.Project{ID: "p2", Name: "Two", CreatedAt: ts(time.Second)}))
	_, err = r.SingleProject(ctx)
	assert.Error(t, err)
}

func TestInsertTaskRequiresProject(t *testing.T) {
	r := newTestRepo(t)
	err := r.InsertTask(context.Background(), domain.Task{ID: "t1", ProjectID: "nope", Title: "x", Status: domain.StatusNew, Version: 1, CreatedAt: ts(0), UpdatedAt: ts(0)})
	assert.ErrorIs(t, err, repo.ErrNotFound)

	seedTask(t, r, "t1", 1)
	err = r.InsertTask(context.Background(), domain.Task{ID: "t1", ProjectID: "p1", Title: "x", Status: domain.StatusNew, Version: 1, CreatedAt: ts(0), UpdatedAt: ts(0)})
	assert.ErrorIs(t, err, repo.ErrAlreadyExists)
}

func TestCompareAndSetStatus(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	seedTask(t, r, "t1", 3)

	updated, err := r.CompareAndSetStatus(ctx, "t1", 3, domain.StatusInProgress, ts(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, updated.Status)
	assert.EqualValues(t, 4, updated.Version)
	assert.Equal(t, ts(time.Minute), updated.UpdatedAt)

	_, err = r.CompareAndSetStatus(ctx, "t1", 3, domain.StatusCompleted, ts(2*time.Minute))
	assert.ErrorIs(t, err, repo.ErrVersionConflict)

	_, err = r.CompareAndSetStatus(ctx, "missing", 1, domain.StatusCompleted, ts(2*time.Minute))
	assert.ErrorIs(t, err, repo.ErrNotFound)

	got, err := r.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, got.Status)
	assert.EqualValues(t, 4, got.Version)
}

func TestCompareAndSetStatusConcurrentWritersOneWins(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	seedTask(t, r, "t1", 4)

	statuses := []domain.TaskStatus{domain.StatusCompleted, domain.StatusCancelled, domain.StatusInProgress, domain.StatusCompleted}
	results := make([]error, len(statuses))
	var wg conc.WaitGroup
	for i, st := range statuses {
		wg.Go(func() {
			_, results[i] = r.CompareAndSetStatus(ctx, "t1", 4, st, ts(time.Minute))
		})
	}
	wg.Wait()

	wins := 0
	for _, err := range results {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, repo.ErrVersionConflict)
	}
	assert.Equal(t, 1, wins)

	got, err := r.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.EqualValues(t, 5, got.Version)
}

func TestCreatePendingAndResolve(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	seedTask(t, r, "t1", 1)

	cr, err := r.CreatePending(ctx, repo.NewChangeRequest{
		ID: "r1", TaskID: "t1", RequesterID: "bob",
		CurrentStatus: domain.StatusNew, RequestedStatus: domain.StatusInProgress, CreatedAt: ts(time.Minute),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatePending, cr.State)
	assert.Equal(t, "p1", cr.ProjectID)
	assert.Nil(t, cr.ResolvedAt)

	_, err = r.CreatePending(ctx, repo.NewChangeRequest{
		ID: "r2", TaskID: "t1", RequesterID: "carol",
		CurrentStatus: domain.StatusNew, RequestedStatus: domain.StatusCancelled, CreatedAt: ts(2 * time.Minute),
	})
	assert.ErrorIs(t, err, repo.ErrPendingExists)

	_, err = r.CreatePending(ctx, repo.NewChangeRequest{
		ID: "r3", TaskID: "t1", RequesterID: "carol",
		CurrentStatus: domain.StatusNew, RequestedStatus: domain.StatusNew, CreatedAt: ts(2 * time.Minute),
	})
	assert.ErrorIs(t, err, repo.ErrInvalidRequest)

	_, err = r.Resolve(ctx, "r1", domain.OutcomeRejected, "alice", "  ", ts(3*time.Minute))
	assert.ErrorIs(t, err, repo.ErrInvalidReason)
	still, err := r.GetChangeRequest(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatePending, still.State)

	_, err = r.Resolve(ctx, "missing", domain.OutcomeRejected, "alice", "", ts(3*time.Minute))
	assert.ErrorIs(t, err, repo.ErrNotFound)

	rejected, err := r.Resolve(ctx, "r1", domain.OutcomeRejected, "alice", "  not yet ", ts(3*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, domain.StateRejected, rejected.State)
	require.NotNil(t, rejected.RejectionReason)
	assert.Equal(t, "  not yet ", *rejected.RejectionReason)
	require.NotNil(t, rejected.ResolvedBy)
	assert.Equal(t, "alice", *rejected.ResolvedBy)

	_, err = r.Resolve(ctx, "r1", domain.OutcomeApproved, "alice", "", ts(4*time.Minute))
	assert.ErrorIs(t, err, repo.ErrAlreadyResolved)
	_, err = r.Resolve(ctx, "r1", domain.OutcomeRejected, "alice", "", ts(4*time.Minute))
	assert.ErrorIs(t, err, repo.ErrAlreadyResolved)

	_, err = r.Resolve(ctx, "missing", domain.OutcomeApproved, "alice", "", ts(4*time.Minute))
	assert.ErrorIs(t, err, repo.ErrNotFound)

	// The slot is free again once the earlier proposal is resolved.
	again, err := r.CreatePending(ctx, repo.NewChangeRequest{
		ID: "r4", TaskID: "t1", RequesterID: "carol",
		CurrentStatus: domain.StatusNew, RequestedStatus: domain.StatusCancelled, CreatedAt: ts(5 * time.Minute),
	})
	require.NoError(t, err)
	approved, err := r.Resolve(ctx, again.ID, domain.OutcomeApproved, "alice", "ignored", ts(6*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, domain.StateApproved, approved.State)
	assert.Nil(t, approved.RejectionReason)

	history, err := r.ListChangeRequestsForTask(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "r1", history[0].ID)
	assert.Equal(t, "r4", history[1].ID)
}

func TestCreatePendingConcurrentOnlyOneSucceeds(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	seedTask(t, r, "t1", 1)

	const n = 8
	errs := make([]error, n)
	var wg conc.WaitGroup
	for i := range n {
		wg.Go(func() {
			_, errs[i] = r.CreatePending(ctx, repo.NewChangeRequest{
				ID: fmt.Sprintf("r%d", i), TaskID: "t1", RequesterID: fmt.Sprintf("member-%d", i),
				CurrentStatus: domain.StatusNew, RequestedStatus: domain.StatusInProgress, CreatedAt: ts(time.Minute),
			})
		})
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, repo.ErrPendingExists)
	}
	assert.Equal(t, 1, ok)
}

func TestListPendingForProjectOrder(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	for _, id := range []string{"t1", "t2", "t3"} {
		seedTask(t, r, id, 1)
	}
	require.NoError(t, r.InsertProject(ctx, domain.Project{ID: "p2", Name: "Other", CreatedAt: ts(0)}))
	require.NoError(t, r.InsertTask(ctx, domain.Task{ID: "x1", ProjectID: "p2", Title: "other", Status: domain.StatusNew, Version: 1, CreatedAt: ts(0), UpdatedAt: ts(0)}))

	create := func(id, task string, at time.Duration) {
		_, err := r.CreatePending(ctx, repo.NewChangeRequest{
			ID: id, TaskID: task, RequesterID: "bob",
			CurrentStatus: domain.StatusNew, RequestedStatus: domain.StatusCompleted, CreatedAt: ts(at),
		})
		require.NoError(t, err)
	}
	create("late", "t1", 3*time.Minute)
	create("early", "t2", time.Minute)
	create("mid", "t3", 2*time.Minute)
	create("foreign", "x1", 0)

	_, err := r.Resolve(ctx, "mid", domain.OutcomeApproved, "alice", "", ts(4*time.Minute))
	require.NoError(t, err)

	pending, err := r.ListPendingForProject(ctx, "p1")
	require.NoError(t, err)
	var ids []string
	for _, cr := range pending {
		ids = append(ids, cr.ID)
	}
	assert.Equal(t, []string{"early", "late"}, ids)
}

func TestMembers(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	_, err := r.MemberRole(ctx, "p1", "alice")
	assert.ErrorIs(t, err, repo.ErrNotFound)

	require.NoError(t, r.SetMember(ctx, domain.Member{ProjectID: "p1", ActorID: "alice", Role: domain.RoleMember, CreatedAt: ts(0)}))
	require.NoError(t, r.SetMember(ctx, domain.Member{ProjectID: "p1", ActorID: "alice", Role: domain.RoleAdmin, CreatedAt: ts(time.Second)}))
	role, err := r.MemberRole(ctx, "p1", "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleAdmin, role)

	err = r.SetMember(ctx, domain.Member{ProjectID: "nope", ActorID: "alice", Role: domain.RoleAdmin, CreatedAt: ts(0)})
	assert.ErrorIs(t, err, repo.ErrNotFound)

	members, err := r.ListMembers(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, members, 1)

	require.NoError(t, r.RemoveMember(ctx, "p1", "alice"))
	assert.ErrorIs(t, r.RemoveMember(ctx, "p1", "alice"), repo.ErrNotFound)
}

func TestListTasksPaging(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	for i := range 5 {
		task := domain.Task{ID: fmt.Sprintf("t%d", i), ProjectID: "p1", Title: "x", Status: domain.StatusNew, Version: 1, CreatedAt: ts(time.Duration(i) * time.Second), UpdatedAt: ts(0)}
		require.NoError(t, r.InsertTask(ctx, task))
	}
	page, err := r.ListTasks(ctx, repo.TaskFilters{ProjectID: "p1", Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "t1", page[1].ID)

	next, err := r.ListTasks(ctx, repo.TaskFilters{ProjectID: "p1", Limit: 10, CursorCreatedAt: page[1].CreatedAt, CursorID: page[1].ID})
	require.NoError(t, err)
	require.Len(t, next, 3)
	assert.Equal(t, "t2", next[0].ID)

	counts, err := r.CountTasksByStatus(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 5, counts[domain.StatusNew])
}
