package statusflowsdk_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"statusflow/internal/db"
	"statusflow/internal/domain"
	"statusflow/internal/engine"
	"statusflow/internal/events"
	"statusflow/internal/migrate"
	"statusflow/internal/notify"
	"statusflow/internal/server"
	statusflowsdk "statusflow/sdk/go"
)

const secret = "sdk-secret"

func newServer(t *testing.T) (*httptest.Server, engine.Engine) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn))
	e := engine.New(conn, notify.Recorder{Writer: events.Writer{DB: conn}})

	ctx := context.Background()
	_, err = e.CreateProject(ctx, engine.ProjectCreateOptions{ID: "proj", ActorID: "alice"})
	require.NoError(t, err)
	_, err = e.SetMember(ctx, "proj", "bob", domain.RoleMember, domain.RoleAdmin)
	require.NoError(t, err)

	handler, err := server.New(server.Config{Engine: e, Auth: server.AuthConfig{JWTSecret: secret}})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		conn.Close()
	})
	return srv, e
}

func clientFor(t *testing.T, baseURL, actor string) *statusflowsdk.Client {
	t.Helper()
	token, err := server.IssueToken(secret, actor, 0)
	require.NoError(t, err)
	c := statusflowsdk.New(baseURL, "proj")
	c.BearerToken = token
	return c
}

func TestClientWorkflow(t *testing.T) {
	srv, _ := newServer(t)
	ctx := context.Background()
	alice := clientFor(t, srv.URL, "alice")
	bob := clientFor(t, srv.URL, "bob")

	task, err := bob.CreateTask(ctx, "Write release notes", "")
	require.NoError(t, err)
	assert.Equal(t, statusflowsdk.StatusNew, task.Status)

	res, err := bob.RequestStatusChange(ctx, task.ID, statusflowsdk.StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, statusflowsdk.OutcomePendingApproval, res.Outcome)
	require.NotNil(t, res.Request)

	_, err = bob.RequestStatusChange(ctx, task.ID, statusflowsdk.StatusCancelled)
	require.Error(t, err)
	assert.True(t, statusflowsdk.IsCode(err, "proposal_already_pending"), err.Error())

	pending, err := alice.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	_, err = alice.Resolve(ctx, pending[0].ID, statusflowsdk.OutcomeRejected, "")
	var apiErr *statusflowsdk.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	assert.Equal(t, "invalid_reason", apiErr.Code)
	assert.NotEmpty(t, apiErr.Message)

	cr, err := alice.Resolve(ctx, pending[0].ID, statusflowsdk.OutcomeApproved, "")
	require.NoError(t, err)
	assert.Equal(t, statusflowsdk.OutcomeApproved, cr.State)

	got, err := bob.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, statusflowsdk.StatusCompleted, got.Status)
	assert.EqualValues(t, 2, got.Version)

	history, err := bob.TaskHistory(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "alice", *history[0].ResolvedBy)

	applied, err := alice.RequestStatusChange(ctx, task.ID, statusflowsdk.StatusInProgress)
	require.NoError(t, err)
	assert.Equal(t, statusflowsdk.OutcomeApplied, applied.Outcome)
	assert.EqualValues(t, 3, applied.Task.Version)

	evts, err := bob.Events(ctx, 2)
	require.NoError(t, err)
	require.Len(t, evts, 2)
	assert.Equal(t, domain.EventTaskStatusChanged, evts[0].Type)
	assert.Equal(t, task.ID, evts[0].Payload["task_id"])
}

func TestClientPaginatesEvents(t *testing.T) {
	srv, _ := newServer(t)
	ctx := context.Background()
	alice := clientFor(t, srv.URL, "alice")
	for _, title := range []string{"a", "b", "c"} {
		_, err := alice.CreateTask(ctx, title, "")
		require.NoError(t, err)
	}

	page, err := alice.EventsPage(ctx, 2, "")
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	require.NotEmpty(t, page.NextCursor)

	rest, err := alice.EventsPage(ctx, 2, page.NextCursor)
	require.NoError(t, err)
	require.Len(t, rest.Items, 1)
	assert.Empty(t, rest.NextCursor)
	assert.Less(t, rest.Items[0].ID, page.Items[1].ID)
}

func TestClientErrors(t *testing.T) {
	srv, _ := newServer(t)
	ctx := context.Background()

	anon := statusflowsdk.New(srv.URL, "proj")
	_, err := anon.ListPending(ctx)
	assert.True(t, statusflowsdk.IsCode(err, "unauthenticated"), err)

	stranger := clientFor(t, srv.URL, "mallory")
	_, err = stranger.CreateTask(ctx, "x", "")
	assert.True(t, statusflowsdk.IsCode(err, "forbidden"), err)

	alice := clientFor(t, srv.URL, "alice")
	_, err = alice.GetTask(ctx, "missing")
	assert.True(t, statusflowsdk.IsCode(err, "not_found"), err)

	other := clientFor(t, srv.URL, "alice")
	other.ProjectID = "nope"
	_, err = other.ListPending(ctx)
	assert.True(t, statusflowsdk.IsCode(err, "not_found"), err)
}

func TestDecodeNonEnvelopeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := statusflowsdk.New(srv.URL, "proj").GetTask(context.Background(), "T1")
	var apiErr *statusflowsdk.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Empty(t, apiErr.Code)
	assert.Contains(t, apiErr.Body, "upstream down")
}
