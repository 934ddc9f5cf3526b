package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"command_center/internal/domain"
)

func TestClientAgainstServer(t *testing.T) {
	h := newHarness(t)
	ts := httptest.NewServer(h.server.Handler())
	defer ts.Close()

	ctx := context.Background()
	client := NewClient(ts.URL + "/")

	status, err := client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, status.AgentCount)

	agents, err := client.Agents(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 1)

	view, err := client.CreateTask(ctx, domain.CreateTaskRequest{Title: "From client"})
	require.NoError(t, err)
	require.NotEmpty(t, view.ID)

	tasks, err := client.Tasks(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	got, err := client.Task(ctx, view.ID)
	require.NoError(t, err)
	assert.Equal(t, "From client", got.Title)

	cancelled, err := client.CancelTask(ctx, view.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCancelled, cancelled.Status)

	_, err = client.CancelTask(ctx, view.ID)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.Status)

	decisions, err := client.Decisions(ctx, view.ID, 1)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, "task_status", decisions[0].Action)

	id, reply, err := client.Send(ctx, CommandRequest{Type: domain.CommandStatus, Target: agents[0].ID, WaitMS: 2000})
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, reply.ID, id)
	assert.Equal(t, domain.CommandStatusReport, reply.Type)

	id, reply, err = client.Send(ctx, CommandRequest{Type: domain.CommandListTasks})
	require.NoError(t, err)
	assert.Nil(t, reply)
	assert.NotEmpty(t, id)

	commands, err := client.Commands(ctx, 5)
	require.NoError(t, err)
	assert.NotEmpty(t, commands)
}

func TestClientEventsURL(t *testing.T) {
	assert.Equal(t, "ws://localhost:8091/events", NewClient("http://localhost:8091").EventsURL())
	assert.Equal(t, "wss://cc.example/events", NewClient("https://cc.example/").EventsURL())
}
