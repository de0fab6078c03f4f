package journal_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KSDGitMe/LiMOS-sub001/internal/agent"
	"github.com/KSDGitMe/LiMOS-sub001/internal/agents/journal"
	"github.com/KSDGitMe/LiMOS-sub001/internal/llm"
	"github.com/KSDGitMe/LiMOS-sub001/internal/registry"
	"github.com/KSDGitMe/LiMOS-sub001/internal/store"
	"github.com/KSDGitMe/LiMOS-sub001/pkg/models"
)

type recordingClient struct {
	prompts []string
}

func (c *recordingClient) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	c.prompts = append(c.prompts, req.Prompt)
	return &llm.Response{Text: "a calm week"}, nil
}

func newJournal(t *testing.T) (*agent.BaseAgent, *recordingClient, store.Backend) {
	t.Helper()
	backend := store.NewMemoryBackend()
	client := &recordingClient{}
	a, err := journal.New(models.NewAgentConfig("diary", models.WithCapabilities(models.CapabilityJournaling)),
		backend, agent.WithClient(client))
	require.NoError(t, err)
	return a, client, backend
}

func run(t *testing.T, a *agent.BaseAgent, input models.Payload) models.Payload {
	t.Helper()
	out, err := a.Execute(context.Background(), input, nil)
	require.NoError(t, err)
	return out
}

func TestParseOperation(t *testing.T) {
	cases := []struct {
		name  string
		input models.Payload
		want  journal.Operation
	}{
		{"add", models.Payload{"operation": "add_entry", "key": "d1", "text": "hi", "tags": []string{"x"}, "ttl_seconds": 1.5},
			journal.AddEntry{Key: "d1", Text: "hi", Tags: []string{"x"}, TTL: 1500 * time.Millisecond}},
		{"get", models.Payload{"operation": "GET_ENTRY", "key": "d1"}, journal.GetEntry{Key: "d1"}},
		{"search", models.Payload{"operation": "search_entries", "tags": []any{"a", "b"}}, journal.SearchEntries{Tags: []string{"a", "b"}}},
		{"delete", models.Payload{"operation": "delete_entry", "key": "d1"}, journal.DeleteEntry{Key: "d1"}},
		{"summarize", models.Payload{"operation": "summarize"}, journal.Summarize{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			op, err := journal.ParseOperation(tc.input)
			require.NoError(t, err)
			assert.Equal(t, tc.want, op)
		})
	}
}

func TestParseOperation_Invalid(t *testing.T) {
	cases := map[string]models.Payload{
		"missing op":      {},
		"unknown op":      {"operation": "launch_rocket"},
		"add without key": {"operation": "add_entry", "text": "x"},
		"add no text":     {"operation": "add_entry", "key": "k"},
		"negative ttl":    {"operation": "add_entry", "key": "k", "text": "x", "ttl_seconds": -1},
		"search no tags":  {"operation": "search_entries"},
		"get no key":      {"operation": "get_entry"},
		"bad field type":  {"operation": "get_entry", "key": 12},
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := journal.ParseOperation(input)
			var invalid *journal.ErrInvalidOperation
			require.ErrorAs(t, err, &invalid)
		})
	}
}

func TestJournal_AddGetDelete(t *testing.T) {
	a, _, _ := newJournal(t)

	out := run(t, a, models.Payload{"operation": "add_entry", "key": "2026-10-01", "text": "Went hiking", "tags": []string{"outdoors"}})
	assert.Equal(t, true, out["stored"])

	out = run(t, a, models.Payload{"operation": "get_entry", "key": "2026-10-01"})
	require.Equal(t, true, out["found"])
	entry := out["entry"].(journal.Entry)
	assert.Equal(t, "Went hiking", entry.Text)
	assert.Equal(t, []string{"outdoors"}, entry.Tags)

	out = run(t, a, models.Payload{"operation": "delete_entry", "key": "2026-10-01"})
	assert.Equal(t, true, out["deleted"])

	out = run(t, a, models.Payload{"operation": "get_entry", "key": "2026-10-01"})
	assert.Equal(t, false, out["found"])
	assert.NotContains(t, out, "entry")
}

func TestJournal_EntriesAreNamespaced(t *testing.T) {
	a, _, backend := newJournal(t)
	run(t, a, models.Payload{"operation": "add_entry", "key": "k", "text": "x"})

	keys, err := backend.Keys(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, []string{"agent:" + a.ID() + ":entry:k"}, keys)
}

func TestJournal_SearchUsesAnyTag(t *testing.T) {
	a, _, _ := newJournal(t)
	run(t, a, models.Payload{"operation": "add_entry", "key": "a", "text": "run", "tags": []string{"sport"}})
	run(t, a, models.Payload{"operation": "add_entry", "key": "b", "text": "swim", "tags": []string{"sport", "water"}})
	run(t, a, models.Payload{"operation": "add_entry", "key": "c", "text": "read", "tags": []string{"books"}})

	out := run(t, a, models.Payload{"operation": "search_entries", "tags": []string{"water", "books"}})
	assert.Equal(t, 2, out["count"])
	entries := out["entries"].(map[string]journal.Entry)
	assert.Contains(t, entries, "b")
	assert.Contains(t, entries, "c")
}

func TestJournal_Summarize(t *testing.T) {
	a, client, _ := newJournal(t)

	out := run(t, a, models.Payload{"operation": "summarize"})
	assert.Equal(t, "", out["summary"])
	assert.Empty(t, client.prompts, "nothing to summarize means no LLM call")

	run(t, a, models.Payload{"operation": "add_entry", "key": "a", "text": "Quiet morning", "tags": []string{"mood"}})
	run(t, a, models.Payload{"operation": "add_entry", "key": "b", "text": "Busy afternoon"})

	out = run(t, a, models.Payload{"operation": "summarize"})
	assert.Equal(t, "a calm week", out["summary"])
	assert.Equal(t, 2, out["count"])
	require.Len(t, client.prompts, 1)
	assert.Contains(t, client.prompts[0], "Quiet morning")
	assert.Contains(t, client.prompts[0], "Busy afternoon")

	out = run(t, a, models.Payload{"operation": "summarize", "tags": []string{"mood"}})
	assert.Equal(t, 1, out["count"])
	assert.NotContains(t, client.prompts[1], "Busy afternoon")
}

func TestJournal_InvalidOperationFailsExecution(t *testing.T) {
	a, _, _ := newJournal(t)
	_, err := a.Execute(context.Background(), models.Payload{"operation": "nope"}, nil)

	var execErr *agent.ExecutionError
	require.ErrorAs(t, err, &execErr)
	var invalid *journal.ErrInvalidOperation
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, models.AgentStatusError, a.Status())
	assert.Equal(t, 1, a.Metrics().FailedExecutions)
}

func TestJournal_ExpiredEntryIsGone(t *testing.T) {
	a, _, _ := newJournal(t)
	run(t, a, models.Payload{"operation": "add_entry", "key": "tmp", "text": "soon gone", "ttl_seconds": 0.05})
	time.Sleep(100 * time.Millisecond)

	out := run(t, a, models.Payload{"operation": "get_entry", "key": "tmp"})
	assert.Equal(t, false, out["found"])
}

func TestFactory(t *testing.T) {
	backend := store.NewMemoryBackend()
	r := registry.New()
	r.RegisterFactory(journal.Class, journal.Factory(backend))

	a, err := r.CreateAgent(journal.Class, models.NewAgentConfig("diary"), true, agent.WithClient(&recordingClient{}))
	require.NoError(t, err)
	assert.Equal(t, journal.Class, a.Class())

	reg, ok := r.GetRegistration(a.ID())
	require.True(t, ok)
	assert.Equal(t, journal.Class, reg.AgentClass)

	out, err := a.Execute(context.Background(), models.Payload{"operation": "add_entry", "key": "k", "text": "x"}, nil)
	require.NoError(t, err)
	assert.Equal(t, true, out["stored"])
}
