// Package journal is a journaling agent: dated text entries kept in the
// agent's namespaced memory, searchable by tag and summarizable by the LLM.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/KSDGitMe/LiMOS-sub001/internal/agent"
	"github.com/KSDGitMe/LiMOS-sub001/internal/llm"
	"github.com/KSDGitMe/LiMOS-sub001/internal/memory"
	"github.com/KSDGitMe/LiMOS-sub001/internal/registry"
	"github.com/KSDGitMe/LiMOS-sub001/internal/store"
	"github.com/KSDGitMe/LiMOS-sub001/pkg/models"
)

// Class is the registry class name of journal agents.
const Class = "journal"

const entryPrefix = "entry:"

const summarySystemPrompt = "You summarize personal journal entries. Be concise and factual."

// Entry is one journal entry as stored in memory.
type Entry struct {
	Text      string    `json:"text"`
	Tags      []string  `json:"tags"`
	CreatedAt time.Time `json:"created_at"`
}

// Agent implements agent.Hooks.
type Agent struct {
	mem    *memory.AgentMemory
	client llm.Client
}

// New builds a journal agent whose entries live in backend.
func New(cfg models.AgentConfig, backend store.Backend, opts ...agent.Option) (*agent.BaseAgent, error) {
	mem, err := memory.New(cfg.AgentID, backend)
	if err != nil {
		return nil, err
	}
	hooks := &Agent{mem: mem}
	return agent.New(cfg, hooks, append([]agent.Option{agent.WithClass(Class)}, opts...)...)
}

// Factory returns a registry factory bound to backend.
func Factory(backend store.Backend) registry.Factory {
	return func(cfg models.AgentConfig, opts ...agent.Option) (*agent.BaseAgent, error) {
		return New(cfg, backend, opts...)
	}
}

func (j *Agent) SetClient(c llm.Client) { j.client = c }

// InitializeAgent drops entries that expired while the agent was down.
func (j *Agent) InitializeAgent(ctx context.Context) error {
	removed, err := j.mem.CleanupExpired(ctx)
	if err != nil {
		return fmt.Errorf("sweep journal: %w", err)
	}
	log.Debug().Str("agent_id", j.mem.AgentID()).Int("expired", removed).Msg("Journal ready")
	return nil
}

func (j *Agent) CleanupAgent(ctx context.Context) error {
	_, err := j.mem.CleanupExpired(ctx)
	return err
}

func (j *Agent) ExecuteTask(ctx context.Context, input models.Payload, _ map[string]any) (models.Payload, error) {
	op, err := ParseOperation(input)
	if err != nil {
		return nil, err
	}

	switch op := op.(type) {
	case AddEntry:
		return j.add(ctx, op)
	case GetEntry:
		return j.get(ctx, op)
	case SearchEntries:
		return j.search(ctx, op)
	case DeleteEntry:
		return j.delete(ctx, op)
	case Summarize:
		return j.summarize(ctx, op)
	default:
		return nil, fmt.Errorf("unhandled journal operation %T", op)
	}
}

func (j *Agent) add(ctx context.Context, op AddEntry) (models.Payload, error) {
	e := Entry{Text: op.Text, Tags: op.Tags, CreatedAt: time.Now().UTC()}
	if e.Tags == nil {
		e.Tags = []string{}
	}
	opts := []memory.SetOption{memory.WithTags(op.Tags...)}
	if op.TTL > 0 {
		opts = append(opts, memory.WithTTL(op.TTL))
	}
	if err := j.mem.Set(ctx, entryPrefix+op.Key, e, opts...); err != nil {
		return nil, err
	}
	return models.Payload{"key": op.Key, "stored": true}, nil
}

func (j *Agent) get(ctx context.Context, op GetEntry) (models.Payload, error) {
	var e Entry
	ok, err := j.mem.Get(ctx, entryPrefix+op.Key, &e)
	if err != nil {
		return nil, err
	}
	out := models.Payload{"key": op.Key, "found": ok}
	if ok {
		out["entry"] = e
	}
	return out, nil
}

func (j *Agent) search(ctx context.Context, op SearchEntries) (models.Payload, error) {
	entries, err := j.entries(ctx, op.Tags)
	if err != nil {
		return nil, err
	}
	return models.Payload{"entries": entries, "count": len(entries)}, nil
}

func (j *Agent) delete(ctx context.Context, op DeleteEntry) (models.Payload, error) {
	ok, err := j.mem.Delete(ctx, entryPrefix+op.Key)
	if err != nil {
		return nil, err
	}
	return models.Payload{"key": op.Key, "deleted": ok}, nil
}

func (j *Agent) summarize(ctx context.Context, op Summarize) (models.Payload, error) {
	entries, err := j.entries(ctx, op.Tags)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return models.Payload{"summary": "", "count": 0}, nil
	}
	if j.client == nil {
		return nil, errors.New("journal summarize: no LLM client")
	}

	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(a, b int) bool {
		return entries[keys[a]].CreatedAt.Before(entries[keys[b]].CreatedAt)
	})

	var sb strings.Builder
	sb.WriteString("Summarize these journal entries:\n")
	for _, k := range keys {
		e := entries[k]
		fmt.Fprintf(&sb, "- [%s] %s\n", e.CreatedAt.Format(time.DateOnly), e.Text)
	}

	resp, err := j.client.Complete(ctx, llm.Request{System: summarySystemPrompt, Prompt: sb.String()})
	if err != nil {
		return nil, fmt.Errorf("journal summarize: %w", err)
	}
	return models.Payload{"summary": resp.Text, "count": len(entries)}, nil
}

// entries returns live entries matching any of tags, or all of them when
// tags is empty, keyed without the entry prefix.
func (j *Agent) entries(ctx context.Context, tags []string) (map[string]Entry, error) {
	out := make(map[string]Entry)
	if len(tags) > 0 {
		raw, err := j.mem.FindByTags(ctx, tags...)
		if err != nil {
			return nil, err
		}
		for k, v := range raw {
			if err := addDecoded(out, k, v); err != nil {
				return nil, err
			}
		}
		return out, nil
	}

	keys, err := j.mem.Keys(ctx, entryPrefix+"*")
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		raw, ok, err := j.mem.GetRaw(ctx, k)
		if err != nil {
			return nil, err
		}
		if ok {
			if err := addDecoded(out, k, raw); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

func addDecoded(out map[string]Entry, key string, raw json.RawMessage) error {
	name, ok := strings.CutPrefix(key, entryPrefix)
	if !ok {
		return nil
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return fmt.Errorf("decode journal entry %s: %w", name, err)
	}
	out[name] = e
	return nil
}
