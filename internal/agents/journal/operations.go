package journal

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/KSDGitMe/LiMOS-sub001/pkg/models"
)

// Operation is one of AddEntry, GetEntry, SearchEntries, DeleteEntry or
// Summarize. The set is closed; Agent dispatches with a type switch.
type Operation interface {
	operation() string
}

type AddEntry struct {
	Key  string
	Text string
	Tags []string
	TTL  time.Duration // zero keeps the entry forever
}

type GetEntry struct {
	Key string
}

// SearchEntries matches entries carrying any of Tags.
type SearchEntries struct {
	Tags []string
}

type DeleteEntry struct {
	Key string
}

// Summarize asks the LLM for a summary of entries carrying any of Tags, or of
// every entry when Tags is empty.
type Summarize struct {
	Tags []string
}

func (AddEntry) operation() string      { return "add_entry" }
func (GetEntry) operation() string      { return "get_entry" }
func (SearchEntries) operation() string { return "search_entries" }
func (DeleteEntry) operation() string   { return "delete_entry" }
func (Summarize) operation() string     { return "summarize" }

// ErrInvalidOperation describes an input payload that does not decode to an Operation.
type ErrInvalidOperation struct {
	Operation string
	Reason    string
}

func (e *ErrInvalidOperation) Error() string {
	if e.Operation == "" {
		return "invalid journal operation: " + e.Reason
	}
	return fmt.Sprintf("invalid journal operation %q: %s", e.Operation, e.Reason)
}

type wireOperation struct {
	Operation  string   `json:"operation"`
	Key        string   `json:"key"`
	Text       string   `json:"text"`
	Tags       []string `json:"tags"`
	TTLSeconds float64  `json:"ttl_seconds"`
}

// ParseOperation decodes the "operation" field of input and its arguments.
func ParseOperation(input models.Payload) (Operation, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, &ErrInvalidOperation{Reason: err.Error()}
	}
	var w wireOperation
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, &ErrInvalidOperation{Reason: err.Error()}
	}

	name := strings.ToLower(strings.TrimSpace(w.Operation))
	needKey := func() error {
		if strings.TrimSpace(w.Key) == "" {
			return &ErrInvalidOperation{Operation: name, Reason: "key is required"}
		}
		return nil
	}

	switch name {
	case "add_entry":
		if err := needKey(); err != nil {
			return nil, err
		}
		if w.Text == "" {
			return nil, &ErrInvalidOperation{Operation: name, Reason: "text is required"}
		}
		if w.TTLSeconds < 0 {
			return nil, &ErrInvalidOperation{Operation: name, Reason: "ttl_seconds must not be negative"}
		}
		return AddEntry{
			Key:  w.Key,
			Text: w.Text,
			Tags: w.Tags,
			TTL:  time.Duration(w.TTLSeconds * float64(time.Second)),
		}, nil
	case "get_entry":
		if err := needKey(); err != nil {
			return nil, err
		}
		return GetEntry{Key: w.Key}, nil
	case "search_entries":
		if len(w.Tags) == 0 {
			return nil, &ErrInvalidOperation{Operation: name, Reason: "at least one tag is required"}
		}
		return SearchEntries{Tags: w.Tags}, nil
	case "delete_entry":
		if err := needKey(); err != nil {
			return nil, err
		}
		return DeleteEntry{Key: w.Key}, nil
	case "summarize":
		return Summarize{Tags: w.Tags}, nil
	case "":
		return nil, &ErrInvalidOperation{Reason: "operation is required"}
	default:
		return nil, &ErrInvalidOperation{Operation: name, Reason: "unsupported"}
	}
}
