package domain

import "time"

// Principal is the authenticated identity attached to a request. It is
// resolved fresh on every call and never persisted by the gateway.
type Principal struct {
	UserID string
	OrgID  string
	Role   string
}

// User is an account record owned by the external user store.
type User struct {
	ID     string
	OrgID  string
	Role   string
	Active bool
}

// APIKey is a long-lived bearer credential for a user.
type APIKey struct {
	Key        string
	KeyHash    string
	UserID     string
	IsActive   bool
	LastUsedAt time.Time
	CreatedAt  time.Time
}

// Pricing is the per-million-token price of a model.
type Pricing struct {
	InputPerMillion  float64 `json:"input_per_million"`
	OutputPerMillion float64 `json:"output_per_million"`
}

// Features describes capabilities a model supports.
type Features struct {
	Streaming       bool `json:"streaming"`
	FunctionCalling bool `json:"function_calling"`
	Vision          bool `json:"vision"`
}

// ModelProfile maps a public model id to a backend provider, the provider's
// real model name, and pricing. Profiles are loaded once at startup and are
// read-only afterwards.
type ModelProfile struct {
	ID               string   `json:"id"`
	Provider         string   `json:"provider"`
	BackendModelName string   `json:"backend_model_name"`
	Pricing          Pricing  `json:"pricing"`
	Features         Features `json:"features"`
	LatencyClass     string   `json:"latency_class"`
	ContextWindow    int      `json:"context_window"`
}

type ChatRequest struct {
	Model            string    `json:"model"`
	Messages         []Message `json:"messages"`
	Temperature      *float64  `json:"temperature,omitempty"`
	MaxTokens        *int      `json:"max_tokens,omitempty"`
	TopP             *float64  `json:"top_p,omitempty"`
	PresencePenalty  *float64  `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64  `json:"frequency_penalty,omitempty"`
	Stop             []string  `json:"stop,omitempty"`
	Stream           bool      `json:"stream,omitempty"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

type Choice struct {
	Index        int      `json:"index"`
	Message      *Message `json:"message,omitempty"`
	Delta        *Delta   `json:"delta,omitempty"`
	FinishReason string   `json:"finish_reason,omitempty"`
}

type Delta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StreamChunk is one canonical incremental delta of a streamed completion.
type StreamChunk struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// Wallet holds a user's spendable credit balance. The balance changes only
// through ledger operations and a committed balance is never negative.
type Wallet struct {
	UserID    string
	Balance   float64
	UpdatedAt time.Time
}

// UsageLedgerEntry is one append-only billing record, written exactly once
// per successfully completed billable call.
type UsageLedgerEntry struct {
	ID        string
	UserID    string
	OrgID     string
	Model     string
	Provider  string
	RequestID string
	TokensIn  int
	TokensOut int
	Cost      float64
	Kind      string
	Reason    string
	Timestamp time.Time
}

// Ledger entry kinds. Debits record usage, credits record grants.
const (
	LedgerKindDebit  = "debit"
	LedgerKindCredit = "credit"
)

// Model is the client-facing catalog row returned by GET /v1/models.
// Backend model names and pricing internals stay redacted.
type Model struct {
	ID            string `json:"id"`
	Object        string `json:"object"`
	OwnedBy       string `json:"owned_by"`
	ContextWindow int    `json:"context_window,omitempty"`
}

type ModelsResponse struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}
