package models

// Turn represents a single conversational turn in the unified schema.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Turn roles accepted on the inbound API.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatRequest is the inbound payload for a chat exchange: prior history plus
// the new query. Nothing is persisted server-side between exchanges.
type ChatRequest struct {
	History       []Turn         `json:"history"`
	Query         string         `json:"query"`
	Model         string         `json:"model"`
	Stream        bool           `json:"stream"`
	SearchOptions map[string]any `json:"search_options,omitempty"`
}

// ChatResponse is the non-streaming answer: clean content with thinking spans
// stripped into their own ordered list.
type ChatResponse struct {
	Content  string   `json:"content"`
	Sources  []string `json:"sources"`
	Thinking []string `json:"thinking,omitempty"`
}

// SearchQuery is the inbound payload for a delegated web search.
type SearchQuery struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results,omitempty"`
}

// SearchResult is a single upstream search hit.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// SearchResponse echoes the query alongside its results.
type SearchResponse struct {
	Query   string         `json:"query"`
	Results []SearchResult `json:"results"`
}

// Model identifies a known upstream model with display metadata.
type Model struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ModelsResponse lists the enumerated model catalog.
type ModelsResponse struct {
	Models []Model `json:"models"`
}

// HealthResponse reports service status for the liveness endpoint.
type HealthResponse struct {
	Status         string   `json:"status"`
	AllowedOrigins []string `json:"allowed_origins"`
	Timestamp      string   `json:"timestamp"`
}

// APIInfoResponse is returned from the root endpoint.
type APIInfoResponse struct {
	Message string `json:"message"`
	Status  string `json:"status"`
}
