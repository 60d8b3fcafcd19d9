// Package upstream implements the HTTP client for the Perplexity API: one
// chat completion endpoint (streaming or not) and one search endpoint.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"sonar-relay/internal/config"
	"sonar-relay/internal/models"
)

const (
	contentTypeJSON = "application/json"
	userAgent       = "sonar-relay/0.1"

	defaultDialTimeout     = 10 * time.Second
	defaultKeepAlive       = 30 * time.Second
	defaultIdleConnTimeout = 90 * time.Second
)

// Client talks to the upstream provider. The chat timeout caps a whole
// exchange, body included, so it also bounds streaming responses; stalls
// between increments are caught earlier by the relay's idle timeout.
type Client struct {
	apiKey    string
	baseURL   string
	chat      *http.Client
	search    *http.Client
	chatURL   string
	searchURL string
}

// ChatResult is the terminal payload of a non-streaming exchange: raw content
// (reasoning spans still inline) plus the authoritative citation list.
type ChatResult struct {
	Content   string
	Citations []string
}

// New constructs an upstream client from configuration.
func New(cfg config.UpstreamConfig) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, config.ErrMissingAPIKey
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		return nil, errors.New("base url must not be empty")
	}

	return &Client{
		apiKey:    cfg.APIKey,
		baseURL:   baseURL,
		chat:      newHTTPClient(cfg.ChatTimeout),
		search:    newHTTPClient(cfg.SearchTimeout),
		chatURL:   baseURL + "/chat/completions",
		searchURL: baseURL + "/search",
	}, nil
}

// Chat performs a non-streaming chat completion and returns the single
// terminal payload.
func (c *Client) Chat(ctx context.Context, model string, turns []models.Turn, searchOptions map[string]any) (*ChatResult, error) {
	payload, err := buildChatPayload(model, turns, false, searchOptions)
	if err != nil {
		return nil, err
	}

	httpReq, err := c.newRequest(ctx, c.chatURL, payload)
	if err != nil {
		return nil, err
	}

	httpResp, err := c.chat.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("upstream chat request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 400 {
		return nil, parseAPIError(httpResp)
	}

	var providerResp chatResponse
	if err := decodeJSON(httpResp.Body, &providerResp); err != nil {
		return nil, err
	}

	return providerResp.toResult()
}

// Search delegates a web search to the upstream provider.
func (c *Client) Search(ctx context.Context, query string, maxResults int) ([]models.SearchResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errors.New("search query must not be empty")
	}

	payload := searchPayload{Query: query, MaxResults: maxResults}
	httpReq, err := c.newRequest(ctx, c.searchURL, payload)
	if err != nil {
		return nil, err
	}

	httpResp, err := c.search.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("upstream search request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 400 {
		return nil, parseAPIError(httpResp)
	}

	var providerResp searchResponse
	if err := decodeJSON(httpResp.Body, &providerResp); err != nil {
		return nil, err
	}

	results := make([]models.SearchResult, 0, len(providerResp.Results))
	for _, r := range providerResp.Results {
		results = append(results, models.SearchResult{
			Title:   r.Title,
			URL:     r.URL,
			Snippet: r.Snippet,
		})
	}
	return results, nil
}

func (c *Client) newRequest(ctx context.Context, url string, payload any) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}

	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("Accept", contentTypeJSON)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	return req, nil
}

type chatPayload struct {
	Model            string         `json:"model"`
	Messages         []chatMessage  `json:"messages"`
	Stream           bool           `json:"stream,omitempty"`
	WebSearchOptions map[string]any `json:"web_search_options,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func buildChatPayload(model string, turns []models.Turn, stream bool, searchOptions map[string]any) (chatPayload, error) {
	messages := make([]chatMessage, 0, len(turns))
	for _, turn := range turns {
		if strings.TrimSpace(turn.Content) == "" {
			return chatPayload{}, errors.New("turn content must not be empty")
		}
		messages = append(messages, chatMessage{Role: turn.Role, Content: turn.Content})
	}
	if len(messages) == 0 {
		return chatPayload{}, errors.New("at least one turn is required")
	}

	return chatPayload{
		Model:            model,
		Messages:         messages,
		Stream:           stream,
		WebSearchOptions: searchOptions,
	}, nil
}

type chatResponse struct {
	ID        string       `json:"id"`
	Choices   []chatChoice `json:"choices"`
	Citations []string     `json:"citations,omitempty"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

func (r chatResponse) toResult() (*ChatResult, error) {
	if len(r.Choices) == 0 {
		return nil, errors.New("upstream response did not include choices")
	}
	return &ChatResult{
		Content:   r.Choices[0].Message.Content,
		Citations: r.Citations,
	}, nil
}

type searchPayload struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results,omitempty"`
}

type searchResponse struct {
	Results []searchResult `json:"results"`
}

type searchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

type apiErrorResponse struct {
	Error apiErrorObject `json:"error"`
}

type apiErrorObject struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code"`
}

func parseAPIError(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return fmt.Errorf("upstream error status %d and failed to read body: %w", resp.StatusCode, err)
	}

	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		return fmt.Errorf("upstream error (%s): %s", apiErr.Error.Type, apiErr.Error.Message)
	}

	return fmt.Errorf("upstream error status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

func decodeJSON(reader io.Reader, target any) error {
	decoder := json.NewDecoder(reader)
	if err := decoder.Decode(target); err != nil {
		return fmt.Errorf("decode upstream response: %w", err)
	}
	return nil
}

func newHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: defaultKeepAlive}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}
