// Package examapi is the HTTP client for the exam service: it fetches the candidate view of
// an exam and posts the final submission.
package examapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-candidate/internal/model"
)

// Service is what the session needs from the exam service.
type Service interface {
	FetchExam(ctx context.Context, examID string) (*Fetched, error)
	Submit(ctx context.Context, req model.SubmissionRequest) (*Submitted, error)
}

// Fetched is a definition together with the server clock reading that came with it.
type Fetched struct {
	Envelope model.ExamEnvelope
	// ServerTime is zero when the response carried no usable timestamp.
	ServerTime time.Time
}

// Submitted is the stored result of a submission.
type Submitted struct {
	Result     model.SubmissionResult
	ServerTime time.Time
}

type envelope struct {
	Data     json.RawMessage `json:"data"`
	Error    *errorBody      `json:"error,omitempty"`
	Metadata struct {
		RequestID string `json:"request_id"`
		Timestamp string `json:"timestamp"`
	} `json:"metadata"`
}

type errorBody struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// Client calls the exam service with the candidate bearer token.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	now     func() time.Time
	log     zerolog.Logger
}

// NewClient creates a Client. baseURL includes the API prefix, e.g. http://host/api/v1.
func NewClient(baseURL, token string, client *http.Client, log zerolog.Logger) *Client {
	if client == nil {
		client = http.DefaultClient
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  client,
		now:     time.Now,
		log:     log.With().Str("component", "examapi").Logger(),
	}
}

// FetchExam loads the exam and any prior submission by this candidate.
func (c *Client) FetchExam(ctx context.Context, examID string) (*Fetched, error) {
	var out model.ExamEnvelope
	env, err := c.do(ctx, http.MethodGet, "/exams/"+url.PathEscape(examID), nil, &out)
	if err != nil {
		return nil, fmt.Errorf("fetch exam %s: %w", examID, err)
	}
	return &Fetched{Envelope: out, ServerTime: parseTimestamp(env.Metadata.Timestamp)}, nil
}

// Submit posts the final answers.
func (c *Client) Submit(ctx context.Context, req model.SubmissionRequest) (*Submitted, error) {
	var out model.SubmissionResult
	env, err := c.do(ctx, http.MethodPost, "/submissions", req, &out)
	if err != nil {
		return nil, fmt.Errorf("submit exam %s: %w", req.ExamID, err)
	}
	return &Submitted{Result: out, ServerTime: parseTimestamp(env.Metadata.Timestamp)}, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) (*envelope, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	reqID := uuid.New().String()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", reqID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := c.now()
	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	c.log.Debug().
		Str("method", method).
		Str("path", path).
		Str("request_id", reqID).
		Int("status", resp.StatusCode).
		Dur("latency", c.now().Sub(start)).
		Msg("Exam service call")

	var env envelope
	decodeErr := json.NewDecoder(resp.Body).Decode(&env)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		if decodeErr == nil && env.Error != nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Fields = env.Error.Fields
		}
		return nil, apiErr
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decode response: %w", decodeErr)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return nil, fmt.Errorf("decode data: %w", err)
		}
	}
	return &env, nil
}

func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
