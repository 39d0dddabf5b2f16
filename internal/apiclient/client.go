package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-taker/internal/engine"
	"github.com/stemsi/exstem-taker/internal/model"
	"github.com/stemsi/exstem-taker/internal/response"
)

const maxResponseBytes = 4 << 20

// Client implements engine.API against the exam server's REST API.
type Client struct {
	baseURL string
	token   string
	claims  *Claims
	http    *http.Client
	log     zerolog.Logger
	now     func() time.Time
}

var _ engine.API = (*Client)(nil)

// NewClient creates a Client. A token that cannot be decoded is still sent;
// the server decides whether it is valid.
func NewClient(baseURL, token string, timeout time.Duration, log zerolog.Logger) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
		log:     log.With().Str("component", "api_client").Logger(),
		now:     time.Now,
	}
	if token != "" {
		claims, err := ParseClaims(token)
		if err != nil {
			c.log.Warn().Err(err).Msg("Could not decode API token claims")
		} else {
			c.claims = claims
		}
	}
	return c
}

// Claims returns the decoded token claims, nil when unavailable.
func (c *Client) Claims() *Claims {
	return c.claims
}

// UserID returns the student id carried by the token.
func (c *Client) UserID() string {
	if c.claims == nil {
		return ""
	}
	return c.claims.StudentID()
}

// ─── engine.API ─────────────────────────────────────────────────────

func (c *Client) StartSession(ctx context.Context, testID string, forceNew bool) (*model.SessionInfo, error) {
	var out model.SessionInfo
	path := "/student/tests/" + url.PathEscape(testID) + "/sessions"
	if err := c.do(ctx, http.MethodPost, path, model.StartSessionRequest{ForceNew: forceNew}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) RejoinSession(ctx context.Context, sessionID string) (*model.SessionInfo, error) {
	var out model.SessionInfo
	if err := c.do(ctx, http.MethodPost, sessionPath(sessionID, "rejoin"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SubmitAnswer(ctx context.Context, sessionID string, questionIndex int, answer json.RawMessage) (*model.Ack, error) {
	var out model.Ack
	path := sessionPath(sessionID, "answers", strconv.Itoa(questionIndex))
	if err := c.do(ctx, http.MethodPut, path, model.SubmitAnswerRequest{Answer: answer}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SkipQuestion(ctx context.Context, sessionID string, questionIndex int) (*model.Ack, error) {
	var out model.Ack
	if err := c.do(ctx, http.MethodPost, sessionPath(sessionID, "skips", strconv.Itoa(questionIndex)), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) NavigateToQuestion(ctx context.Context, sessionID string, index int) (*model.QuestionState, error) {
	var out model.QuestionState
	if err := c.do(ctx, http.MethodGet, sessionPath(sessionID, "questions", strconv.Itoa(index)), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SubmitSection(ctx context.Context, sessionID string) (*model.SectionSummary, error) {
	var out model.SectionSummary
	if err := c.do(ctx, http.MethodPost, sessionPath(sessionID, "sections", "submit"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SubmitTest(ctx context.Context, sessionID string) (*model.FinalScore, error) {
	var out model.FinalScore
	if err := c.do(ctx, http.MethodPost, sessionPath(sessionID, "submit"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) AbandonTest(ctx context.Context, sessionID string) (*model.Ack, error) {
	var out model.Ack
	if err := c.do(ctx, http.MethodPost, sessionPath(sessionID, "abandon"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ─── Internal helpers ───────────────────────────────────────────────

func sessionPath(sessionID string, parts ...string) string {
	var b strings.Builder
	b.WriteString("/student/sessions/")
	b.WriteString(url.PathEscape(sessionID))
	for _, p := range parts {
		b.WriteByte('/')
		b.WriteString(p)
	}
	return b.String()
}

// do performs one request and decodes the envelope's data into out. All
// failures come back as *engine.Error.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if c.claims != nil && c.claims.Expired(c.now()) {
		return engine.NewFatalError(engine.CodeTokenExpired, "Your login has expired. Please log in again.", nil)
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return engine.NewFatalError(engine.CodeServer, "Could not encode the request.", fmt.Errorf("marshal request: %w", err))
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return engine.NewFatalError(engine.CodeServer, "Could not build the request.", fmt.Errorf("new request: %w", err))
	}
	reqID := response.RequestIDFrom(ctx)
	if reqID == "" {
		reqID = uuid.New().String()
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(response.HeaderRequestID, reqID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := c.now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn().Err(err).Str("method", method).Str("path", path).Str("request_id", reqID).Msg("Request failed")
		return classifyTransport(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return classifyTransport(fmt.Errorf("read body: %w", err))
	}

	c.log.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("latency", c.now().Sub(start)).
		Str("request_id", reqID).
		Msg("API call")

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	if resp.StatusCode >= 300 || env.Error != nil {
		if decodeErr != nil {
			return classifyResponse(resp.StatusCode, nil)
		}
		return classifyResponse(resp.StatusCode, &env)
	}
	if decodeErr != nil {
		return engine.NewFatalError(engine.CodeServer, "The server sent an unreadable response.", fmt.Errorf("decode envelope: %w", decodeErr))
	}
	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return engine.NewFatalError(engine.CodeServer, "The server sent an unreadable response.", fmt.Errorf("decode data: %w", err))
	}
	return nil
}
