// Package turso implements the remote durable store: a libSQL/Turso database
// driven over the v3 HTTP pipeline API. Each call submits an ordered batch of
// statements as one request, closed after execution; per-statement outcomes
// come back in order, and one statement's error does not abort the rest.
package turso

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// requestTimeout bounds every pipeline round trip. Exceeding it is an
// ordinary soft failure for the caller.
const requestTimeout = 10 * time.Second

// Client speaks the libSQL HTTP pipeline protocol against one database.
type Client struct {
	pipelineURL string
	authToken   string
	httpClient  *http.Client
}

// NewClient creates a Client for the given database URL and auth token.
// libsql:// URLs are rewritten to https:// for the HTTP API.
func NewClient(databaseURL, authToken string) (*Client, error) {
	if databaseURL == "" || authToken == "" {
		return nil, fmt.Errorf("turso: database URL and auth token are required")
	}
	url := strings.Replace(databaseURL, "libsql://", "https://", 1)
	return &Client{
		pipelineURL: strings.TrimRight(url, "/") + "/v3/pipeline",
		authToken:   authToken,
		httpClient:  &http.Client{Timeout: requestTimeout},
	}, nil
}

// Stmt is one SQL statement with optional bound parameters.
type Stmt struct {
	SQL  string
	Args []Arg
}

// Arg is a typed bound parameter in the wire encoding, e.g.
// {"type":"text","value":"NAC"}. Integers are transported as strings per the
// protocol; floats as JSON numbers.
type Arg struct {
	Type  string `json:"type"`
	Value any    `json:"value,omitempty"`
}

func Text(v string) Arg   { return Arg{Type: "text", Value: v} }
func Float(v float64) Arg { return Arg{Type: "float", Value: v} }
func Integer(v int64) Arg { return Arg{Type: "integer", Value: strconv.FormatInt(v, 10)} }

// Cell is one value in a result row.
type Cell struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value,omitempty"`
}

// IsNull reports whether the cell holds SQL NULL.
func (c Cell) IsNull() bool { return c.Type == "null" || len(c.Value) == 0 }

// Text returns the cell as a string; NULL and undecodable cells yield "".
func (c Cell) Text() string {
	if c.IsNull() {
		return ""
	}
	var s string
	if err := json.Unmarshal(c.Value, &s); err == nil {
		return s
	}
	return strings.Trim(string(c.Value), `"`)
}

// Int returns the cell as an int64. Integers arrive as strings on the wire;
// numbers are accepted too. NULL and undecodable cells yield 0.
func (c Cell) Int() int64 {
	if c.IsNull() {
		return 0
	}
	var s string
	if err := json.Unmarshal(c.Value, &s); err == nil {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return int64(f)
		}
		return 0
	}
	var f float64
	if err := json.Unmarshal(c.Value, &f); err == nil {
		return int64(f)
	}
	return 0
}

// Float returns the cell as a float64. NULL and undecodable cells yield 0.
func (c Cell) Float() float64 {
	if c.IsNull() {
		return 0
	}
	var f float64
	if err := json.Unmarshal(c.Value, &f); err == nil {
		return f
	}
	var s string
	if err := json.Unmarshal(c.Value, &s); err == nil {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	return 0
}

// Result is the outcome of one statement in a batch. Err is non-empty when
// the statement failed; the other statements in the batch are unaffected.
type Result struct {
	Err          string
	Cols         []string
	Rows         [][]Cell
	AffectedRows int64
}

// --- wire types ---

type pipelineRequest struct {
	Requests []requestEntry `json:"requests"`
}

type requestEntry struct {
	Type string    `json:"type"`
	Stmt *stmtWire `json:"stmt,omitempty"`
}

type stmtWire struct {
	SQL  string `json:"sql"`
	Args []Arg  `json:"args,omitempty"`
}

type pipelineResponse struct {
	Results []resultEntry `json:"results"`
}

type resultEntry struct {
	Type     string        `json:"type"` // "ok" or "error"
	Response *responseWire `json:"response,omitempty"`
	Error    *errorWire    `json:"error,omitempty"`
}

type responseWire struct {
	Type   string      `json:"type"`
	Result *resultWire `json:"result,omitempty"`
}

type resultWire struct {
	Cols             []colWire `json:"cols"`
	Rows             [][]Cell  `json:"rows"`
	AffectedRowCount int64     `json:"affected_row_count"`
}

type colWire struct {
	Name string `json:"name"`
}

type errorWire struct {
	Message string `json:"message"`
}

// Execute submits stmts as one pipeline batch (with a trailing close) and
// returns one Result per statement. A transport-level failure or malformed
// response yields an error; per-statement failures are reported in each
// Result's Err field.
func (c *Client) Execute(ctx context.Context, stmts []Stmt) ([]Result, error) {
	reqBody := pipelineRequest{Requests: make([]requestEntry, 0, len(stmts)+1)}
	for _, s := range stmts {
		reqBody.Requests = append(reqBody.Requests, requestEntry{
			Type: "execute",
			Stmt: &stmtWire{SQL: s.SQL, Args: s.Args},
		})
	}
	reqBody.Requests = append(reqBody.Requests, requestEntry{Type: "close"})

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshalling pipeline request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.pipelineURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating pipeline request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.authToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pipeline request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return nil, fmt.Errorf("pipeline: unexpected status %d: %s", resp.StatusCode, snippet)
	}

	var decoded pipelineResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decoding pipeline response: %w", err)
	}
	if len(decoded.Results) < len(stmts) {
		return nil, fmt.Errorf("pipeline: got %d results for %d statements", len(decoded.Results), len(stmts))
	}

	results := make([]Result, len(stmts))
	for i := range stmts {
		entry := decoded.Results[i]
		if entry.Type == "error" {
			msg := "unknown error"
			if entry.Error != nil {
				msg = entry.Error.Message
			}
			results[i] = Result{Err: msg}
			continue
		}
		r := Result{}
		if entry.Response != nil && entry.Response.Result != nil {
			rw := entry.Response.Result
			r.Rows = rw.Rows
			r.AffectedRows = rw.AffectedRowCount
			r.Cols = make([]string, len(rw.Cols))
			for j, col := range rw.Cols {
				r.Cols[j] = col.Name
			}
		}
		results[i] = r
	}
	return results, nil
}
