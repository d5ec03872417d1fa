// Package postgrest is a small query builder for a PostgREST endpoint
// (/rest/v1/{table}) as exposed by the hosted data service.
package postgrest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const (
	objectMediaType = "application/vnd.pgrst.object+json"
	clientInfo      = "rlslab-go/1"
)

type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient targets the project at baseURL. httpClient may be nil.
func NewClient(baseURL, apiKey string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{baseURL: baseURL, apiKey: apiKey, http: httpClient}
}

// From starts a query on table. Without further calls it is a GET of all
// visible rows.
func (c *Client) From(table string) *Builder {
	return &Builder{client: c, table: table, method: http.MethodGet, params: url.Values{}}
}

// Builder accumulates one request. Methods mutate and return the receiver.
type Builder struct {
	client *Client
	table  string
	method string
	params url.Values
	body   interface{}
	token  string
	single bool
}

func (b *Builder) Select(columns string) *Builder {
	b.params.Set("select", columns)
	return b
}

func (b *Builder) Eq(column string, value interface{}) *Builder {
	return b.filter(column, "eq", value)
}

func (b *Builder) Neq(column string, value interface{}) *Builder {
	return b.filter(column, "neq", value)
}

// Is filters on null, true or false.
func (b *Builder) Is(column string, value string) *Builder {
	return b.filter(column, "is", value)
}

func (b *Builder) filter(column, op string, value interface{}) *Builder {
	b.params.Add(column, op+"."+fmt.Sprint(value))
	return b
}

func (b *Builder) Order(column string, ascending bool) *Builder {
	dir := "desc"
	if ascending {
		dir = "asc"
	}
	b.params.Set("order", column+"."+dir)
	return b
}

func (b *Builder) Limit(n int) *Builder {
	b.params.Set("limit", strconv.Itoa(n))
	return b
}

// Single asks for exactly one row as an object instead of an array.
func (b *Builder) Single() *Builder {
	b.single = true
	return b
}

// Insert turns the query into a POST of values (an object or a slice).
func (b *Builder) Insert(values interface{}) *Builder {
	b.method = http.MethodPost
	b.body = values
	return b
}

// Delete turns the query into a DELETE of the rows matching the filters.
func (b *Builder) Delete() *Builder {
	b.method = http.MethodDelete
	return b
}

// Auth sends token instead of the anon key as the bearer credential.
func (b *Builder) Auth(token string) *Builder {
	b.token = token
	return b
}

// URL is the request URL the builder would use.
func (b *Builder) URL() string {
	u := b.client.baseURL + "/rest/v1/" + url.PathEscape(b.table)
	if len(b.params) > 0 {
		u += "?" + b.params.Encode()
	}
	return u
}

// Execute sends the request and decodes the response into out when out is
// non-nil. Writes ask for the affected rows only when out is set.
func (b *Builder) Execute(ctx context.Context, out interface{}) error {
	var body io.Reader
	if b.body != nil {
		raw, err := json.Marshal(b.body)
		if err != nil {
			return fmt.Errorf("encode %s body: %w", b.table, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, b.method, b.URL(), body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	bearer := b.client.apiKey
	if b.token != "" {
		bearer = b.token
	}
	req.Header.Set("apikey", b.client.apiKey)
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("X-Client-Info", clientInfo)
	if b.single {
		req.Header.Set("Accept", objectMediaType)
	} else {
		req.Header.Set("Accept", "application/json")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if b.method != http.MethodGet && out != nil {
		req.Header.Set("Prefer", "return=representation")
	}

	resp, err := b.client.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", b.method, b.table, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", b.table, err)
	}
	return nil
}
