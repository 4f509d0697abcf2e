// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package connectors turns declarative descriptions of external systems
// into tools: OpenAPI documents become HTTP calls and SQLite tables become
// read-only queries. Register the result with tools.Registry.RegisterSource.
package connectors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"

	"github.com/jllopis/kairosflow/pkg/errors"
	"github.com/jllopis/kairosflow/pkg/tools"
)

// OpenAPISpec is the subset of an OpenAPI 3.x document used to build tools.
type OpenAPISpec struct {
	OpenAPI string              `json:"openapi" yaml:"openapi"`
	Info    OpenAPIInfo         `json:"info" yaml:"info"`
	Servers []OpenAPIServer     `json:"servers" yaml:"servers"`
	Paths   map[string]PathItem `json:"paths" yaml:"paths"`
}

type OpenAPIInfo struct {
	Title   string `json:"title" yaml:"title"`
	Version string `json:"version" yaml:"version"`
}

type OpenAPIServer struct {
	URL string `json:"url" yaml:"url"`
}

// PathItem holds the operations declared on one path.
type PathItem struct {
	Get    *Operation `json:"get" yaml:"get"`
	Post   *Operation `json:"post" yaml:"post"`
	Put    *Operation `json:"put" yaml:"put"`
	Delete *Operation `json:"delete" yaml:"delete"`
	Patch  *Operation `json:"patch" yaml:"patch"`
}

func (p PathItem) operations() map[string]*Operation {
	return map[string]*Operation{
		http.MethodGet:    p.Get,
		http.MethodPost:   p.Post,
		http.MethodPut:    p.Put,
		http.MethodDelete: p.Delete,
		http.MethodPatch:  p.Patch,
	}
}

type Operation struct {
	OperationID string       `json:"operationId" yaml:"operationId"`
	Summary     string       `json:"summary" yaml:"summary"`
	Description string       `json:"description" yaml:"description"`
	Parameters  []Parameter  `json:"parameters" yaml:"parameters"`
	RequestBody *RequestBody `json:"requestBody" yaml:"requestBody"`
}

// Parameter is an operation parameter. In is path, query or header;
// cookie parameters are ignored.
type Parameter struct {
	Name     string `json:"name" yaml:"name"`
	In       string `json:"in" yaml:"in"`
	Required bool   `json:"required" yaml:"required"`
}

type RequestBody struct {
	Required bool `json:"required" yaml:"required"`
}

// AuthType selects how requests authenticate.
type AuthType string

const (
	AuthNone   AuthType = "none"
	AuthAPIKey AuthType = "api_key"
	AuthBearer AuthType = "bearer"
	AuthBasic  AuthType = "basic"
)

// Auth holds request credentials.
type Auth struct {
	Type AuthType
	// Header carries the API key. Defaults to X-API-Key.
	Header string
	Secret string
	User   string
}

// OpenAPIConnector makes one tool per operation of an OpenAPI document.
type OpenAPIConnector struct {
	spec       *OpenAPISpec
	baseURL    string
	prefix     string
	auth       Auth
	httpClient *http.Client
	only       map[string]bool
}

// OpenAPIOption configures an OpenAPIConnector.
type OpenAPIOption func(*OpenAPIConnector)

// WithBaseURL overrides the first server declared in the document.
func WithBaseURL(u string) OpenAPIOption {
	return func(c *OpenAPIConnector) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithPrefix is prepended to every tool name, e.g. "carrier.".
func WithPrefix(prefix string) OpenAPIOption {
	return func(c *OpenAPIConnector) { c.prefix = prefix }
}

func WithAuth(auth Auth) OpenAPIOption {
	return func(c *OpenAPIConnector) { c.auth = auth }
}

func WithHTTPClient(client *http.Client) OpenAPIOption {
	return func(c *OpenAPIConnector) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithOperations limits the generated tools to the named operation ids.
func WithOperations(ids ...string) OpenAPIOption {
	return func(c *OpenAPIConnector) {
		if len(ids) == 0 {
			return
		}
		c.only = make(map[string]bool, len(ids))
		for _, id := range ids {
			c.only[id] = true
		}
	}
}

// LoadOpenAPI reads a JSON or YAML document from path.
func LoadOpenAPI(path string, opts ...OpenAPIOption) (*OpenAPIConnector, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Validation("read openapi document %s: %v", path, err)
	}
	return NewOpenAPI(data, opts...)
}

// NewOpenAPI parses a JSON or YAML document.
func NewOpenAPI(data []byte, opts ...OpenAPIOption) (*OpenAPIConnector, error) {
	var spec OpenAPISpec
	if err := json.Unmarshal(data, &spec); err != nil {
		if yerr := yaml.Unmarshal(data, &spec); yerr != nil {
			return nil, errors.Validation("parse openapi document: %v", yerr)
		}
	}
	if !strings.HasPrefix(spec.OpenAPI, "3.") {
		return nil, errors.Validation("unsupported openapi version %q", spec.OpenAPI)
	}

	c := &OpenAPIConnector{spec: &spec, httpClient: http.DefaultClient}
	if len(spec.Servers) > 0 {
		c.baseURL = strings.TrimRight(spec.Servers[0].URL, "/")
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.baseURL == "" {
		return nil, errors.Validation("openapi document %q declares no server and no base url was set", spec.Info.Title)
	}
	switch c.auth.Type {
	case "", AuthNone, AuthAPIKey, AuthBearer, AuthBasic:
	default:
		return nil, errors.Validation("unknown auth type %q", c.auth.Type)
	}
	return c, nil
}

// Tools returns one tool per selected operation, sorted by name.
func (c *OpenAPIConnector) Tools() []tools.Tool {
	var out []tools.Tool
	for path, item := range c.spec.Paths {
		for method, op := range item.operations() {
			if op == nil || (c.only != nil && !c.only[op.OperationID]) {
				continue
			}
			out = append(out, c.tool(path, method, op))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (c *OpenAPIConnector) tool(path, method string, op *Operation) tools.Tool {
	name := op.OperationID
	if name == "" {
		name = strings.ToLower(method) + "_" + strings.Trim(strings.NewReplacer("/", "_", "{", "", "}", "").Replace(path), "_")
	}
	desc := op.Summary
	if desc == "" {
		desc = op.Description
	}
	if desc == "" {
		desc = method + " " + path
	}
	name = c.prefix + name
	return tools.Tool{Name: name, Description: desc, Call: c.call(name, path, method, op)}
}

func (c *OpenAPIConnector) call(name, path, method string, op *Operation) tools.Func {
	return func(ctx context.Context, args map[string]any) (any, error) {
		req, err := c.request(ctx, path, method, op, args)
		if err != nil {
			return nil, err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, errors.ExternalTool(name, err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, errors.ExternalTool(name, err)
		}
		if resp.StatusCode >= 400 {
			return nil, statusError(name, resp.StatusCode, body)
		}
		return decodeBody(resp.Header.Get("Content-Type"), body), nil
	}
}

func (c *OpenAPIConnector) request(ctx context.Context, path, method string, op *Operation, args map[string]any) (*http.Request, error) {
	query := url.Values{}
	headers := http.Header{}
	declared := make(map[string]bool, len(op.Parameters))

	for _, p := range op.Parameters {
		declared[p.Name] = true
		v, ok := args[p.Name]
		if !ok || v == nil {
			if p.Required {
				return nil, errors.Validation("missing argument %q", p.Name)
			}
			continue
		}
		s, err := cast.ToStringE(v)
		if err != nil {
			return nil, errors.Validation("argument %q: %v", p.Name, err)
		}
		switch p.In {
		case "path":
			path = strings.ReplaceAll(path, "{"+p.Name+"}", url.PathEscape(s))
		case "query":
			query.Set(p.Name, s)
		case "header":
			headers.Set(p.Name, s)
		}
	}

	var body io.Reader
	if op.RequestBody != nil {
		payload, ok := args["body"]
		if !ok {
			fields := make(map[string]any)
			for k, v := range args {
				if !declared[k] {
					fields[k] = v
				}
			}
			if len(fields) > 0 {
				payload = fields
			}
		}
		if payload == nil && op.RequestBody.Required {
			return nil, errors.Validation("missing request body")
		}
		if payload != nil {
			data, err := json.Marshal(payload)
			if err != nil {
				return nil, errors.Validation("encode request body: %v", err)
			}
			body = bytes.NewReader(data)
			headers.Set("Content-Type", "application/json")
		}
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, errors.Validation("build request: %v", err)
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	c.applyAuth(req)
	return req, nil
}

func (c *OpenAPIConnector) applyAuth(req *http.Request) {
	switch c.auth.Type {
	case AuthAPIKey:
		header := c.auth.Header
		if header == "" {
			header = "X-API-Key"
		}
		req.Header.Set(header, c.auth.Secret)
	case AuthBearer:
		req.Header.Set("Authorization", "Bearer "+c.auth.Secret)
	case AuthBasic:
		req.SetBasicAuth(c.auth.User, c.auth.Secret)
	}
}

// statusError maps an HTTP failure. Throttling and server errors may pass
// on retry; other client errors will not.
func statusError(tool string, status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 256 {
		msg = msg[:256]
	}
	e := errors.ExternalTool(tool, fmt.Errorf("status %d: %s", status, msg)).
		WithContext("status", status)
	if status < 500 && status != http.StatusTooManyRequests {
		e.WithRecoverable(false)
	}
	return e
}

// decodeBody returns JSON responses as decoded values and anything else as
// a string.
func decodeBody(contentType string, body []byte) any {
	if len(body) == 0 {
		return nil
	}
	if strings.Contains(contentType, "json") {
		var v any
		if err := json.Unmarshal(body, &v); err == nil {
			return v
		}
	}
	return string(body)
}
