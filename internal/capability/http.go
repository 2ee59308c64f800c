// http.go implements the http capability: blocking outbound requests
// through a shared, timeout-bounded client.
//
// Transport failures do not raise. They return a response-shaped dict with
// status_code 0 and the error text in body, so handlers can branch on
// status_code uniformly instead of wrapping every call.

package capability

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/connyay/starlark-mcp/internal/bridge"
)

func (s *Set) httpModule() *starlarkstruct.Module {
	method := func(name, verb string, hasBody bool) *starlark.Builtin {
		return starlark.NewBuiltin(name, func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			return s.request(thread, b, verb, hasBody, args, kwargs)
		})
	}
	return &starlarkstruct.Module{
		Name: "http",
		Members: starlark.StringDict{
			"get":     method("get", http.MethodGet, false),
			"post":    method("post", http.MethodPost, true),
			"put":     method("put", http.MethodPut, true),
			"patch":   method("patch", http.MethodPatch, true),
			"delete":  method("delete", http.MethodDelete, false),
			"options": method("options", http.MethodOptions, false),
		},
	}
}

func (s *Set) request(thread *starlark.Thread, b *starlark.Builtin, verb string, hasBody bool, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var rawURL string
	var params, headers, body, jsonBody, formBody, auth starlark.Value

	unpackers := []any{
		"url", &rawURL,
		"params?", &params,
		"headers?", &headers,
	}
	if hasBody {
		unpackers = append(unpackers,
			"body?", &body,
			"json_body?", &jsonBody,
			"form_body?", &formBody,
		)
	}
	unpackers = append(unpackers, "auth?", &auth)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, unpackers...); err != nil {
		return nil, err
	}

	target, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("http.%s: invalid url: %w", b.Name(), err)
	}

	if params != nil && params != starlark.None {
		mapping, ok := params.(starlark.IterableMapping)
		if !ok {
			return nil, fmt.Errorf("http.%s: params must be a dict, got %s", b.Name(), params.Type())
		}
		query := target.Query()
		for _, item := range mapping.Items() {
			query.Add(valueText(item[0]), valueText(item[1]))
		}
		target.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	contentType := ""
	switch {
	case jsonBody != nil && jsonBody != starlark.None:
		data, err := bridge.Encode(jsonBody)
		if err != nil {
			return nil, fmt.Errorf("http.%s: json_body: %w", b.Name(), err)
		}
		reqBody = strings.NewReader(string(data))
		contentType = "application/json"
	case formBody != nil && formBody != starlark.None:
		mapping, ok := formBody.(starlark.IterableMapping)
		if !ok {
			return nil, fmt.Errorf("http.%s: form_body must be a dict, got %s", b.Name(), formBody.Type())
		}
		form := url.Values{}
		for _, item := range mapping.Items() {
			form.Add(valueText(item[0]), valueText(item[1]))
		}
		reqBody = strings.NewReader(form.Encode())
		contentType = "application/x-www-form-urlencoded"
	case body != nil && body != starlark.None:
		reqBody = strings.NewReader(valueText(body))
	}

	cctx := From(thread)
	req, err := http.NewRequestWithContext(cctx.Ctx, verb, target.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("http.%s: %w", b.Name(), err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	if headers != nil && headers != starlark.None {
		mapping, ok := headers.(starlark.IterableMapping)
		if !ok {
			return nil, fmt.Errorf("http.%s: headers must be a dict, got %s", b.Name(), headers.Type())
		}
		for _, item := range mapping.Items() {
			req.Header.Set(valueText(item[0]), valueText(item[1]))
		}
	}

	if auth != nil && auth != starlark.None {
		creds, err := stringList(auth, "http: auth")
		if err != nil || len(creds) != 2 {
			return nil, fmt.Errorf("http.%s: auth must be a (username, password) pair", b.Name())
		}
		req.SetBasicAuth(creds[0], creds[1])
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return transportErrorDict(target.String(), err), nil
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return transportErrorDict(target.String(), err), nil
	}

	return responseDict(target.String(), resp, respBody), nil
}

func responseDict(url string, resp *http.Response, body []byte) *starlark.Dict {
	headers := starlark.NewDict(len(resp.Header))
	for name, values := range resp.Header {
		if len(values) > 0 {
			_ = headers.SetKey(starlark.String(strings.ToLower(name)), starlark.String(values[0]))
		}
	}

	var jsonVal starlark.Value = starlark.None
	if decoded, err := bridge.Decode(body); err == nil {
		jsonVal = decoded
	}

	d := starlark.NewDict(5)
	_ = d.SetKey(starlark.String("url"), starlark.String(url))
	_ = d.SetKey(starlark.String("status_code"), starlark.MakeInt(resp.StatusCode))
	_ = d.SetKey(starlark.String("headers"), headers)
	_ = d.SetKey(starlark.String("body"), starlark.String(string(body)))
	_ = d.SetKey(starlark.String("json"), jsonVal)
	return d
}

// transportErrorDict shapes connection failures, timeouts, and cancelled
// requests as a status_code 0 response.
func transportErrorDict(url string, err error) *starlark.Dict {
	d := starlark.NewDict(5)
	_ = d.SetKey(starlark.String("url"), starlark.String(url))
	_ = d.SetKey(starlark.String("status_code"), starlark.MakeInt(0))
	_ = d.SetKey(starlark.String("headers"), starlark.NewDict(0))
	_ = d.SetKey(starlark.String("body"), starlark.String(err.Error()))
	_ = d.SetKey(starlark.String("json"), starlark.None)
	return d
}

// valueText renders a Starlark value for use in a header, query string, or
// form field: strings unquoted, everything else via String().
func valueText(v starlark.Value) string {
	if s, ok := starlark.AsString(v); ok {
		return s
	}
	return v.String()
}
