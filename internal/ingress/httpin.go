// Package ingress carries inbound HTTP to provider modules: http-in fixture
// files, webhook signature checks and the live listener.
package ingress

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"

	"github.com/roach88/provharness/internal/dto"
	"github.com/roach88/provharness/internal/fixture"
)

// ErrInvalidFlags is returned by BuildHTTPIn for flag combinations that
// cannot describe a request.
var ErrInvalidFlags = errors.New("invalid http-in flags")

// HTTPInFile is the on-disk form of one inbound request.
type HTTPInFile struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Query   *string           `json:"query"`
	Headers map[string]string `json:"headers"`
	Body    *string           `json:"body"`
}

// LoadHTTPIn reads and validates an http-in file.
func LoadHTTPIn(path string) (*HTTPInFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read http-in %s: %w", path, err)
	}
	if err := fixture.Validate(fixture.KindHTTPIn, path, data); err != nil {
		return nil, err
	}
	var f HTTPInFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse http-in %s: %w", path, err)
	}
	if f.Headers == nil {
		f.Headers = map[string]string{}
	}
	return &f, nil
}

// FlagInput is an http-in request described by command-line flags.
type FlagInput struct {
	Method   string
	Path     string
	Query    string
	Body     string
	BodyFile string
	// Headers are "name:value" or "name=value".
	Headers []string
}

// BuildHTTPIn assembles an http-in file from flags. The method is
// uppercased and header names lowercased.
func BuildHTTPIn(in FlagInput) (*HTTPInFile, error) {
	if in.Body != "" && in.BodyFile != "" {
		return nil, fmt.Errorf("%w: --body and --body-file cannot be provided together", ErrInvalidFlags)
	}

	f := &HTTPInFile{
		Method:  strings.ToUpper(in.Method),
		Path:    in.Path,
		Headers: make(map[string]string, len(in.Headers)),
	}
	if f.Path == "" {
		f.Path = "/"
	}
	if in.Query != "" {
		q := in.Query
		f.Query = &q
	}

	for _, raw := range in.Headers {
		name, value, err := parseHeader(raw)
		if err != nil {
			return nil, err
		}
		f.Headers[name] = value
	}

	switch {
	case in.Body != "":
		body := in.Body
		f.Body = &body
	case in.BodyFile != "":
		data, err := os.ReadFile(in.BodyFile)
		if err != nil {
			return nil, fmt.Errorf("read body file %s: %w", in.BodyFile, err)
		}
		body := strings.ToValidUTF8(string(data), "�")
		f.Body = &body
	}
	return f, nil
}

func parseHeader(raw string) (string, string, error) {
	idx := strings.IndexByte(raw, ':')
	if idx < 0 {
		idx = strings.IndexByte(raw, '=')
	}
	if idx < 0 || idx+1 >= len(raw) {
		return "", "", fmt.Errorf("%w: invalid header '%s', expected 'name:value'", ErrInvalidFlags, raw)
	}
	name := strings.ToLower(strings.TrimSpace(raw[:idx]))
	return name, strings.TrimSpace(raw[idx+1:]), nil
}

// Marshal renders the file as indented JSON.
func (f *HTTPInFile) Marshal() ([]byte, error) {
	out := *f
	if out.Headers == nil {
		out.Headers = map[string]string{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// WriteHTTPIn writes f to path as indented JSON and returns what it wrote.
func WriteHTTPIn(path string, f *HTTPInFile) ([]byte, error) {
	data, err := f.Marshal()
	if err != nil {
		return nil, fmt.Errorf("encode http-in: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return nil, fmt.Errorf("write http-in %s: %w", path, err)
	}
	return data, nil
}

// ToDTO converts the file to the module's request shape. Headers are sorted
// by name.
func (f *HTTPInFile) ToDTO() dto.HTTPIn {
	names := make([]string, 0, len(f.Headers))
	for name := range f.Headers {
		names = append(names, name)
	}
	sort.Strings(names)

	headers := make([]dto.Header, 0, len(names))
	for _, name := range names {
		headers = append(headers, dto.Header{Name: name, Value: f.Headers[name]})
	}

	in := dto.HTTPIn{
		Method:  strings.ToUpper(f.Method),
		Path:    f.Path,
		Headers: headers,
		Body:    []byte{},
	}
	if f.Query != nil {
		in.Query = *f.Query
	}
	if f.Body != nil {
		in.Body = []byte(*f.Body)
	}
	return in
}

// FromRequest converts a live request and its already-read body. Header
// names are lowercased; repeated headers keep their order.
func FromRequest(r *http.Request, body []byte) dto.HTTPIn {
	names := make([]string, 0, len(r.Header))
	for name := range r.Header {
		names = append(names, name)
	}
	sort.Strings(names)

	var headers []dto.Header
	for _, name := range names {
		for _, v := range r.Header[name] {
			headers = append(headers, dto.Header{Name: strings.ToLower(name), Value: v})
		}
	}
	if headers == nil {
		headers = []dto.Header{}
	}
	if body == nil {
		body = []byte{}
	}
	return dto.HTTPIn{
		Method:  strings.ToUpper(r.Method),
		Path:    r.URL.Path,
		Query:   r.URL.RawQuery,
		Headers: headers,
		Body:    body,
	}
}
