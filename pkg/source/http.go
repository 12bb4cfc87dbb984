package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/template"
	"time"

	"github.com/tidwall/gjson"

	"github.com/epicast/epicast/pkg/dataset"
)

// HTTPSource is a generic HTTP connector that calls any REST API
// endpoint and extracts case-report records using JSON path expressions.
//
// It supports:
//   - Configurable HTTP method (GET, POST, etc.)
//   - Custom headers including authentication (Bearer tokens, API keys)
//   - Template variables in headers and body: {{.Now}}, {{.NowRFC3339}},
//     plus anything supplied via TemplateVars
//   - gjson path extraction for each canonical column
//
// Example configuration for a case-report API:
//
//	src := &HTTPSource{
//	    URL: "https://api.example.com/v1/cases",
//	    RegionPath:    "records.#.state",
//	    DatePath:      "records.#.date",
//	    ConfirmedPath: "records.#.confirmed",
//	    DeathsPath:    "records.#.deaths",
//	    RecoveredPath: "records.#.recovered",
//	}
type HTTPSource struct {
	// URL is the endpoint to call (required).
	URL string

	// Method is the HTTP method (GET, POST, etc.). Defaults to GET.
	Method string

	// Headers are custom HTTP headers to include in the request.
	// Values can use template variables like {{.Token}}.
	Headers map[string]string

	// Body is the request body template (for POST/PUT).
	Body string

	// RegionPath, DatePath and ConfirmedPath are the gjson paths to the
	// required columns. Use "#" for arrays, e.g. "records.#.state".
	RegionPath    string
	DatePath      string
	ConfirmedPath string

	// DeathsPath and RecoveredPath are optional; missing paths leave
	// the columns absent and the counts default to zero downstream.
	DeathsPath    string
	RecoveredPath string

	// HTTPClient is optional; if nil a default client with timeout is used.
	HTTPClient *http.Client

	// TemplateVars are custom variables available in Body and Headers
	// templates. Use this to pass tokens, API keys, etc.
	TemplateVars map[string]string
}

func (h *HTTPSource) Name() string { return "http" }

// ValidateConfig checks if the source configuration is valid.
func (h *HTTPSource) ValidateConfig() error {
	if h.URL == "" {
		return errors.New("url is required")
	}
	if h.RegionPath == "" || h.DatePath == "" || h.ConfirmedPath == "" {
		return errors.New("regionPath, datePath and confirmedPath are required")
	}
	return nil
}

// Fetch implements Source. It calls the configured endpoint and extracts
// one table row per record found at the configured JSON paths.
func (h *HTTPSource) Fetch(ctx context.Context) (dataset.Table, error) {
	if err := h.ValidateConfig(); err != nil {
		return dataset.Table{}, fmt.Errorf("http source: %w", err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	templateData := map[string]any{
		"Now":        now.Unix(),
		"NowRFC3339": now.Format(time.RFC3339),
	}
	for k, v := range h.TemplateVars {
		templateData[k] = v
	}

	method := h.Method
	if method == "" {
		method = http.MethodGet
	}

	var bodyReader io.Reader
	if h.Body != "" {
		rendered, err := renderTemplate(h.Body, templateData)
		if err != nil {
			return dataset.Table{}, fmt.Errorf("render body template: %w", err)
		}
		bodyReader = bytes.NewBufferString(rendered)
	}

	cli := h.HTTPClient
	if cli == nil {
		cli = &http.Client{Timeout: 30 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, method, h.URL, bodyReader)
	if err != nil {
		return dataset.Table{}, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	for key, value := range h.Headers {
		rendered, err := renderTemplate(value, templateData)
		if err != nil {
			return dataset.Table{}, fmt.Errorf("render header %s: %w", key, err)
		}
		req.Header.Set(key, rendered)
	}

	resp, err := cli.Do(req)
	if err != nil {
		return dataset.Table{}, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return dataset.Table{}, fmt.Errorf("http status %d: %s", resp.StatusCode, string(body))
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return dataset.Table{}, fmt.Errorf("read response: %w", err)
	}

	return extractTable(respBody, h)
}

// extractTable pulls the per-column arrays out of the response and zips
// them into table rows. Required columns must align in length; optional
// columns may be absent entirely.
func extractTable(body []byte, h *HTTPSource) (dataset.Table, error) {
	regions := gjson.GetBytes(body, h.RegionPath)
	dates := gjson.GetBytes(body, h.DatePath)
	confirmed := gjson.GetBytes(body, h.ConfirmedPath)

	if !regions.Exists() {
		return dataset.Table{}, fmt.Errorf("region path %q not found in response", h.RegionPath)
	}
	if !dates.Exists() {
		return dataset.Table{}, fmt.Errorf("date path %q not found in response", h.DatePath)
	}
	if !confirmed.Exists() {
		return dataset.Table{}, fmt.Errorf("confirmed path %q not found in response", h.ConfirmedPath)
	}

	regionArr := regions.Array()
	dateArr := dates.Array()
	confirmedArr := confirmed.Array()

	if len(regionArr) != len(dateArr) || len(regionArr) != len(confirmedArr) {
		return dataset.Table{}, fmt.Errorf("column length mismatch: %d regions, %d dates, %d confirmed",
			len(regionArr), len(dateArr), len(confirmedArr))
	}

	var deathsArr, recoveredArr []gjson.Result
	if h.DeathsPath != "" {
		deathsArr = gjson.GetBytes(body, h.DeathsPath).Array()
	}
	if h.RecoveredPath != "" {
		recoveredArr = gjson.GetBytes(body, h.RecoveredPath).Array()
	}

	rows := make([]dataset.Row, 0, len(regionArr))
	for i := range regionArr {
		row := dataset.Row{
			dataset.ColRegion:    regionArr[i].String(),
			dataset.ColDate:      dateArr[i].String(),
			dataset.ColConfirmed: confirmedArr[i].String(),
		}
		if i < len(deathsArr) {
			row[dataset.ColDeaths] = deathsArr[i].String()
		}
		if i < len(recoveredArr) {
			row[dataset.ColRecovered] = recoveredArr[i].String()
		}
		rows = append(rows, row)
	}

	return dataset.Table{Rows: rows}, nil
}

// renderTemplate renders a text template with the given data.
func renderTemplate(tmplStr string, data map[string]any) (string, error) {
	if !strings.Contains(tmplStr, "{{") {
		return tmplStr, nil
	}

	tmpl, err := template.New("").Parse(tmplStr)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}

	return buf.String(), nil
}
