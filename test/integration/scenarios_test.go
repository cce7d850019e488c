package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/polisai/polis-sandbox/pkg/config"
	"github.com/polisai/polis-sandbox/pkg/policy"
	"github.com/polisai/polis-sandbox/pkg/server"
)

// ScenarioTestConfig defines the parameters for a scenario test
type ScenarioTestConfig struct {
	Name        string
	Description string
	Config      map[string]any
	Files       map[string]string
	Request     func(t *testing.T, client *http.Client, baseURL string)
}

const onlyStringFuncs = `package sandbox.functions

default allow := false

allow if startswith(input.name, "str")
`

func TestScenarios(t *testing.T) {
	tests := []ScenarioTestConfig{
		{
			Name:        "whitelist",
			Description: "Only listed names run; everything else returns an empty string",
			Config: map[string]any{
				"policy": map[string]any{"whitelist": []string{"strtoupper"}},
			},
			Request: func(t *testing.T, client *http.Client, baseURL string) {
				assert.Equal(t, "ABC", invoke(t, client, baseURL, "strtoupper", "abc"))
				assert.Equal(t, "", invoke(t, client, baseURL, "strrev", "abc"))
			},
		},
		{
			Name:        "blacklist",
			Description: "Listed names are blocked, the rest run",
			Config: map[string]any{
				"policy": map[string]any{"blacklist": []string{"system", "exec"}},
			},
			Request: func(t *testing.T, client *http.Client, baseURL string) {
				assert.Equal(t, "", invoke(t, client, baseURL, "SYSTEM", "id"))
				assert.Equal(t, "cba", invoke(t, client, baseURL, "strrev", "abc"))
			},
		},
		{
			Name:        "callback escape",
			Description: "A callback builtin cannot launder a blocked name",
			Config: map[string]any{
				"policy": map[string]any{"blacklist": []string{"system"}},
			},
			Request: func(t *testing.T, client *http.Client, baseURL string) {
				assert.Equal(t, "", invoke(t, client, baseURL, "call_user_func", "system", "id"))
				assert.Equal(t, []any{"", ""}, invoke(t, client, baseURL, "array_map", "system", []any{"a", "b"}))
			},
		},
		{
			Name:        "introspection hides blocked names",
			Description: "get_defined_functions only lists names the policy allows",
			Config: map[string]any{
				"policy": map[string]any{"blacklist": []string{"strrev"}},
			},
			Request: func(t *testing.T, client *http.Client, baseURL string) {
				funcs, ok := invoke(t, client, baseURL, "get_defined_functions").(map[string]any)
				require.True(t, ok)
				internal, ok := funcs["internal"].([]any)
				require.True(t, ok)
				assert.Contains(t, internal, "strtoupper")
				assert.NotContains(t, internal, "strrev")
			},
		},
		{
			Name:        "rego rules",
			Description: "Rego rules must also allow the call",
			Config: map[string]any{
				"policy": map[string]any{
					"blacklist": []string{"strrev"},
					"rego": map[string]any{
						"entrypoint": "sandbox/functions/allow",
						"files":      []string{"functions.rego"},
					},
				},
			},
			Files: map[string]string{"functions.rego": onlyStringFuncs},
			Request: func(t *testing.T, client *http.Client, baseURL string) {
				assert.Equal(t, "HI", invoke(t, client, baseURL, "strtoupper", "hi"))
				assert.Equal(t, "", invoke(t, client, baseURL, "strrev", "hi"))
				assert.Equal(t, "", invoke(t, client, baseURL, "ucfirst", "hi"))
			},
		},
		{
			Name:        "override toggle",
			Description: "Disabling arg overrides falls through to the host function",
			Config: map[string]any{
				"policy": map[string]any{"whitelist": []string{"func_num_args"}},
			},
			Request: func(t *testing.T, client *http.Client, baseURL string) {
				assert.Equal(t, 2.0, invoke(t, client, baseURL, "func_num_args", "a", "b"))

				body := put(t, client, baseURL+"/v1/overrides", server.OverrideRequest{Class: "arg_funcs", Enabled: false})
				assert.Equal(t, http.StatusOK, body.StatusCode)

				resp := post(t, client, baseURL+"/v1/invoke", server.InvokeRequest{Value: "func_num_args"})
				defer resp.Body.Close()
				assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.Name, func(t *testing.T) {
			t.Log(tt.Description)
			dir := t.TempDir()
			for name, content := range tt.Files {
				require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
			}
			path := writeYAML(t, dir, tt.Config)

			baseURL, _ := startSandbox(t, path)
			tt.Request(t, &http.Client{Timeout: 5 * time.Second}, baseURL)
		})
	}
}

func TestHotReload(t *testing.T) {
	dir := t.TempDir()
	path := writeYAML(t, dir, map[string]any{
		"policy": map[string]any{"whitelist": []string{"strtolower"}},
	})

	baseURL, engine := startSandbox(t, path)
	client := &http.Client{Timeout: 5 * time.Second}
	assert.Equal(t, "", invoke(t, client, baseURL, "strtoupper", "a"))

	watcher, err := config.NewWatcher(path, config.WatcherOptions{
		Debounce: 10 * time.Millisecond,
		Logger:   slog.New(slog.DiscardHandler),
		OnChange: func(cfg *config.Config) {
			engine.SetFunctionLists(cfg.Policy.Whitelist, cfg.Policy.Blacklist)
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = watcher.Close() })

	writeYAML(t, dir, map[string]any{
		"policy": map[string]any{"whitelist": []string{"strtolower", "strtoupper"}},
	})

	assert.Eventually(t, func() bool {
		return invoke(t, client, baseURL, "strtoupper", "a") == "A"
	}, 2*time.Second, 20*time.Millisecond)
}

func writeYAML(t *testing.T, dir string, cfg map[string]any) string {
	t.Helper()
	data, err := yaml.Marshal(cfg)
	require.NoError(t, err)
	path := filepath.Join(dir, "sandbox.yaml")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func startSandbox(t *testing.T, path string) (string, *policy.Engine) {
	t.Helper()
	cfg, err := config.Load(path)
	require.NoError(t, err)

	opts, err := cfg.EngineOptions()
	require.NoError(t, err)
	opts.Logger = slog.New(slog.DiscardHandler)

	engine, err := policy.NewEngine(context.Background(), opts)
	require.NoError(t, err)

	srv, err := server.New(server.Options{Engine: engine, Logger: opts.Logger})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts.URL, engine
}

func invoke(t *testing.T, client *http.Client, baseURL, value string, args ...any) any {
	t.Helper()
	resp := post(t, client, baseURL+"/v1/invoke", server.InvokeRequest{Value: value, Args: args})
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))

	var out server.InvokeResponse
	require.NoError(t, json.Unmarshal(data, &out))
	return out.Result
}

func post(t *testing.T, client *http.Client, url string, body any) *http.Response {
	t.Helper()
	return send(t, client, http.MethodPost, url, body)
}

func put(t *testing.T, client *http.Client, url string, body any) *http.Response {
	t.Helper()
	resp := send(t, client, http.MethodPut, url, body)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func send(t *testing.T, client *http.Client, method, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequestWithContext(context.Background(), method, url, bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	require.NoError(t, err)
	return resp
}
