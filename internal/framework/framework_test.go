package framework_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"journeyline/internal/domain"
	"journeyline/internal/framework"
)

func TestDefaultRegistryResolvesKnownFrameworks(t *testing.T) {
	reg := framework.NewDefaultRegistry(framework.LocalExecutor{})
	assert.Equal(t, []string{"ansoff", "blue_ocean", "bmc", "five_whys", "pestle", "porters", "swot"}, reg.Names())

	e, err := reg.Resolve("five_whys")
	require.NoError(t, err)
	insights := map[string]any{}
	e.Merger(insights, map[string]any{"root_causes": []any{"x"}})
	assert.Equal(t, []any{"x"}, insights["rootCauses"])

	_, err = reg.Resolve("okr")
	assert.ErrorIs(t, err, framework.ErrUnknownFramework)
	_, ok := reg.Merger("okr")
	assert.False(t, ok)
}

func TestRegisterDefaultsMergerToFallback(t *testing.T) {
	reg := framework.NewRegistry()
	exec := framework.ExecutorFunc(func(ctx context.Context, name string, c domain.StrategicContext) (map[string]any, error) {
		return map[string]any{"ok": true}, nil
	})
	require.NoError(t, reg.Register("okr", framework.Entry{Executor: exec}))
	assert.Error(t, reg.Register("okr", framework.Entry{Executor: exec}))
	assert.Error(t, reg.Register("nil-exec", framework.Entry{}))

	m, ok := reg.Merger("okr")
	require.True(t, ok)
	insights := map[string]any{}
	m(insights, map[string]any{"ok": true})
	assert.Contains(t, insights, "okr_data")
}

func TestLocalExecutorIsDeterministic(t *testing.T) {
	c := domain.StrategicContext{UserInput: "Launch a meal kit service"}
	exec := framework.LocalExecutor{}
	for _, name := range framework.Known {
		a, err := exec.Execute(context.Background(), name, c)
		require.NoError(t, err, name)
		b, err := exec.Execute(context.Background(), name, c)
		require.NoError(t, err, name)
		assert.Equal(t, a, b, name)
		assert.NotEmpty(t, a, name)
	}
}

func TestLocalExecutorUsesBridgedConstraints(t *testing.T) {
	c := domain.StrategicContext{Insights: map[string]any{"bmcDesignConstraints": []string{"Address root cause: churn"}}}
	out, err := framework.LocalExecutor{}.Execute(context.Background(), "bmc", c)
	require.NoError(t, err)
	assert.Contains(t, out["recommendations"], "Design around: Address root cause: churn")
}

func TestHTTPExecutorPostsContext(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"rootCauses": []string{"a"}}})
	}))
	defer srv.Close()

	exec := framework.NewHTTPExecutor(srv.URL+"/", "tok", time.Second)
	out, err := exec.Execute(context.Background(), "five_whys", domain.StrategicContext{SessionID: "s-1"})
	require.NoError(t, err)
	assert.Equal(t, "/frameworks/five_whys", gotPath)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "five_whys", gotBody["framework"])
	assert.Equal(t, []any{"a"}, out["rootCauses"])
}

func TestHTTPExecutorReportsFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/frameworks/broken":
			http.Error(w, "model overloaded", http.StatusBadGateway)
		case "/frameworks/refused":
			_ = json.NewEncoder(w).Encode(map[string]any{"error": "quota exceeded"})
		default:
			_, _ = w.Write([]byte("not json"))
		}
	}))
	defer srv.Close()
	exec := framework.NewHTTPExecutor(srv.URL, "", time.Second)

	_, err := exec.Execute(context.Background(), "broken", domain.StrategicContext{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	_, err = exec.Execute(context.Background(), "refused", domain.StrategicContext{})
	assert.ErrorContains(t, err, "quota exceeded")
	_, err = exec.Execute(context.Background(), "garbled", domain.StrategicContext{})
	assert.ErrorContains(t, err, "invalid response")
}
