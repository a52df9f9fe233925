package restapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorrc/portal-sync/internal/adapters/secondary/restapi"
	"github.com/lorrc/portal-sync/internal/core/domain"
	apperrors "github.com/lorrc/portal-sync/internal/core/errors"
	"github.com/lorrc/portal-sync/internal/core/ports"
	"github.com/lorrc/portal-sync/internal/infrastructure/logging"
)

func newClient(t *testing.T, handler http.HandlerFunc) *restapi.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := restapi.New(restapi.Config{BaseURL: srv.URL, Token: "secret"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return c
}

func TestParseList_Shapes(t *testing.T) {
	want := []domain.Record{
		{"id": float64(1), "name": "a"},
		{"id": float64(2), "name": "b"},
	}

	tests := []struct {
		name string
		body string
	}{
		{"bare array", `[{"id":1,"name":"a"},{"id":2,"name":"b"}]`},
		{"wrapped under key", `{"success":true,"leads":[{"id":1,"name":"a"},{"id":2,"name":"b"}]}`},
		{"wrapped under items", `{"success":true,"items":[{"id":1,"name":"a"},{"id":2,"name":"b"}]}`},
		{"wrapped under data", `{"data":[{"id":1,"name":"a"},{"id":2,"name":"b"}],"total":2}`},
		{"nested under data", `{"data":{"leads":[{"id":1,"name":"a"},{"id":2,"name":"b"}]}}`},
		{"non-object items skipped", `[{"id":1,"name":"a"},null,3,{"id":2,"name":"b"}]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := restapi.ParseList([]byte(tt.body), "leads")
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestParseList_Edges(t *testing.T) {
	t.Run("object without array is empty", func(t *testing.T) {
		got, err := restapi.ParseList([]byte(`{"success":true}`), "leads")
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("empty body is empty", func(t *testing.T) {
		got, err := restapi.ParseList(nil, "leads")
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("success false", func(t *testing.T) {
		_, err := restapi.ParseList([]byte(`{"success":false,"error":"Not allowed"}`), "leads")
		assert.ErrorIs(t, err, apperrors.ErrFetchFailed)
		assert.Contains(t, err.Error(), "Not allowed")
	})

	t.Run("invalid json", func(t *testing.T) {
		_, err := restapi.ParseList([]byte(`{"leads":[`), "leads")
		assert.ErrorIs(t, err, apperrors.ErrMalformedPayload)
	})
}

func TestParseMutationResult(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		success bool
		message string
	}{
		{"explicit success", 200, `{"success":true,"message":"Approved","id":7}`, true, "Approved"},
		{"explicit failure", 200, `{"success":false,"error":"Already approved"}`, false, "Already approved"},
		{"nested error", 400, `{"error":{"message":"Invalid lead"}}`, false, "Invalid lead"},
		{"no flag uses status", 201, `{"id":3}`, true, ""},
		{"empty failure", 500, ``, false, ""},
		{"html failure hidden", 502, `<html>bad gateway</html>`, false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := restapi.ParseMutationResult(tt.status, []byte(tt.body))
			assert.Equal(t, tt.success, res.Success)
			assert.Equal(t, tt.message, res.ServerMessage())
		})
	}

	res := restapi.ParseMutationResult(200, []byte(`{"success":true,"id":7}`))
	assert.Equal(t, float64(7), res.Extra["id"])
}

func TestParsePermissions(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"flag map", `{"leads:export":true,"leads:delete":false}`},
		{"wrapped map", `{"success":true,"permissions":{"leads:export":true,"leads:delete":false}}`},
		{"granted list", `{"permissions":["leads:export"]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			perms, err := restapi.ParsePermissions([]byte(tt.body))
			require.NoError(t, err)
			assert.True(t, perms.Allows("leads:export"))
			assert.False(t, perms.Allows("leads:delete"))
		})
	}

	_, err := restapi.ParsePermissions([]byte(`"nope"`))
	assert.ErrorIs(t, err, apperrors.ErrMalformedPayload)
}

func TestClient_FetchList(t *testing.T) {
	ctx := context.Background()

	t.Run("sends auth and params", func(t *testing.T) {
		c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/api/attendance/report", r.URL.Path)
			assert.Equal(t, "2024-02-01", r.URL.Query().Get("date"))
			assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
			_, _ = w.Write([]byte(`{"success":true,"attendance":[{"id":1}]}`))
		})

		got, err := c.FetchList(ctx, ports.ListQuery{
			Path:   "/api/attendance/report",
			Key:    "attendance",
			Params: url.Values{"date": {"2024-02-01"}},
		})
		require.NoError(t, err)
		assert.Len(t, got, 1)
	})

	t.Run("missing endpoint", func(t *testing.T) {
		c := newClient(t, http.NotFound)
		_, err := c.FetchList(ctx, ports.ListQuery{Path: "/api/missing"})
		assert.ErrorIs(t, err, apperrors.ErrEndpointMissing)
	})

	t.Run("server error", func(t *testing.T) {
		c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"success":false,"message":"db down"}`))
		})
		_, err := c.FetchList(ctx, ports.ListQuery{Path: "/api/leads"})
		assert.ErrorIs(t, err, apperrors.ErrFetchFailed)
		assert.Contains(t, err.Error(), "db down")
	})
}

func TestClient_Mutate(t *testing.T) {
	ctx := context.Background()

	t.Run("encodes body", func(t *testing.T) {
		c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPut, r.Method)
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "u-1", body["assigned_to"])
			_, _ = w.Write([]byte(`{"success":true,"message":"Assigned"}`))
		})

		res, err := c.Mutate(ctx, ports.MutationRequest{
			Method: http.MethodPut,
			Path:   "/api/leads/4/assign",
			Body:   map[string]string{"assigned_to": "u-1"},
		})
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, "Assigned", res.Message)
	})

	t.Run("non-2xx carries server message", func(t *testing.T) {
		c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"success":false,"error":"Lead already assigned"}`))
		})

		_, err := c.Mutate(ctx, ports.MutationRequest{Path: "/api/leads/4/assign"})
		require.Error(t, err)
		assert.ErrorIs(t, err, apperrors.ErrMutationFailed)
		assert.Equal(t, "Lead already assigned", apperrors.UserMessage(err))
	})

	t.Run("non-2xx without message", func(t *testing.T) {
		c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		})

		_, err := c.Mutate(ctx, ports.MutationRequest{Path: "/api/leads/4"})
		assert.Equal(t, apperrors.GenericMutationMessage, apperrors.UserMessage(err))
	})
}

func TestClient_Download(t *testing.T) {
	ctx := context.Background()
	req := ports.DownloadRequest{Path: "/api/leads/export", ContentType: "text/csv", FileName: "leads.csv"}

	t.Run("valid file", func(t *testing.T) {
		c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/csv; charset=utf-8")
			w.Header().Set("Content-Disposition", `attachment; filename="leads_2024.csv"`)
			_, _ = w.Write([]byte("Company Name\nAcme\n"))
		})

		file, err := c.Download(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, "leads_2024.csv", file.Name)
		assert.Equal(t, "Company Name\nAcme\n", string(file.Data))
	})

	t.Run("wrong content type", func(t *testing.T) {
		c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"success":false}`))
		})

		_, err := c.Download(ctx, req)
		assert.ErrorIs(t, err, apperrors.ErrInvalidContentType)
	})

	t.Run("empty body", func(t *testing.T) {
		c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/csv")
		})

		_, err := c.Download(ctx, req)
		assert.ErrorIs(t, err, apperrors.ErrEmptyPayload)
	})

	t.Run("no expectation rejects json", func(t *testing.T) {
		c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{}`))
		})

		_, err := c.Download(ctx, ports.DownloadRequest{Path: "/api/nda/export"})
		assert.ErrorIs(t, err, apperrors.ErrInvalidContentType)
	})
}

func TestNew_RequiresBaseURL(t *testing.T) {
	_, err := restapi.New(restapi.Config{}, slog.Default())
	assert.Error(t, err)
}

func TestClient_LogsCarryView(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"id":1}]`))
	}))
	t.Cleanup(srv.Close)

	var buf bytes.Buffer
	logger := logging.NewLogger(logging.Config{Level: "debug", Format: "json", Output: &buf, ServiceName: "test"})
	c, err := restapi.New(restapi.Config{BaseURL: srv.URL}, logger)
	require.NoError(t, err)

	_, err = c.FetchList(logging.WithView(context.Background(), "leads"), ports.ListQuery{Path: "/api/leads", Key: "leads"})
	require.NoError(t, err)

	assert.Contains(t, buf.String(), `"view":"leads"`)
	assert.Contains(t, buf.String(), `"msg":"request completed"`)
}
