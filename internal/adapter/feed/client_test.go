package feed

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chansync/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fastOptions removes pacing so tests run at full speed.
func fastOptions() Options {
	return Options{Timeout: 5 * time.Second, RequestsPerSecond: 10_000, Burst: 100}
}

func TestSendCode(t *testing.T) {
	var gotPath string
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(map[string]any{
			"ok":     true,
			"result": map[string]string{"code_hash": "hash-xyz"},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "+15550001", fastOptions(), testLogger())
	hash, err := c.SendCode(context.Background(), "+15550001")
	require.NoError(t, err)
	assert.Equal(t, "hash-xyz", hash)
	assert.Equal(t, "/sessions/+15550001/send_code", gotPath)
	assert.Equal(t, "+15550001", gotBody["phone"])
}

func TestCallGatewayErrorKeepsCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]any{
			"ok": false, "error": "FLOOD_WAIT_45", "retry_after": 45,
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "+15550001", fastOptions(), testLogger())
	_, err := c.SendCode(context.Background(), "+15550001")
	require.Error(t, err)

	var gw *gatewayError
	require.ErrorAs(t, err, &gw)
	assert.Equal(t, "FLOOD_WAIT_45", gw.Code)
	assert.Equal(t, 45, gw.RetryAfter)
	assert.Contains(t, err.Error(), "FLOOD_WAIT_45")
}

func TestHistory(t *testing.T) {
	until := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(map[string]any{
			"ok": true,
			"result": []map[string]any{
				{"id": 101, "text": "newer", "date": until.Unix() + 60},
				{"id": 100, "caption": "older", "date": until.Unix() + 30,
					"group_id": 900,
					"media":    map[string]any{"kind": "photo", "file_ref": "ref-100"}},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "+15550001", fastOptions(), testLogger())
	msgs, err := c.History(context.Background(), "-100200", domain.HistoryQuery{
		Limit: 20, UntilDate: until, Offset: 3,
	})
	require.NoError(t, err)

	assert.Equal(t, float64(20), got["limit"])
	assert.Equal(t, float64(until.Unix()), got["until_date"])
	assert.Equal(t, float64(3), got["offset"])

	require.Len(t, msgs, 2)
	assert.Equal(t, int64(101), msgs[0].ID)
	assert.Equal(t, "-100200", msgs[0].ChannelID)
	assert.Equal(t, "newer", msgs[0].Text)
	assert.Equal(t, int64(900), msgs[1].GroupID)
	require.NotNil(t, msgs[1].Media)
	assert.Equal(t, "ref-100", msgs[1].Media.FileRef)
}

func TestLatestMessageEmptyChannel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": nil})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "+15550001", fastOptions(), testLogger())
	msg, err := c.LatestMessage(context.Background(), "-100200")
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestBreakerOpensOnServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "+15550001", fastOptions(), testLogger())
	ctx := context.Background()

	for i := 0; i < breakerMaxFailures; i++ {
		require.Error(t, c.Connect(ctx))
	}

	err := c.Connect(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, gobreaker.ErrOpenState),
		"breaker must be open after consecutive server failures")
	assert.Contains(t, err.Error(), "circuit open")
}

func TestGatewayErrorsDoNotTripBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": "PHONE_CODE_INVALID"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "+15550001", fastOptions(), testLogger())
	ctx := context.Background()

	for i := 0; i < breakerMaxFailures*2; i++ {
		_, err := c.SignIn(ctx, "+15550001", "hash", "000")
		require.Error(t, err)
		assert.NotContains(t, err.Error(), "circuit open")
	}
}

func TestDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sessions/+15550001/files/ref-9", r.URL.Path)
		w.Write([]byte("file bytes"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "+15550001", fastOptions(), testLogger())
	path := filepath.Join(t.TempDir(), "photo_9.jpg")
	require.NoError(t, c.Download(context.Background(), "ref-9", path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("file bytes"), data)

	_, err = os.Stat(path + ".part")
	assert.True(t, os.IsNotExist(err), "no temp file left behind")
}

func TestDownloadFailureLeavesNoFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": "FILE_REF_EXPIRED"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "+15550001", fastOptions(), testLogger())
	path := filepath.Join(t.TempDir(), "photo_9.jpg")

	err := c.Download(context.Background(), "ref-9", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FILE_REF_EXPIRED")

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestExportImportSession(t *testing.T) {
	var imported []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/sessions/+15550001/export_session":
			json.NewEncoder(w).Encode(map[string]any{
				"ok":     true,
				"result": map[string]any{"session": []byte("opaque-blob")},
			})
		case "/sessions/+15550001/import_session":
			var req struct {
				Session []byte `json:"session"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			imported = req.Session
			json.NewEncoder(w).Encode(map[string]any{"ok": true})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "+15550001", fastOptions(), testLogger())
	ctx := context.Background()

	blob, err := c.ExportSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("opaque-blob"), blob)

	require.NoError(t, c.ImportSession(ctx, blob))
	assert.Equal(t, []byte("opaque-blob"), imported)
}
