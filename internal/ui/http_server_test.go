package ui

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"logscope/internal/common"
)

func newTestApp(t *testing.T) (*fiber.App, *Logscope) {
	path, _ := common.MakeTestFile(t)
	cfg := DefaultCfg
	cfg.File = path
	cfg.FieldPattern = common.FieldPattern
	cfg.Concurrency = 2
	require.NoError(t, cfg.Validate())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	l, err := NewLogscope(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	require.NoError(t, l.Load(ctx))

	return NewHttpApp(ctx, l), l
}

func call(t *testing.T, app *fiber.App, method, target, body string, out any) int {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func lineNumbers(p PagePayload) []int64 {
	numbers := make([]int64, 0, len(p.Lines))
	for _, l := range p.Lines {
		numbers = append(numbers, l.N)
	}
	return numbers
}

// waitSearch waits for the current search and returns the number of its matches.
func waitSearch(t *testing.T, l *Logscope) int {
	s := l.Document.AcquireSearch()
	require.NotNil(t, s)
	defer s.Release()
	require.NoError(t, s.Wait())
	return s.Count()
}

func TestHttpLines(t *testing.T) {
	app, _ := newTestApp(t)

	var page PagePayload
	require.Equal(t, http.StatusOK, call(t, app, "GET", "/api/lines?start=1&count=2", "", &page))
	require.Equal(t, 10, page.Total)
	require.True(t, page.Finished)
	require.Equal(t, []int64{1, 2}, lineNumbers(page))
	require.Equal(t, "[2024-07-29T01:07:21.923832+00:00] ERROR db: Connection timed out", page.Lines[0].Text)
	require.Equal(t, []string{"ERROR", "db"}, page.Lines[0].Key)

	page = PagePayload{}
	target := "/api/lines?count=3&exclude=INFO,auth&exclude=INFO,storage&exclude=NOPE"
	require.Equal(t, http.StatusOK, call(t, app, "GET", target, "", &page))
	require.Equal(t, 6, page.Total)
	require.Equal(t, []int64{1, 3, 4}, lineNumbers(page))

	page = PagePayload{}
	require.Equal(t, http.StatusOK, call(t, app, "GET", "/api/lines?start=8", "", &page))
	require.Equal(t, []int64{8, 9}, lineNumbers(page))

	page = PagePayload{}
	require.Equal(t, http.StatusOK, call(t, app, "GET", "/api/lines?start=10", "", &page))
	require.Empty(t, page.Lines)

	require.Equal(t, http.StatusBadRequest, call(t, app, "GET", "/api/lines?start=11", "", nil))
	require.Equal(t, http.StatusBadRequest, call(t, app, "GET", "/api/lines?start=7&exclude=INFO,auth&exclude=INFO,storage", "", nil))
	require.Equal(t, http.StatusBadRequest, call(t, app, "GET", "/api/lines?count=0", "", nil))
	require.Equal(t, http.StatusBadRequest, call(t, app, "GET", "/api/lines?start=-1", "", nil))

	var line LinePayload
	require.Equal(t, http.StatusOK, call(t, app, "GET", "/api/lines/9", "", &line))
	require.Equal(t, int64(9), line.N)
	require.Equal(t, "[2024-07-30T06:29:23.685562+00:00] INFO storage: Backup completed", line.Text)
	require.Equal(t, http.StatusNotFound, call(t, app, "GET", "/api/lines/10", "", nil))
	require.Equal(t, http.StatusBadRequest, call(t, app, "GET", "/api/lines/x", "", nil))
}

func TestHttpKeys(t *testing.T) {
	app, _ := newTestApp(t)

	var resp struct {
		Fields []string     `json:"fields"`
		Keys   []KeyPayload `json:"keys"`
	}
	require.Equal(t, http.StatusOK, call(t, app, "GET", "/api/keys", "", &resp))
	require.Equal(t, []string{"level", "component"}, resp.Fields)

	total := 0
	counts := map[string]int{}
	for _, k := range resp.Keys {
		total += k.Count
		counts[strings.Join(k.Values, " ")] = k.Count
	}
	require.Equal(t, 10, total)
	require.Equal(t, 2, counts["INFO auth"])
	require.Equal(t, 1, counts["ERROR auth"])
}

func TestHttpSearch(t *testing.T) {
	app, l := newTestApp(t)

	require.Equal(t, http.StatusNotFound, call(t, app, "GET", "/api/search", "", nil))
	require.Equal(t, http.StatusBadRequest, call(t, app, "POST", "/api/search", `{"pattern":"("}`, nil))
	require.Equal(t, http.StatusBadRequest, call(t, app, "POST", "/api/search", `{"pattern":""}`, nil))

	var started SearchPayload
	require.Equal(t, http.StatusAccepted, call(t, app, "POST", "/api/search", `{"pattern":"ERROR"}`, &started))
	require.NotEmpty(t, started.Id)
	require.Equal(t, 3, waitSearch(t, l))

	var state SearchPayload
	require.Equal(t, http.StatusOK, call(t, app, "GET", "/api/search", "", &state))
	require.Equal(t, started.Id, state.Id)
	require.Equal(t, "finished", state.State)
	require.Equal(t, 3, state.Matches)
	require.Equal(t, float64(100), state.Progress)

	var page PagePayload
	require.Equal(t, http.StatusOK, call(t, app, "GET", "/api/search/lines", "", &page))
	require.True(t, page.Finished)
	require.Equal(t, 3, page.Total)
	require.Equal(t, []int64{1, 4, 7}, lineNumbers(page))

	page = PagePayload{}
	require.Equal(t, http.StatusOK, call(t, app, "GET", "/api/search/lines?start=1&count=1", "", &page))
	require.Equal(t, []int64{4}, lineNumbers(page))

	page = PagePayload{}
	require.Equal(t, http.StatusOK, call(t, app, "GET", "/api/search/lines?exclude=ERROR,db", "", &page))
	require.Equal(t, 2, page.Total)
	require.Equal(t, []int64{4, 7}, lineNumbers(page))

	page = PagePayload{}
	require.Equal(t, http.StatusOK, call(t, app, "GET", "/api/search/lines?start=3", "", &page))
	require.Empty(t, page.Lines)
	require.Equal(t, http.StatusBadRequest, call(t, app, "GET", "/api/search/lines?start=4", "", nil))
	require.Equal(t, http.StatusBadRequest, call(t, app, "GET", "/api/search/lines?start=3&exclude=ERROR,db", "", nil))

	// a literal search replaces the regular one
	var literal SearchPayload
	require.Equal(t, http.StatusAccepted, call(t, app, "POST", "/api/search", `{"pattern":"[2024-07-30","substring":true}`, &literal))
	require.NotEqual(t, started.Id, literal.Id)
	require.Equal(t, 7, waitSearch(t, l))

	require.Equal(t, http.StatusNoContent, call(t, app, "DELETE", "/api/search", "", nil))
	require.Equal(t, http.StatusNotFound, call(t, app, "GET", "/api/search", "", nil))
	require.Equal(t, http.StatusNotFound, call(t, app, "GET", "/api/search/lines", "", nil))
}

func TestHttpSearchLinesWhileReplaced(t *testing.T) {
	app, l := newTestApp(t)

	replaced := make(chan struct{})
	var g errgroup.Group
	g.Go(
		func() error {
			defer close(replaced)
			for i := 0; i < 200; i++ {
				method, body := "POST", `{"pattern":"ERROR"}`
				switch {
				case i%10 == 5:
					method, body = "DELETE", ""
				case i%2 == 1:
					body = `{"pattern":"auth","substring":true}`
				}
				req := httptest.NewRequest(method, "/api/search", strings.NewReader(body))
				req.Header.Set("Content-Type", "application/json")
				resp, err := app.Test(req, -1)
				if err != nil {
					return err
				}
				_ = resp.Body.Close()
				if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusNoContent {
					return fmt.Errorf("%s /api/search: status %d", method, resp.StatusCode)
				}
			}
			return nil
		},
	)

	targets := []string{"/api/search/lines", "/api/search/lines?exclude=ERROR,db", "/api/search/lines?count=1", "/api/search"}
	for i := 0; ; i++ {
		select {
		case <-replaced:
			require.NoError(t, g.Wait())
			require.Equal(t, 3, waitSearch(t, l))
			return
		default:
		}
		status := call(t, app, "GET", targets[i%len(targets)], "", nil)
		require.Contains(t, []int{http.StatusOK, http.StatusNotFound}, status, targets[i%len(targets)])
	}
}

func TestHttpMetrics(t *testing.T) {
	app, _ := newTestApp(t)

	resp, err := app.Test(httptest.NewRequest("GET", "/metrics", nil), -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "logscope_lines_indexed_total 10")
}
