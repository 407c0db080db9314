package ui

import (
	"context"
	"iter"
	"slices"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"logscope/internal/document"
	"logscope/internal/inverted"
	"logscope/internal/search"
)

const (
	defaultPageLines = 100
	maxPageLines     = 5000
)

type LinePayload struct {
	N    int64    `json:"n"`
	Text string   `json:"text"`
	Key  []string `json:"key,omitempty"`
}

type PagePayload struct {
	Total    int           `json:"total"`
	Finished bool          `json:"finished"`
	Lines    []LinePayload `json:"lines"`
}

type KeyPayload struct {
	Values []string `json:"values"`
	Count  int      `json:"count"`
}

type SearchPayload struct {
	Id       string  `json:"id"`
	State    string  `json:"state"`
	Progress float64 `json:"progress"`
	Matches  int     `json:"matches"`
}

func NewHttpApp(ctx context.Context, l *Logscope) *fiber.App {
	app := fiber.New(
		fiber.Config{
			DisableStartupMessage: true,
		},
	)
	go func() {
		<-ctx.Done()
		_ = app.Shutdown()
	}()

	app.Use(recover.New())
	c := cors.ConfigDefault
	c.ExposeHeaders = "*"
	app.Use(cors.New(c))
	app.Use(compress.New(compress.Config{Level: compress.LevelBestSpeed}))

	app.Get("/metrics", adaptor.HTTPHandler(l.Metrics.Handler()))

	doc := l.Document
	api := app.Group("/api")
	api.Get(
		"/lines", func(c *fiber.Ctx) error {
			start, count, err := pageArgs(c)
			if err != nil {
				return badRequest(c, err.Error())
			}

			var (
				total = doc.Count()
				fetch = func(start int, buf []int64) {
					for i := range buf {
						buf[i] = int64(start + i)
					}
				}
			)
			if excluded := excludedKeys(c); len(excluded) > 0 {
				v := doc.Provider(excluded...)
				total, fetch = v.Count(), v.Fetch
			}
			if start > total {
				return badRequest(c, "start is out of range")
			}
			numbers := page(total, start, count, fetch)

			lines, err := readLines(doc, numbers)
			if err != nil {
				l.Logger.Warn("read lines failed", zap.Error(err))
				return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Read failed"})
			}
			return c.JSON(PagePayload{Total: total, Finished: doc.Finished(), Lines: lines})
		},
	)
	api.Get(
		"/lines/:n", func(c *fiber.Ctx) error {
			n, err := c.ParamsInt("n", -1)
			if err != nil || n < 0 {
				return badRequest(c, "Invalid line number")
			}
			if n >= doc.Count() {
				return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "No such line"})
			}
			lines, err := readLines(doc, []int64{int64(n)})
			if err != nil {
				l.Logger.Warn("read line failed", zap.Error(err))
				return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Read failed"})
			}
			return c.JSON(lines[0])
		},
	)
	api.Get(
		"/keys", func(c *fiber.Ctx) error {
			keys := make([]KeyPayload, 0)
			for _, k := range doc.Keys() {
				keys = append(keys, KeyPayload{Values: k.Key.Values(), Count: k.Count})
			}
			return c.JSON(fiber.Map{"fields": doc.FieldNames(), "keys": keys})
		},
	)

	api.Post(
		"/search", func(c *fiber.Ctx) error {
			type SearchRequest struct {
				Pattern   string `json:"pattern"`
				Substring bool   `json:"substring"`
			}

			var req SearchRequest
			if err := c.BodyParser(&req); err != nil {
				return badRequest(c, "Invalid request body")
			}
			if req.Pattern == "" {
				return badRequest(c, "Pattern is empty")
			}

			var m search.Matcher = search.Substring(req.Pattern)
			if !req.Substring {
				re, err := search.NewRegexpMatcher(req.Pattern)
				if err != nil {
					return badRequest(c, "Bad pattern syntax.")
				}
				m = re
			}

			// the search outlives the request
			s, err := doc.Search(ctx, m)
			if err != nil {
				l.Logger.Warn("search failed", zap.Error(err))
				return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "Search failed"})
			}
			defer s.Release()
			return c.Status(fiber.StatusAccepted).JSON(searchPayload(s))
		},
	)
	api.Get(
		"/search", func(c *fiber.Ctx) error {
			s := doc.AcquireSearch()
			if s == nil {
				return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "No search"})
			}
			defer s.Release()
			return c.JSON(searchPayload(s))
		},
	)
	api.Get(
		"/search/lines", func(c *fiber.Ctx) error {
			start, count, err := pageArgs(c)
			if err != nil {
				return badRequest(c, err.Error())
			}
			// pinned, a concurrent replacement does not free the results under us
			s := doc.AcquireSearch()
			if s == nil {
				return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "No search"})
			}
			defer s.Release()

			var numbers []int64
			total := s.Count()
			if excluded := excludedKeys(c); len(excluded) > 0 {
				v := s.Fields.Provider(keyIDs(s.Fields.Dictionary(), excluded)...)
				total = v.Count()
				if start > total {
					return badRequest(c, "start is out of range")
				}
				numbers = page(total, start, count, v.Fetch)
			} else {
				if start > total {
					return badRequest(c, "start is out of range")
				}
				numbers = slices.Collect(take(s.Lines.EnumerateFromIndex(start), min(count, total-start)))
			}

			lines, err := readLines(doc, numbers)
			if err != nil {
				l.Logger.Warn("read lines failed", zap.Error(err))
				return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Read failed"})
			}
			return c.JSON(PagePayload{Total: total, Finished: s.State() != search.Running, Lines: lines})
		},
	)
	api.Delete(
		"/search", func(c *fiber.Ctx) error {
			doc.CancelSearch()
			return c.SendStatus(fiber.StatusNoContent)
		},
	)

	return app
}

func badRequest(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": message})
}

func pageArgs(c *fiber.Ctx) (start, count int, err error) {
	start = c.QueryInt("start", 0)
	count = c.QueryInt("count", defaultPageLines)
	if start < 0 {
		return 0, 0, fiber.NewError(fiber.StatusBadRequest, "start is negative")
	}
	if count < 1 || count > maxPageLines {
		return 0, 0, fiber.NewError(fiber.StatusBadRequest, "count is out of range")
	}
	return start, count, nil
}

// excludedKeys reads repeated "exclude" args, each holds the field values of a key separated by commas.
func excludedKeys(c *fiber.Ctx) []inverted.Key {
	var keys []inverted.Key
	for _, arg := range c.Context().QueryArgs().PeekMulti("exclude") {
		if len(arg) == 0 {
			keys = append(keys, inverted.NewKey())
			continue
		}
		keys = append(keys, inverted.NewKey(strings.Split(string(arg), ",")...))
	}
	return keys
}

func keyIDs(dict *inverted.Dictionary, keys []inverted.Key) []inverted.KeyID {
	ids := make([]inverted.KeyID, 0, len(keys))
	for _, k := range keys {
		if id, ok := dict.Lookup(k); ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// page fetches a window of a filtered view clipped to its total.
func page(total, start, count int, fetch func(int, []int64)) []int64 {
	if start >= total {
		return nil
	}
	numbers := make([]int64, min(count, total-start))
	fetch(start, numbers)
	return numbers
}

func take(seq iter.Seq[int64], n int) iter.Seq[int64] {
	return func(yield func(int64) bool) {
		if n <= 0 {
			return
		}
		i := 0
		for v := range seq {
			if !yield(v) {
				return
			}
			i++
			if i == n {
				return
			}
		}
	}
}

func readLines(doc *document.Document, numbers []int64) ([]LinePayload, error) {
	lines := make([]LinePayload, 0, len(numbers))
	completed := doc.Lines.Completed()
	for _, n := range numbers {
		text, err := doc.ReadLine(int(n))
		if err != nil {
			return nil, err
		}
		p := LinePayload{N: n, Text: text}
		// the pending line of a followed file has no key yet
		if int(n) < completed && len(doc.FieldNames()) > 0 {
			p.Key = doc.Key(int(n)).Values()
		}
		lines = append(lines, p)
	}
	return lines, nil
}

func searchPayload(s *search.Search) SearchPayload {
	return SearchPayload{
		Id:       s.ID.String(),
		State:    s.State().String(),
		Progress: s.Progress.Value(),
		Matches:  s.Count(),
	}
}
