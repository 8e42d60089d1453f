package middleware_test

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"

	"github.com/lawrencejones/bytesink/internal/middleware"
	"github.com/lawrencejones/bytesink/internal/telem"

	kitlog "github.com/go-kit/kit/log"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("ObserveHTTP", func() {
	var (
		handler http.Handler
		called  bool
		logs    *bytes.Buffer
	)

	BeforeEach(func() {
		called = false
		logs = new(bytes.Buffer)
		handler = middleware.ObserveHTTP(kitlog.NewLogfmtLogger(logs))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called = true
			telem.LoggerFrom(r.Context()).Log("event", "handled")

			w.WriteHeader(http.StatusTeapot)
			w.Write([]byte("short and stout"))
		}))
	})

	It("serves the wrapped handler", func() {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("GET", "/debug/pprof/", nil))

		Expect(called).To(BeTrue())
		Expect(rec.Code).To(Equal(http.StatusTeapot))
		Expect(rec.Body.String()).To(Equal("short and stout"))
	})

	It("generates a request ID when none is given", func() {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

		Expect(rec.Header().Get(middleware.RequestIDHeader)).NotTo(BeEmpty())
	})

	It("preserves request IDs from the caller", func() {
		req := httptest.NewRequest("GET", "/metrics", nil)
		req.Header.Set(middleware.RequestIDHeader, "abc123")

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		Expect(rec.Header().Get(middleware.RequestIDHeader)).To(Equal("abc123"))
	})

	It("truncates oversized request IDs", func() {
		req := httptest.NewRequest("GET", "/metrics", nil)
		req.Header.Set(middleware.RequestIDHeader, strings.Repeat("a", 200))

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		Expect(rec.Header().Get(middleware.RequestIDHeader)).To(Equal(strings.Repeat("a", 128)))
	})

	It("logs the captured response", func() {
		req := httptest.NewRequest("GET", "/debug/pprof/", nil)
		req.Header.Set(middleware.RequestIDHeader, "abc123")
		handler.ServeHTTP(httptest.NewRecorder(), req)

		Expect(logs.String()).To(ContainSubstring("request_id=abc123 event=handled"))
		Expect(logs.String()).To(ContainSubstring("event=http_request"))
		Expect(logs.String()).To(ContainSubstring("http_status=418"))
		Expect(logs.String()).To(ContainSubstring("http_bytes=15"))
	})
})
