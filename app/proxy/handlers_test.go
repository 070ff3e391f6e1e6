package proxy

import (
	"bytes"
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_headersHandler(t *testing.T) {
	wr := httptest.NewRecorder()
	handler := headersHandler([]string{"k1:v1", "k2:v2"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Logf("req: %v", r)
	}))
	req, err := http.NewRequest("GET", "http://example.com", nil)
	require.NoError(t, err)
	handler.ServeHTTP(wr, req)
	assert.Equal(t, "v1", wr.Result().Header.Get("k1"))
	assert.Equal(t, "v2", wr.Result().Header.Get("k2"))
}

func Test_sizeLimitHandler(t *testing.T) {
	{
		wr := httptest.NewRecorder()
		handler := sizeLimitHandler(10)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Logf("req: %v", r)
		}))
		req, err := http.NewRequest("POST", "http://example.com", bytes.NewBufferString("123456"))
		require.NoError(t, err)
		handler.ServeHTTP(wr, req)
		assert.Equal(t, http.StatusOK, wr.Result().StatusCode, "good size, full response")
	}
	{
		wr := httptest.NewRecorder()
		handler := sizeLimitHandler(10)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Logf("req: %v", r)
		}))
		req, err := http.NewRequest("POST", "http://example.com", bytes.NewBufferString("123456789012345"))
		require.NoError(t, err)
		handler.ServeHTTP(wr, req)
		assert.Equal(t, http.StatusRequestEntityTooLarge, wr.Result().StatusCode)
	}
	{
		wr := httptest.NewRecorder()
		handler := sizeLimitHandler(0)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Logf("req: %v", r)
		}))
		req, err := http.NewRequest("POST", "http://example.com", bytes.NewBufferString("123456789012345"))
		require.NoError(t, err)
		handler.ServeHTTP(wr, req)
		assert.Equal(t, http.StatusOK, wr.Result().StatusCode, "limit disabled, any size passes")
	}
}

func Test_signatureHandler(t *testing.T) {
	{
		wr := httptest.NewRecorder()
		handler := signatureHandler(true, "v0.0.1")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Logf("req: %v", r)
		}))
		req, err := http.NewRequest("POST", "http://example.com", bytes.NewBufferString("123456"))
		require.NoError(t, err)
		handler.ServeHTTP(wr, req)
		assert.Equal(t, http.StatusOK, wr.Result().StatusCode)
		assert.Equal(t, "selfcloud", wr.Result().Header.Get("App-Name"), wr.Result().Header)
		assert.Equal(t, "selfcloud", wr.Result().Header.Get("Author"), wr.Result().Header)
		assert.Equal(t, "v0.0.1", wr.Result().Header.Get("App-Version"), wr.Result().Header)
	}
	{
		wr := httptest.NewRecorder()
		handler := signatureHandler(false, "v0.0.1")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Logf("req: %v", r)
		}))
		req, err := http.NewRequest("POST", "http://example.com", bytes.NewBufferString("123456"))
		require.NoError(t, err)
		handler.ServeHTTP(wr, req)
		assert.Equal(t, http.StatusOK, wr.Result().StatusCode)
		assert.Equal(t, "", wr.Result().Header.Get("App-Name"), wr.Result().Header)
		assert.Equal(t, "", wr.Result().Header.Get("Author"), wr.Result().Header)
		assert.Equal(t, "", wr.Result().Header.Get("App-Version"), wr.Result().Header)
	}
}

func Test_gzipHandler(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("hello world, hello world, hello world"))
	})

	{
		wr := httptest.NewRecorder()
		req, err := http.NewRequest("GET", "http://example.com", nil)
		require.NoError(t, err)
		req.Header.Set("Accept-Encoding", "gzip")
		gzipHandler(true)(next).ServeHTTP(wr, req)
		assert.Equal(t, "gzip", wr.Result().Header.Get("Content-Encoding"))

		gz, err := gzip.NewReader(wr.Result().Body)
		require.NoError(t, err)
		body, err := io.ReadAll(gz)
		require.NoError(t, err)
		assert.Equal(t, "hello world, hello world, hello world", string(body))
	}
	{
		wr := httptest.NewRecorder()
		req, err := http.NewRequest("GET", "http://example.com", nil)
		require.NoError(t, err)
		req.Header.Set("Accept-Encoding", "gzip")
		gzipHandler(false)(next).ServeHTTP(wr, req)
		assert.Equal(t, "", wr.Result().Header.Get("Content-Encoding"))

		body, err := io.ReadAll(wr.Result().Body)
		require.NoError(t, err)
		assert.Equal(t, "hello world, hello world, hello world", string(body))
	}
}

func Test_stdoutLogHandler(t *testing.T) {
	var loggerCalled, nextCalled bool
	lh := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			loggerCalled = true
			next.ServeHTTP(w, r)
		})
	}
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { nextCalled = true })

	{ // enabled, regular request goes through the logger
		loggerCalled, nextCalled = false, false
		req, err := http.NewRequest("GET", "http://example.com/api/v1/projects", nil)
		require.NoError(t, err)
		stdoutLogHandler(true, lh)(next).ServeHTTP(httptest.NewRecorder(), req)
		assert.True(t, loggerCalled)
		assert.True(t, nextCalled)
	}
	{ // ping skipped from the log but still served
		loggerCalled, nextCalled = false, false
		req, err := http.NewRequest("GET", "http://example.com/ping", nil)
		require.NoError(t, err)
		stdoutLogHandler(true, lh)(next).ServeHTTP(httptest.NewRecorder(), req)
		assert.False(t, loggerCalled)
		assert.True(t, nextCalled)
	}
	{ // disabled
		loggerCalled, nextCalled = false, false
		req, err := http.NewRequest("GET", "http://example.com/api/v1/projects", nil)
		require.NoError(t, err)
		stdoutLogHandler(false, lh)(next).ServeHTTP(httptest.NewRecorder(), req)
		assert.False(t, loggerCalled)
		assert.True(t, nextCalled)
	}
}
