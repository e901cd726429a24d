package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "weaver/pkg/errors"
)

func decodeErrorBody(t *testing.T, rec *httptest.ResponseRecorder) ErrorBody {
	t.Helper()
	var body ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestError_AppErrorMapping(t *testing.T) {
	rec := httptest.NewRecorder()
	Error(rec, pkgerrors.NewNotFound("node missing").WithDetail("id", "n:City:x"))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	body := decodeErrorBody(t, rec)
	assert.Equal(t, "NOT_FOUND_ERROR", body.ErrorCode)
	assert.Equal(t, "node missing", body.Message)
	assert.Equal(t, "n:City:x", body.Details["id"])
}

func TestError_UnknownErrorIs500(t *testing.T) {
	rec := httptest.NewRecorder()
	Error(rec, assert.AnError)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeErrorBody(t, rec)
	assert.Equal(t, "INTERNAL_ERROR", body.ErrorCode)
	assert.NotContains(t, body.Message, assert.AnError.Error())
}

func TestFailWithHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	h := http.Header{}
	h.Set("Retry-After", "3")
	h.Set("X-RateLimit-Limit", "10")
	FailWithHeaders(rec, http.StatusTooManyRequests, "RATE_LIMIT_ERROR", "slow down", nil, h)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "3", rec.Header().Get("Retry-After"))
	assert.Equal(t, "10", rec.Header().Get("X-RateLimit-Limit"))
}

func TestDecode(t *testing.T) {
	var dst struct {
		Name string `json:"name"`
	}

	r := httptest.NewRequest("POST", "/", nil)
	require.NoError(t, Decode(r, &dst))

	r = httptest.NewRequest("POST", "/", strings.NewReader(`{"name":"NYC"}`))
	require.NoError(t, Decode(r, &dst))
	assert.Equal(t, "NYC", dst.Name)

	r = httptest.NewRequest("POST", "/", strings.NewReader(`{bad`))
	err := Decode(r, &dst)
	require.Error(t, err)
	assert.True(t, pkgerrors.IsValidation(err))
}

func TestExtractPageParams(t *testing.T) {
	r := httptest.NewRequest("GET", "/?page=3&page_size=250", nil)
	p := ExtractPageParams(r)
	assert.Equal(t, 3, p.Page)
	assert.Equal(t, MaxPageSize, p.PageSize)
	assert.Equal(t, 200, p.Offset())

	r = httptest.NewRequest("GET", "/?page=-1", nil)
	p = ExtractPageParams(r)
	assert.Equal(t, 1, p.Page)
	assert.Equal(t, DefaultPageSize, p.PageSize)
}

func TestPageMeta(t *testing.T) {
	p := PageParams{Page: 2, PageSize: 10}
	meta := p.MetaFor(25)
	assert.Equal(t, int64(3), meta.TotalPages)
	assert.True(t, meta.HasNext)
	assert.True(t, meta.HasPrev)

	last := PageParams{Page: 3, PageSize: 10}.MetaFor(25)
	assert.False(t, last.HasNext)
}
