package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memora/internal/apperr"
)

func newTestContext(t *testing.T, method, path, body string) (echo.Context, *httptest.ResponseRecorder) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) apiError {
	t.Helper()
	var e apiError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
	return e
}

func TestFail_ErrorEnvelope(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"invalid", apperr.Invalid("bad field"), http.StatusBadRequest, "INVALID_PARAMETER"},
		{"not found", apperr.NotFound("missing thing"), http.StatusNotFound, "BEAN_NOT_FOUND"},
		{"unclassified", assertableErr("boom"), http.StatusInternalServerError, "SYSTEM_ERROR"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, rec := newTestContext(t, http.MethodPost, "/memorize", "")
			require.NoError(t, fail(c, tc.err))

			assert.Equal(t, tc.wantStatus, rec.Code)
			e := decodeError(t, rec)
			assert.Equal(t, "failed", e.Status)
			assert.Equal(t, tc.wantCode, e.Code)
			assert.Equal(t, "/memorize", e.Path)
			assert.NotEmpty(t, e.Timestamp)
		})
	}
}

type testErr string

func (e testErr) Error() string { return string(e) }

func assertableErr(s string) error { return testErr(s) }

func TestMemorizeHandler_MalformedBody(t *testing.T) {
	s := &Server{}
	c, rec := newTestContext(t, http.MethodPost, "/memorize", "{not json")

	require.NoError(t, s.memorizeHandler(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_PARAMETER", decodeError(t, rec).Code)
}

func TestMemorizeDocHandler_RequiresGroupID(t *testing.T) {
	s := &Server{}
	c, rec := newTestContext(t, http.MethodPost, "/memorize_doc", `{"url":"https://example.com"}`)

	require.NoError(t, s.memorizeDocHandler(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConversationMetaHandler_UnknownScene(t *testing.T) {
	s := &Server{}
	c, rec := newTestContext(t, http.MethodPost, "/conversation-meta",
		`{"group_id":"g","scene":"space_opera"}`)

	require.NoError(t, s.conversationMetaHandler(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeError(t, rec).Message, "space_opera")
}
