package handler_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/chatdesk/internal/model"
)

type chatPage struct {
	Username  string                     `json:"username"`
	Result    string                     `json:"result"`
	History   model.History              `json:"history"`
	Records   []model.ConversationRecord `json:"records"`
	Timestamp string                     `json:"timestamp"`
	Total     int                        `json:"total"`
	Limit     int                        `json:"limit"`
	Offset    int                        `json:"offset"`
}

func (e *testEnv) chatPage(t *testing.T, target string, session *http.Cookie) chatPage {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.AddCookie(session)
	rr := e.do(req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var page chatPage
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&page))
	return page
}

func (e *testEnv) postPrompt(session *http.Cookie, username, prompt, history string) *httptest.ResponseRecorder {
	req := formRequest(http.MethodPost, "/"+username, url.Values{"prompt_data": {prompt}, "history": {history}})
	if session != nil {
		req.AddCookie(session)
	}
	return e.do(req)
}

func TestChat_AliceScenario(t *testing.T) {
	env := newTestEnv(t)
	session := env.signup(t, "Alice", "a@x.com", "pw1")

	_, err := env.db.GetStore(t.Context(), "a_x_com_data")
	require.NoError(t, err)

	rr := env.postPrompt(session, "Alice", "Hello", "[]")
	require.Equal(t, http.StatusSeeOther, rr.Code, rr.Body.String())

	loc, err := url.Parse(rr.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/Alice", loc.Path)
	assert.Equal(t, `{"indicators":["RSI"]}`, loc.Query().Get("result"))

	history, err := model.ParseHistory(loc.Query().Get("history"))
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, model.Message{Role: "user", Content: "Hello"}, history[0])
	assert.Equal(t, model.Message{Role: "assistant", Content: `{"indicators":["RSI"]}`}, history[1])

	page := env.chatPage(t, loc.String(), session)
	assert.Equal(t, "Alice", page.Username)
	assert.Equal(t, `{"indicators":["RSI"]}`, page.Result)
	assert.Len(t, page.History, 2)
	require.Len(t, page.Records, 1)
	assert.Equal(t, "Hello", page.Records[0].Prompt)
	assert.Len(t, page.Records[0].History, 2)
	assert.Equal(t, 1, page.Total)
	assert.Regexp(t, `^\d{2}-\d{2}-\d{4} \d{2}:\d{2}:\d{2}$`, page.Timestamp)
}

func TestChat_SecondTurnExtendsStoredHistory(t *testing.T) {
	env := newTestEnv(t)
	session := env.signup(t, "Alice", "a@x.com", "pw1")

	require.Equal(t, http.StatusSeeOther, env.postPrompt(session, "Alice", "one", "[]").Code)
	rr := env.postPrompt(session, "Alice", "two", "[]")
	require.Equal(t, http.StatusSeeOther, rr.Code)

	loc, err := url.Parse(rr.Header().Get("Location"))
	require.NoError(t, err)
	history, err := model.ParseHistory(loc.Query().Get("history"))
	require.NoError(t, err)
	assert.Len(t, history, 4, "server-side history is used, not the posted one")

	page := env.chatPage(t, "/Alice?limit=1&offset=1", session)
	assert.Equal(t, 2, page.Total)
	assert.Equal(t, 1, page.Limit)
	require.Len(t, page.Records, 1)
	assert.Equal(t, "two", page.Records[0].Prompt)
}

func TestChat_NamesNeedingEscapes(t *testing.T) {
	for _, tc := range []struct {
		name, email, path string
	}{
		{"Doe, Jane", "jane@x.com", "/Doe%2C%20Jane"},
		{"a;b", "ab@x.com", "/a%3Bb"},
		{"100% sure", "sure@x.com", "/100%25%20sure"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			rr := env.do(formRequest(http.MethodPost, "/", url.Values{
				"name": {tc.name}, "email": {tc.email}, "password": {"pw1"},
			}))
			require.Equal(t, http.StatusSeeOther, rr.Code, rr.Body.String())
			assert.Equal(t, tc.path, rr.Header().Get("Location"))
			session := sessionCookie(t, rr)

			page := env.chatPage(t, tc.path, session)
			assert.Equal(t, tc.name, page.Username)

			rr = env.postPrompt(session, tc.path[1:], "Hello", "[]")
			require.Equal(t, http.StatusSeeOther, rr.Code, rr.Body.String())
			loc, err := url.Parse(rr.Header().Get("Location"))
			require.NoError(t, err)
			assert.Equal(t, tc.path, loc.EscapedPath())

			page = env.chatPage(t, loc.String(), session)
			assert.Len(t, page.Records, 1)
		})
	}
}

func TestChat_EmptyPage(t *testing.T) {
	env := newTestEnv(t)
	session := env.signup(t, "Alice", "a@x.com", "pw1")

	page := env.chatPage(t, "/Alice", session)
	assert.NotNil(t, page.Records)
	assert.Empty(t, page.Records)
	assert.Empty(t, page.History)
	assert.Equal(t, 50, page.Limit)
}

func TestChat_AccessControl(t *testing.T) {
	env := newTestEnv(t)
	alice := env.signup(t, "Alice", "a@x.com", "pw1")
	bob := env.signup(t, "Bob", "b@x.com", "pw2")

	t.Run("no session", func(t *testing.T) {
		assert.Equal(t, http.StatusUnauthorized, env.postPrompt(nil, "Alice", "Hello", "[]").Code)
		rr := env.do(httptest.NewRequest(http.MethodGet, "/Alice", nil))
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("someone else's page", func(t *testing.T) {
		assert.Equal(t, http.StatusForbidden, env.postPrompt(bob, "Alice", "Hello", "[]").Code)

		req := httptest.NewRequest(http.MethodGet, "/Alice", nil)
		req.AddCookie(bob)
		assert.Equal(t, http.StatusForbidden, env.do(req).Code)
	})

	t.Run("unknown user", func(t *testing.T) {
		assert.Equal(t, http.StatusNotFound, env.postPrompt(alice, "Nobody", "Hello", "[]").Code)
	})

	assert.Zero(t, env.completer.calls)
}

func TestChat_Errors(t *testing.T) {
	env := newTestEnv(t)
	session := env.signup(t, "Alice", "a@x.com", "pw1")

	t.Run("empty prompt", func(t *testing.T) {
		rr := env.postPrompt(session, "Alice", "  ", "[]")
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Contains(t, rr.Body.String(), `"field":"prompt_data"`)
	})

	t.Run("bad paging", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/Alice?limit=-1", nil)
		req.AddCookie(session)
		assert.Equal(t, http.StatusBadRequest, env.do(req).Code)
	})

	t.Run("completion failure persists nothing", func(t *testing.T) {
		env.completer.err = errors.New("openai: status 500")
		defer func() { env.completer.err = nil }()

		rr := env.postPrompt(session, "Alice", "Hello", "[]")
		assert.Equal(t, http.StatusBadGateway, rr.Code)
		assert.NotContains(t, rr.Body.String(), "status 500", "upstream details stay in the logs")

		page := env.chatPage(t, "/Alice", session)
		assert.Zero(t, page.Total)
	})
}

func TestNavigate(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(formRequest(http.MethodPost, "/navigate_pages", url.Values{"users": {"Mary Ann"}}))
	assert.Equal(t, http.StatusSeeOther, rr.Code)
	assert.Equal(t, "/Mary%20Ann", rr.Header().Get("Location"))

	rr = env.do(formRequest(http.MethodPost, "/navigate_pages", url.Values{}))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok","database":"up"}`, rr.Body.String())
}
