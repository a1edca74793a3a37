package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/chatdesk/internal/apperror"
	"github.com/sakif/chatdesk/internal/auth"
	"github.com/sakif/chatdesk/internal/model"
	"github.com/sakif/chatdesk/internal/repository"
	"github.com/sakif/chatdesk/internal/service"
)

// timestampLayout is day-month-year, as the chat page has always shown it.
const timestampLayout = "02-01-2006 15:04:05"

// ChatHandler serves the per-user chat page and the chat turn.
type ChatHandler struct {
	svc    *service.ConversationService
	now    func() time.Time
	logger *slog.Logger
}

func NewChatHandler(svc *service.ConversationService, logger *slog.Logger) *ChatHandler {
	return &ChatHandler{svc: svc, now: time.Now, logger: logger}
}

type chatPageResponse struct {
	Username  string                     `json:"username"`
	Result    string                     `json:"result"`
	History   model.History              `json:"history"`
	Records   []model.ConversationRecord `json:"records"`
	Timestamp string                     `json:"timestamp"`
	Total     int                        `json:"total"`
	Limit     int                        `json:"limit"`
	Offset    int                        `json:"offset"`
}

// HandleChatPage returns a page of the user's stored turns plus the
// result and history of the last turn, which arrive in the query string
// after a POST redirect.
//
// HTTP: GET /{username}?result=...&history=...&limit=50&offset=0
// Auth: required, and only for the user's own page
func (h *ChatHandler) HandleChatPage(w http.ResponseWriter, r *http.Request) {
	username, err := usernameParam(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	actor, _ := auth.UserIDFromContext(r.Context())

	opts, err := listOptions(r.URL.Query())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	tr, err := h.svc.Transcript(r.Context(), username, actor, opts)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	q := r.URL.Query()
	history, perr := model.ParseHistory(q.Get("history"))
	if perr != nil {
		// the query is display-only; a mangled one is shown as empty
		history = model.History{}
	}
	records := tr.Records
	if records == nil {
		records = []model.ConversationRecord{}
	}

	writeJSON(w, http.StatusOK, chatPageResponse{
		Username:  tr.User.DisplayName,
		Result:    q.Get("result"),
		History:   history,
		Records:   records,
		Timestamp: h.now().Format(timestampLayout),
		Total:     tr.Total,
		Limit:     tr.Limit,
		Offset:    tr.Offset,
	})
}

// HandleChat runs one chat turn and redirects back to the chat page with
// the reply and the new history in the query string.
//
// HTTP: POST /{username}  form: prompt_data, history
// Auth: required, and only for the user's own page
func (h *ChatHandler) HandleChat(w http.ResponseWriter, r *http.Request) {
	username, err := usernameParam(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	actor, _ := auth.UserIDFromContext(r.Context())

	if err := parseForm(w, r); err != nil {
		writeError(w, h.logger, err)
		return
	}

	res, err := h.svc.Converse(r.Context(), service.ConverseInput{
		Username:     username,
		ActorID:      actor,
		Prompt:       r.PostForm.Get("prompt_data"),
		PriorHistory: r.PostForm.Get("history"),
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			h.logger.Warn("chat turn abandoned", slog.String("username", username), slog.String("error", err.Error()))
		}
		writeError(w, h.logger, err)
		return
	}

	v := url.Values{
		"result":  {res.Reply},
		"history": {res.History.JSON()},
	}
	http.Redirect(w, r, service.ChatURL(res.User.DisplayName)+"?"+v.Encode(), http.StatusSeeOther)
}

// HandleNavigate jumps to the chat page of the selected user.
//
// HTTP: POST /navigate_pages  form: users
func (h *ChatHandler) HandleNavigate(w http.ResponseWriter, r *http.Request) {
	if err := parseForm(w, r); err != nil {
		writeError(w, h.logger, err)
		return
	}
	target := strings.TrimSpace(r.PostForm.Get("users"))
	if target == "" {
		writeError(w, h.logger, apperror.ValidationFailed("users", "a user must be selected"))
		return
	}
	http.Redirect(w, r, service.ChatURL(target), http.StatusSeeOther)
}

// usernameParam returns the decoded {username} segment. chi matches on
// RawPath when the request has one, and then the parameter is still
// percent-encoded ("Doe%2C%20Jane" for "Doe, Jane").
func usernameParam(r *http.Request) (string, error) {
	name := chi.URLParam(r, "username")
	if r.URL.RawPath == "" {
		return name, nil
	}
	decoded, err := url.PathUnescape(name)
	if err != nil {
		return "", apperror.ValidationFailed("username", "malformed user name in path")
	}
	return decoded, nil
}

func listOptions(q url.Values) (repository.ListOptions, error) {
	var opts repository.ListOptions
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return opts, apperror.ValidationFailed("limit", "limit must be a non-negative integer")
		}
		opts.Limit = n
	}
	if s := q.Get("offset"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return opts, apperror.ValidationFailed("offset", "offset must be a non-negative integer")
		}
		opts.Offset = n
	}
	return opts, nil
}
