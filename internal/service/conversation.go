package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sakif/chatdesk/internal/apperror"
	"github.com/sakif/chatdesk/internal/completion"
	"github.com/sakif/chatdesk/internal/metrics"
	"github.com/sakif/chatdesk/internal/model"
	"github.com/sakif/chatdesk/internal/repository"
)

// DefaultSystemPrompt is prepended to every completion request.
const DefaultSystemPrompt = "You are an assistant designed to extract key indicators and trading conditions " +
	"from a given paragraph of information and generate a JSON file in a specific format structure."

// MaxPromptLength is measured in characters.
const MaxPromptLength = 5000

// ConversationConfig holds the model parameters and history policy.
type ConversationConfig struct {
	Model        string
	SystemPrompt string
	MaxTokens    int
	Temperature  float64
	// MaxContextMessages caps how many trailing history messages are sent
	// to the model. The stored snapshot always keeps the full history.
	MaxContextMessages int
	// TrustClientHistory makes Converse use the history the browser posts
	// instead of the latest stored snapshot.
	TrustClientHistory bool
	// Now is the clock for record timestamps; nil means time.Now.
	Now func() time.Time
}

func DefaultConversationConfig() ConversationConfig {
	return ConversationConfig{
		Model:              "gpt-4o-mini",
		SystemPrompt:       DefaultSystemPrompt,
		MaxTokens:          600,
		Temperature:        0.4,
		MaxContextMessages: 40,
	}
}

type ConverseInput struct {
	Username     string
	ActorID      string // authenticated user id from the session
	Prompt       string
	PriorHistory string // JSON array, only read when TrustClientHistory is on
}

type ConverseResult struct {
	User    *model.User
	Reply   string
	History model.History
	Record  *model.ConversationRecord
	// Records is the most recent page of the user's records, oldest first.
	Records []model.ConversationRecord
}

// Transcript is one page of a user's stored turns plus paging info.
type Transcript struct {
	User    *model.User
	Records []model.ConversationRecord
	Total   int
	Limit   int
	Offset  int
}

// ConversationService runs chat turns and reads them back.
type ConversationService struct {
	users       repository.UserRepository
	records     repository.ConversationRepository
	provisioner *Provisioner
	completer   completion.Completer
	cfg         ConversationConfig
	logger      *slog.Logger
}

func NewConversationService(
	users repository.UserRepository,
	records repository.ConversationRepository,
	provisioner *Provisioner,
	completer completion.Completer,
	cfg ConversationConfig,
	logger *slog.Logger,
) *ConversationService {
	def := DefaultConversationConfig()
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = def.SystemPrompt
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &ConversationService{
		users:       users,
		records:     records,
		provisioner: provisioner,
		completer:   completer,
		cfg:         cfg,
		logger:      logger,
	}
}

// Converse runs one chat turn for username.
//
// The prior history is extended by the user's prompt, sent to the model,
// extended by the reply and stored as a new record, so the stored snapshot
// is always exactly two messages longer than the history it started from.
// If the model call fails nothing is written.
func (s *ConversationService) Converse(ctx context.Context, in ConverseInput) (*ConverseResult, error) {
	user, err := s.authorizedUser(ctx, in.Username, in.ActorID)
	if err != nil {
		return nil, err
	}

	prompt := strings.TrimSpace(in.Prompt)
	if prompt == "" {
		return nil, apperror.ValidationFailed("prompt_data", "prompt is required")
	}
	if utf8.RuneCountInString(prompt) > MaxPromptLength {
		return nil, apperror.ValidationFailed("prompt_data", fmt.Sprintf("prompt must be %d characters or fewer", MaxPromptLength))
	}

	history, err := s.priorHistory(ctx, user, in.PriorHistory)
	if err != nil {
		return nil, err
	}
	history = history.Append(model.RoleUser, prompt)

	res, err := s.completer.Complete(ctx, s.buildRequest(history))
	if err != nil {
		s.logger.Error("chat completion failed",
			slog.String("userID", user.ID),
			slog.String("error", err.Error()),
		)
		return nil, apperror.Upstream("completion service", err)
	}

	history = history.Append(model.RoleAssistant, res.Content)

	rec := &model.ConversationRecord{
		UserID:    user.ID,
		StoreName: model.StoreName(user.Email),
		Prompt:    prompt,
		Response:  res.Content,
		History:   history,
		CreatedAt: s.cfg.Now().UTC(),
	}
	if err := s.persist(ctx, user, rec); err != nil {
		return nil, err
	}
	metrics.ConversationTurnsTotal.Inc()

	s.logger.Info("chat turn stored",
		slog.String("userID", user.ID),
		slog.String("record", rec.ID),
		slog.Int("history", len(history)),
		slog.Int("attempts", res.Attempts),
		slog.Int("promptTokens", res.PromptTokens),
		slog.Int("replyTokens", res.ReplyTokens),
	)

	records, err := s.recentRecords(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	return &ConverseResult{
		User:    user,
		Reply:   res.Content,
		History: history,
		Record:  rec,
		Records: records,
	}, nil
}

// Transcript returns one page of the user's records, oldest first.
func (s *ConversationService) Transcript(ctx context.Context, username, actorID string, opts repository.ListOptions) (*Transcript, error) {
	user, err := s.authorizedUser(ctx, username, actorID)
	if err != nil {
		return nil, err
	}

	opts = opts.Normalize()
	records, err := s.records.ListRecords(ctx, user.ID, opts)
	if err != nil {
		return nil, fmt.Errorf("service/conversation: listing records: %w", err)
	}
	total, err := s.records.CountRecords(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("service/conversation: counting records: %w", err)
	}

	return &Transcript{
		User:    user,
		Records: records,
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	}, nil
}

// authorizedUser resolves username and checks that the session owns it.
func (s *ConversationService) authorizedUser(ctx context.Context, username, actorID string) (*model.User, error) {
	user, err := s.users.GetUserByDisplayName(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("service/conversation: resolving %q: %w", username, err)
	}
	if actorID == "" {
		return nil, apperror.Unauthorized("valid authentication required")
	}
	if actorID != user.ID {
		return nil, apperror.Forbidden("you can only access your own conversation")
	}
	return user, nil
}

func (s *ConversationService) priorHistory(ctx context.Context, user *model.User, posted string) (model.History, error) {
	if s.cfg.TrustClientHistory {
		h, err := model.ParseHistory(posted)
		if err != nil {
			return nil, apperror.ValidationFailed("history", "history must be a JSON array of {role, content} messages")
		}
		for _, m := range h {
			if m.Role != model.RoleUser && m.Role != model.RoleAssistant {
				return nil, apperror.ValidationFailed("history", fmt.Sprintf("history contains unsupported role %q", m.Role))
			}
		}
		return h, nil
	}

	latest, err := s.records.LatestRecord(ctx, user.ID)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return model.History{}, nil
		}
		return nil, fmt.Errorf("service/conversation: loading latest record: %w", err)
	}
	return latest.History.Clone(), nil
}

func (s *ConversationService) buildRequest(history model.History) completion.Request {
	window := history.Tail(s.cfg.MaxContextMessages)

	msgs := make([]model.Message, 0, len(window)+1)
	msgs = append(msgs, model.Message{Role: model.RoleSystem, Content: s.cfg.SystemPrompt})
	msgs = append(msgs, window...)

	return completion.Request{
		Model:       s.cfg.Model,
		Messages:    msgs,
		MaxTokens:   s.cfg.MaxTokens,
		Temperature: s.cfg.Temperature,
	}
}

// persist writes rec. A missing store is provisioned once and the write
// retried, so users that predate provisioning still get their turn saved.
func (s *ConversationService) persist(ctx context.Context, user *model.User, rec *model.ConversationRecord) error {
	err := s.records.AppendRecord(ctx, rec)
	if errors.Is(err, apperror.ErrNotFound) {
		s.logger.Warn("conversation store missing, provisioning", slog.String("userID", user.ID))
		if _, perr := s.provisioner.ProvisionUser(ctx, user); perr != nil {
			return perr
		}
		err = s.records.AppendRecord(ctx, rec)
	}
	if err != nil {
		return fmt.Errorf("service/conversation: storing record: %w", err)
	}
	return nil
}

// recentRecords returns the newest page of records in oldest-first order.
func (s *ConversationService) recentRecords(ctx context.Context, userID string) ([]model.ConversationRecord, error) {
	total, err := s.records.CountRecords(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("service/conversation: counting records: %w", err)
	}
	offset := total - repository.DefaultPageSize
	if offset < 0 {
		offset = 0
	}

	records, err := s.records.ListRecords(ctx, userID, repository.ListOptions{Limit: repository.DefaultPageSize, Offset: offset})
	if err != nil {
		return nil, fmt.Errorf("service/conversation: listing records: %w", err)
	}
	return records, nil
}
