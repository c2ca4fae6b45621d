// ABOUTME: Typed hook payloads broadcast by the host application to active plugins.
// ABOUTME: Each hook has one payload type; plugins opt in by implementing the matching interface.

package core

import (
	"context"
	"time"
)

// HookName identifies a domain or lifecycle hook.
type HookName string

const (
	HookUserCreated      HookName = "onUserCreated"
	HookDocumentUploaded HookName = "onDocumentUploaded"
	HookChatMessage      HookName = "onChatMessage"
	HookQuizCompleted    HookName = "onQuizCompleted"
)

// Event is a hook payload. The host owns one concrete type per hook name.
type Event interface {
	Hook() HookName
}

// UserCreated is fired after a new account was stored.
type UserCreated struct {
	UserID    string    `json:"userId"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"createdAt"`
}

func (UserCreated) Hook() HookName { return HookUserCreated }

// DocumentUploaded is fired after a document was ingested into the knowledge base.
type DocumentUploaded struct {
	DocumentID string    `json:"documentId"`
	UserID     string    `json:"userId"`
	Filename   string    `json:"filename"`
	MimeType   string    `json:"mimeType"`
	SizeBytes  int64     `json:"sizeBytes"`
	UploadedAt time.Time `json:"uploadedAt"`
}

func (DocumentUploaded) Hook() HookName { return HookDocumentUploaded }

// ChatMessage is fired for every user message in a chat session.
type ChatMessage struct {
	ChatID  string `json:"chatId"`
	UserID  string `json:"userId"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (ChatMessage) Hook() HookName { return HookChatMessage }

// QuizCompleted is fired when a user finishes a quiz.
type QuizCompleted struct {
	QuizID string  `json:"quizId"`
	UserID string  `json:"userId"`
	Score  float64 `json:"score"`
}

func (QuizCompleted) Hook() HookName { return HookQuizCompleted }

// Custom carries hooks the core does not know about. Only plugins
// implementing HookHandler receive them.
type Custom struct {
	Name HookName
	Data map[string]any
}

func (c Custom) Hook() HookName { return c.Name }

type UserCreatedHook interface {
	OnUserCreated(ctx context.Context, ev UserCreated) error
}

type DocumentUploadedHook interface {
	OnDocumentUploaded(ctx context.Context, ev DocumentUploaded) error
}

type ChatMessageHook interface {
	OnChatMessage(ctx context.Context, ev ChatMessage) error
}

type QuizCompletedHook interface {
	OnQuizCompleted(ctx context.Context, ev QuizCompleted) error
}

// HookHandler receives every hook, typed or custom. Typed interfaces take
// precedence when a plugin implements both.
type HookHandler interface {
	HandleHook(ctx context.Context, ev Event) error
}

// hookFunc returns the call that delivers ev to p, or nil when p does not
// handle the hook.
func hookFunc(p Plugin, ev Event) func(context.Context) error {
	switch e := ev.(type) {
	case UserCreated:
		if h, ok := p.(UserCreatedHook); ok {
			return func(ctx context.Context) error { return h.OnUserCreated(ctx, e) }
		}
	case DocumentUploaded:
		if h, ok := p.(DocumentUploadedHook); ok {
			return func(ctx context.Context) error { return h.OnDocumentUploaded(ctx, e) }
		}
	case ChatMessage:
		if h, ok := p.(ChatMessageHook); ok {
			return func(ctx context.Context) error { return h.OnChatMessage(ctx, e) }
		}
	case QuizCompleted:
		if h, ok := p.(QuizCompletedHook); ok {
			return func(ctx context.Context) error { return h.OnQuizCompleted(ctx, e) }
		}
	}
	if h, ok := p.(HookHandler); ok {
		return func(ctx context.Context) error { return h.HandleHook(ctx, ev) }
	}
	return nil
}
