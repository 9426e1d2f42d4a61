package responder

import (
	"context"
	"strings"
	"unicode"

	"github.com/sirupsen/logrus"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"crabstack.local/projects/crab-handoff/internal/protocol"
)

type Request struct {
	WorkspaceID string             `json:"workspace_id"`
	SessionID   string             `json:"session_id"`
	Text        string             `json:"text"`
	Language    string             `json:"language,omitempty"`
	History     []protocol.Message `json:"history,omitempty"`
}

// Reply is either a text answer or a signal that the user should be handed
// to a human.
type Reply struct {
	Text    string `json:"reply,omitempty"`
	Handoff bool   `json:"handoff,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

type Responder interface {
	GenerateReply(ctx context.Context, req Request) (Reply, error)
}

// DefaultHandoffKeywords trigger a handoff before the answer engine is asked.
var DefaultHandoffKeywords = []string{
	"human",
	"agent",
	"humano",
	"agente",
	"persona",
	"asesor",
}

// KeywordResponder short-circuits to a handoff when the message names one of
// the keywords and otherwise asks the next responder. Without a next
// responder, or when it fails, the fallback text is returned.
type KeywordResponder struct {
	logger   logrus.FieldLogger
	keywords []string
	next     Responder
	fallback string
}

func NewKeywordResponder(logger logrus.FieldLogger, keywords []string, next Responder, fallback string) *KeywordResponder {
	if len(keywords) == 0 {
		keywords = DefaultHandoffKeywords
	}
	normalized := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		if kw = fold(kw); kw != "" {
			normalized = append(normalized, kw)
		}
	}
	if strings.TrimSpace(fallback) == "" {
		fallback = "Gracias por tu mensaje. Si quieres hablar con una persona, escribe \"agente\"."
	}
	return &KeywordResponder{
		logger:   logger,
		keywords: normalized,
		next:     next,
		fallback: fallback,
	}
}

func (r *KeywordResponder) GenerateReply(ctx context.Context, req Request) (Reply, error) {
	if kw, ok := r.match(req.Text); ok {
		return Reply{Handoff: true, Reason: "keyword:" + kw}, nil
	}
	if r.next == nil {
		return Reply{Text: r.fallback}, nil
	}

	reply, err := r.next.GenerateReply(ctx, req)
	if err != nil {
		r.logger.WithFields(logrus.Fields{
			"workspace_id": req.WorkspaceID,
			"session_id":   req.SessionID,
		}).WithError(err).Warn("responder failed, using fallback")
		return Reply{Text: r.fallback}, nil
	}
	if !reply.Handoff && strings.TrimSpace(reply.Text) == "" {
		reply.Text = r.fallback
	}
	return reply, nil
}

func (r *KeywordResponder) match(text string) (string, bool) {
	words := strings.FieldsFunc(fold(text), func(c rune) bool {
		return !unicode.IsLetter(c) && !unicode.IsNumber(c)
	})
	for _, word := range words {
		for _, kw := range r.keywords {
			if word == kw {
				return kw, true
			}
		}
	}
	return "", false
}

// fold lowercases and strips accents so "Agénte" matches "agente".
func fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, strings.ToLower(strings.TrimSpace(s)))
	if err != nil {
		return strings.ToLower(strings.TrimSpace(s))
	}
	return out
}
