package handoff

import (
	"fmt"
	"strings"
	"time"

	"crabstack.local/projects/crab-handoff/internal/protocol"
	"crabstack.local/projects/crab-handoff/internal/session"
)

// IntakePrompts are the bot lines used while collecting contact details on
// channels that need them before free chat. AskEmail and Ready may contain
// one %s verb, replaced with the collected name.
type IntakePrompts struct {
	AskName  string `yaml:"ask_name"`
	AskEmail string `yaml:"ask_email"`
	Ready    string `yaml:"ready"`
}

func DefaultIntakePrompts() IntakePrompts {
	return IntakePrompts{
		AskName:  "¡Hola! Antes de empezar, ¿cuál es tu nombre?",
		AskEmail: "Gracias, %s. ¿Cuál es tu correo electrónico?",
		Ready:    "Perfecto, %s. ¿En qué podemos ayudarte?",
	}
}

func (p IntakePrompts) withDefaults() IntakePrompts {
	def := DefaultIntakePrompts()
	if strings.TrimSpace(p.AskName) == "" {
		p.AskName = def.AskName
	}
	if strings.TrimSpace(p.AskEmail) == "" {
		p.AskEmail = def.AskEmail
	}
	if strings.TrimSpace(p.Ready) == "" {
		p.Ready = def.Ready
	}
	return p
}

// intake advances the collecting_name -> collecting_email -> chatting flow.
// It reports false once the session is chatting and the responder should
// answer instead.
func (m *Machine) intake(rec *session.SessionRecord, created bool, content string, now time.Time) (protocol.Message, bool) {
	var text string
	switch rec.ConversationState {
	case protocol.ConversationCollectingName:
		if created {
			text = m.prompts.AskName
			break
		}
		rec.ContactName = strings.TrimSpace(content)
		rec.ConversationState = protocol.ConversationCollectingEmail
		text = withName(m.prompts.AskEmail, rec.ContactName)
	case protocol.ConversationCollectingEmail:
		rec.ContactEmail = strings.TrimSpace(content)
		rec.ConversationState = protocol.ConversationChatting
		text = withName(m.prompts.Ready, rec.ContactName)
	default:
		return protocol.Message{}, false
	}

	reply := m.message(protocol.RoleAssistant, text, now)
	rec.History = append(rec.History, reply)
	return reply, true
}

func withName(format, name string) string {
	if !strings.Contains(format, "%s") {
		return format
	}
	return fmt.Sprintf(format, name)
}
