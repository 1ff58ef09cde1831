// Package memory implements C4's per-user execution memory: a durable
// Redis-backed store of recent conversation findings, fronted by an
// in-process hot cache of the most recently touched users.
package memory

import "time"

type Message struct {
	Role    string
	Content string
	At      time.Time
}

type Clarification struct {
	Question string
	Resolved bool
	Answer   string
}

// Finding is one remembered question/SQL/result summary, consulted by the
// few-shot selector (internal/fewshot) as a memory-sourced example.
type Finding struct {
	Question string
	SQL      string
	Summary  string
	At       time.Time
}

// Session mirrors the original SessionContext/SessionMemory shape: a
// bounded recent-message deque plus structured scratch state (temp facts,
// findings, open clarifications) the agent loop consults across turns
// within the same conversation.
type Session struct {
	UserID          string
	Messages        []Message // capped at 10, oldest dropped first
	TempFacts       map[string]string
	Findings        []Finding
	Clarifications  []Clarification
	LastActive      time.Time
}

const maxMessages = 10

func NewSession(userID string) *Session {
	return &Session{
		UserID:     userID,
		TempFacts:  make(map[string]string),
		LastActive: time.Now(),
	}
}

func (s *Session) AddMessage(role, content string) {
	s.Messages = append(s.Messages, Message{Role: role, Content: content, At: time.Now()})
	if len(s.Messages) > maxMessages {
		s.Messages = s.Messages[len(s.Messages)-maxMessages:]
	}
	s.LastActive = time.Now()
}

func (s *Session) AddTempFact(key, value string) {
	s.TempFacts[key] = value
	s.LastActive = time.Now()
}

func (s *Session) AddFinding(f Finding) {
	f.At = time.Now()
	s.Findings = append(s.Findings, f)
	s.LastActive = time.Now()
}

func (s *Session) AddClarification(question string) {
	s.Clarifications = append(s.Clarifications, Clarification{Question: question})
	s.LastActive = time.Now()
}

// ResolveClarification resolves the most recent unresolved clarification,
// mirroring the original's "resolve most recent open question" semantics.
func (s *Session) ResolveClarification(answer string) bool {
	for i := len(s.Clarifications) - 1; i >= 0; i-- {
		if !s.Clarifications[i].Resolved {
			s.Clarifications[i].Resolved = true
			s.Clarifications[i].Answer = answer
			s.LastActive = time.Now()
			return true
		}
	}
	return false
}

// ContextPrompt renders the session into a single string suitable for
// embedding into an LLM prompt as short-term conversational context.
func (s *Session) ContextPrompt() string {
	var b []byte
	if len(s.Messages) > 0 {
		b = append(b, "Recent turns:\n"...)
		for _, m := range s.Messages {
			b = append(b, []byte(m.Role+": "+m.Content+"\n")...)
		}
	}
	if len(s.TempFacts) > 0 {
		b = append(b, "Known facts:\n"...)
		for k, v := range s.TempFacts {
			b = append(b, []byte(k+"="+v+"\n")...)
		}
	}
	for _, c := range s.Clarifications {
		if !c.Resolved {
			b = append(b, []byte("Open question: "+c.Question+"\n")...)
		}
	}
	return string(b)
}
