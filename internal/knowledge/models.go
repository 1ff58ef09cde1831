package knowledge

import "time"

// Conversation owns an ordered list of Messages, referenced by id.
type Conversation struct {
	ID        string
	UserID    string
	CreatedAt time.Time
	UpdatedAt time.Time
	Summary   string
	Source    string
	HasError  bool
}

// Role is one of the three message roles carried over the wire and persisted.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// MessageExtra is the side structure attached to an assistant Message.
// It is permissive on read (unknown fields round-trip through the JSON
// column) and is immutable once the surrounding stream completes.
type MessageExtra struct {
	SQL              string              `json:"sql,omitempty"`
	FileHash         string              `json:"fileHash,omitempty"`
	ChartHint        *ChartDescriptor    `json:"chartHint,omitempty"`
	ReasoningSteps   []ReasoningStep     `json:"reasoningSteps,omitempty"`
	SemanticTokens   []SemanticTokenView `json:"semanticTokens,omitempty"`
	SelectedTables   []string            `json:"selectedTables,omitempty"`
	KnowledgeItems   []string            `json:"knowledgeItems,omitempty"`
	FewShotDebug     *FewShotDebug       `json:"fewShotDebug,omitempty"`
	SQLRejected      bool                `json:"sqlRejected,omitempty"`
	Aborted          bool                `json:"aborted,omitempty"`
	ErrorMessage     string              `json:"errorMessage,omitempty"`
}

// SemanticTokenView is the persisted projection of an analyzer.SemanticToken,
// kept independent of the analyzer package so knowledge has no import cycle.
type SemanticTokenView struct {
	Start       int    `json:"start"`
	End         int    `json:"end"`
	Text        string `json:"text"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Canonical   string `json:"canonical,omitempty"`
}

type ChartDescriptor struct {
	Type  string `json:"type"`
	XKey  string `json:"xKey"`
	YKey  string `json:"yKey"`
	Title string `json:"title"`
}

type ReasoningStep struct {
	Step   int    `json:"step"`
	Status string `json:"status"` // running | done | error
	Label  string `json:"label"`
}

type FewShotDebug struct {
	RAGUsed      bool `json:"ragUsed"`
	RAGCount     int  `json:"ragCount"`
	MemoryUsed   bool `json:"memoryUsed"`
	MemoryCount  int  `json:"memoryCount"`
}

// Message is immutable after the surrounding stream completes.
type Message struct {
	ID             string
	ConversationID string
	Role           Role
	Content        string
	CreatedAt      time.Time
	Extra          *MessageExtra
}

// SemanticToken span type tags, mirrored here for persistence only; the
// canonical definition used during analysis lives in internal/analyzer.
const (
	TokenTypeTimeRule      = "time_rule"
	TokenTypeComparison    = "comparison"
	TokenTypeTerm          = "term"
	TokenTypeFieldMapping  = "field_mapping"
	TokenTypeChartHint     = "chart_hint"
	TokenTypeMetric        = "metric"
	TokenTypeDimension     = "dimension"
	TokenTypeSort          = "sort"
	TokenTypePlain         = "plain"
)

// TimeRule, BusinessTerm, FieldMapping are unique by Keyword and hot-reload
// into the in-process cache (see cache.go) on any CRUD mutation.
type TimeRule struct {
	Keyword     string
	RuleType    string // relative | recent_n_days | month | quarter | yoy_mom
	Value       string
	Description string
	Priority    int
}

type BusinessTermType string

const (
	BusinessTermMetric    BusinessTermType = "metric"
	BusinessTermDimension BusinessTermType = "dimension"
	BusinessTermFilter    BusinessTermType = "filter"
	BusinessTermEntity    BusinessTermType = "entity"
)

type BusinessTerm struct {
	Keyword     string
	Type        BusinessTermType
	Value       string
	Description string
	Priority    int
}

type FieldMapping struct {
	Keyword     string
	Table       string
	Column      string
	Description string
	Priority    int
}

// PromptVersion is keyed by (Name, Version); exactly one version per Name may
// be IsActive, enforced atomically by Store.ActivatePromptVersion.
type PromptVersion struct {
	Name      string
	Version   string
	Body      string
	IsActive  bool
	CreatedAt time.Time
}

type Expertise string

const (
	ExpertiseBeginner     Expertise = "beginner"
	ExpertiseIntermediate Expertise = "intermediate"
	ExpertiseExpert       Expertise = "expert"
)

type UserGroup string

const (
	GroupAdmin  UserGroup = "admin"
	GroupExpert UserGroup = "expert"
	GroupUser   UserGroup = "user"
	GroupGuest  UserGroup = "guest"
)

type UserProfile struct {
	UserID           string
	Expertise        Expertise
	PreferredChart   string
	PreferredTimeRange string
	FocusDimensions  []string // capped at 5
	Group            UserGroup
	UpdatedAt        time.Time
}

// QueryHistory is append-only, one row per analyzed question.
type QueryHistory struct {
	ID          int64
	UserID      string
	RawText     string
	Rewritten   string
	DetectedType string
	ChartType   string
	Dimensions  []string
	Metrics     []string
	TimeRange   string
	CreatedAt   time.Time
}

type QASource string

const (
	QASourceExpert   QASource = "expert"
	QASourceFeedback QASource = "feedback"
	QASourceAuto     QASource = "auto"
)

// QAPair is the RAG corpus entry, created by the RAG learner (C9), retrieved
// by the embedder/similarity index (C2) and few-shot selector (C4).
type QAPair struct {
	ID             string
	Question       string
	SQL            string
	AnswerPreview  string
	Embedding      []float32
	RawScore       float64
	CompositeScore float64
	QualityScore   float64
	Source         QASource
	Tags           []string
	Category       string
	UsageCount     int
	LastUsedAt     *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type UserVote string

const (
	VoteLike    UserVote = "like"
	VoteDislike UserVote = "dislike"
	VoteNone    UserVote = "none"
)

// Feedback holds at most one "current" row per conversation; history is
// retained via separate append-only rows in the feedback_history table.
type Feedback struct {
	ID             int64
	ConversationID string
	ExpertRating   *int
	UserVote       *UserVote
	LLMScore       *float64
	Timestamp      time.Time
}

type ToolCallRecord struct {
	ID         string
	MessageID  string
	ToolName   string
	Arguments  string
	ResultJSON string
	Success    bool
	CreatedAt  time.Time
}
