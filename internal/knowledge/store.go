package knowledge

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/nl2sql/backend/pkg/logger"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	summary TEXT,
	source TEXT,
	has_error INTEGER DEFAULT 0
);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	extra_json TEXT,
	FOREIGN KEY(conversation_id) REFERENCES conversations(id)
);
CREATE INDEX IF NOT EXISTS idx_messages_conv ON messages(conversation_id, created_at);

CREATE TABLE IF NOT EXISTS time_rules (
	keyword TEXT PRIMARY KEY,
	rule_type TEXT NOT NULL,
	value TEXT,
	description TEXT,
	priority INTEGER DEFAULT 0
);

CREATE TABLE IF NOT EXISTS business_terms (
	keyword TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	value TEXT,
	description TEXT,
	priority INTEGER DEFAULT 0
);

CREATE TABLE IF NOT EXISTS field_mappings (
	keyword TEXT PRIMARY KEY,
	table_name TEXT NOT NULL,
	column_name TEXT NOT NULL,
	description TEXT,
	priority INTEGER DEFAULT 0
);

CREATE TABLE IF NOT EXISTS prompt_versions (
	name TEXT NOT NULL,
	version TEXT NOT NULL,
	body TEXT NOT NULL,
	is_active INTEGER DEFAULT 0,
	created_at DATETIME NOT NULL,
	PRIMARY KEY(name, version)
);
CREATE INDEX IF NOT EXISTS idx_prompt_active ON prompt_versions(name, is_active);

CREATE TABLE IF NOT EXISTS user_profiles (
	user_id TEXT PRIMARY KEY,
	expertise TEXT DEFAULT 'beginner',
	preferred_chart TEXT,
	preferred_time_range TEXT,
	focus_dimensions TEXT,
	user_group TEXT DEFAULT 'user',
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS query_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL,
	raw_text TEXT NOT NULL,
	rewritten TEXT,
	detected_type TEXT,
	chart_type TEXT,
	dimensions TEXT,
	metrics TEXT,
	time_range TEXT,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_user ON query_history(user_id, created_at DESC);

CREATE TABLE IF NOT EXISTS qa_pairs (
	id TEXT PRIMARY KEY,
	question TEXT NOT NULL,
	sql TEXT NOT NULL,
	answer_preview TEXT,
	embedding BLOB,
	raw_score REAL DEFAULT 0,
	composite_score REAL DEFAULT 0,
	quality_score REAL DEFAULT 0,
	source TEXT,
	tags TEXT,
	category TEXT,
	usage_count INTEGER DEFAULT 0,
	last_used_at DATETIME,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_qa_composite ON qa_pairs(composite_score DESC);
CREATE INDEX IF NOT EXISTS idx_qa_quality ON qa_pairs(quality_score DESC);
CREATE INDEX IF NOT EXISTS idx_qa_source ON qa_pairs(source);

CREATE TABLE IF NOT EXISTS feedback_current (
	conversation_id TEXT PRIMARY KEY,
	expert_rating INTEGER,
	user_vote TEXT,
	llm_score REAL,
	ts DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS feedback_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id TEXT NOT NULL,
	expert_rating INTEGER,
	user_vote TEXT,
	llm_score REAL,
	ts DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS tool_call_records (
	id TEXT PRIMARY KEY,
	message_id TEXT NOT NULL,
	tool_name TEXT NOT NULL,
	arguments TEXT,
	result_json TEXT,
	success INTEGER,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_toolcalls_msg ON tool_call_records(message_id);
`

// Store is the C1 Knowledge Store: a single SQLite-backed durable database
// with per-entity serialized writes and shared-lock reads, plus an
// in-process hot-reloadable dictionary cache (see cache.go).
type Store struct {
	db *sql.DB

	// promptMu serializes prompt-version activation so "exactly one active
	// per name" holds even though SQLite's own WAL locking alone does not
	// guarantee the read-then-deactivate-then-activate sequence is atomic
	// across concurrent activations of the same name.
	promptMu sync.Mutex

	cache *DictCache
}

func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	s := &Store{db: db, cache: NewDictCache()}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) InitSchema() error {
	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// --- Conversations & Messages (C1 + C8 persist/loadTranscript) ---

func (s *Store) StartConversation(ctx context.Context, id, userID, source string) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, user_id, created_at, updated_at, source, has_error)
		VALUES (?, ?, ?, ?, ?, 0)
		ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at
	`, id, userID, now, now, source)
	return err
}

func (s *Store) TouchConversation(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, time.Now(), id)
	return err
}

func (s *Store) MarkConversationError(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE conversations SET has_error = 1 WHERE id = ?`, id)
	return err
}

func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, user_id, created_at, updated_at, summary, source, has_error FROM conversations WHERE id = ?`, id)
	var c Conversation
	var summary, source sql.NullString
	var hasErr int
	if err := row.Scan(&c.ID, &c.UserID, &c.CreatedAt, &c.UpdatedAt, &summary, &source, &hasErr); err != nil {
		return nil, err
	}
	c.Summary = summary.String
	c.Source = source.String
	c.HasError = hasErr != 0
	return &c, nil
}

func (s *Store) ListConversations(ctx context.Context, userID string) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, user_id, created_at, updated_at, summary, source, has_error FROM conversations WHERE user_id = ? ORDER BY updated_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Conversation
	for rows.Next() {
		var c Conversation
		var summary, source sql.NullString
		var hasErr int
		if err := rows.Scan(&c.ID, &c.UserID, &c.CreatedAt, &c.UpdatedAt, &summary, &source, &hasErr); err != nil {
			return nil, err
		}
		c.Summary = summary.String
		c.Source = source.String
		c.HasError = hasErr != 0
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// PersistMessage stores a single message transactionally, per §4.6's
// "Storage is transactional per message."
func (s *Store) PersistMessage(ctx context.Context, msg *Message) error {
	var extraJSON []byte
	var err error
	if msg.Extra != nil {
		extraJSON, err = json.Marshal(msg.Extra)
		if err != nil {
			return fmt.Errorf("marshal extra: %w", err)
		}
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, role, content, created_at, extra_json)
		VALUES (?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.ConversationID, string(msg.Role), msg.Content, msg.CreatedAt, string(extraJSON))
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, time.Now(), msg.ConversationID); err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return tx.Commit()
}

// MergeMessageExtra merges newExtra onto the most recent message of the
// given role in the conversation, new fields winning over old.
func (s *Store) MergeMessageExtra(ctx context.Context, conversationID string, role Role, newExtra *MessageExtra) error {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, extra_json FROM messages
		WHERE conversation_id = ? AND role = ?
		ORDER BY created_at DESC LIMIT 1
	`, conversationID, string(role))
	var id string
	var existingJSON sql.NullString
	if err := row.Scan(&id, &existingJSON); err != nil {
		return fmt.Errorf("find message to merge: %w", err)
	}
	merged := &MessageExtra{}
	if existingJSON.Valid && existingJSON.String != "" {
		if err := json.Unmarshal([]byte(existingJSON.String), merged); err != nil {
			logger.Warn("failed to unmarshal existing extra, overwriting", zap.Error(err))
			merged = &MessageExtra{}
		}
	}
	mergeExtra(merged, newExtra)
	buf, err := json.Marshal(merged)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `UPDATE messages SET extra_json = ? WHERE id = ?`, string(buf), id)
	return err
}

func mergeExtra(dst, src *MessageExtra) {
	if src.SQL != "" {
		dst.SQL = src.SQL
	}
	if src.FileHash != "" {
		dst.FileHash = src.FileHash
	}
	if src.ChartHint != nil {
		dst.ChartHint = src.ChartHint
	}
	if len(src.ReasoningSteps) > 0 {
		dst.ReasoningSteps = src.ReasoningSteps
	}
	if len(src.SemanticTokens) > 0 {
		dst.SemanticTokens = src.SemanticTokens
	}
	if len(src.SelectedTables) > 0 {
		dst.SelectedTables = src.SelectedTables
	}
	if len(src.KnowledgeItems) > 0 {
		dst.KnowledgeItems = src.KnowledgeItems
	}
	if src.FewShotDebug != nil {
		dst.FewShotDebug = src.FewShotDebug
	}
	if src.SQLRejected {
		dst.SQLRejected = true
	}
	if src.Aborted {
		dst.Aborted = true
	}
	if src.ErrorMessage != "" {
		dst.ErrorMessage = src.ErrorMessage
	}
}

func (s *Store) LoadTranscript(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, created_at, extra_json
		FROM messages WHERE conversation_id = ? ORDER BY created_at ASC
	`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Message
	for rows.Next() {
		var m Message
		var role string
		var extraJSON sql.NullString
		if err := rows.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &m.CreatedAt, &extraJSON); err != nil {
			return nil, err
		}
		m.Role = Role(role)
		if extraJSON.Valid && extraJSON.String != "" {
			var e MessageExtra
			if err := json.Unmarshal([]byte(extraJSON.String), &e); err == nil {
				m.Extra = &e
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- Time rules / business terms / field mappings (hot-reloaded) ---

func (s *Store) UpsertTimeRule(ctx context.Context, r TimeRule) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO time_rules (keyword, rule_type, value, description, priority)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(keyword) DO UPDATE SET rule_type=excluded.rule_type, value=excluded.value,
			description=excluded.description, priority=excluded.priority
	`, r.Keyword, r.RuleType, r.Value, r.Description, r.Priority)
	if err == nil {
		s.reloadDicts(ctx)
	}
	return err
}

func (s *Store) UpsertBusinessTerm(ctx context.Context, t BusinessTerm) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO business_terms (keyword, type, value, description, priority)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(keyword) DO UPDATE SET type=excluded.type, value=excluded.value,
			description=excluded.description, priority=excluded.priority
	`, t.Keyword, string(t.Type), t.Value, t.Description, t.Priority)
	if err == nil {
		s.reloadDicts(ctx)
	}
	return err
}

func (s *Store) UpsertFieldMapping(ctx context.Context, f FieldMapping) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO field_mappings (keyword, table_name, column_name, description, priority)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(keyword) DO UPDATE SET table_name=excluded.table_name, column_name=excluded.column_name,
			description=excluded.description, priority=excluded.priority
	`, f.Keyword, f.Table, f.Column, f.Description, f.Priority)
	if err == nil {
		s.reloadDicts(ctx)
	}
	return err
}

func (s *Store) DeleteTimeRule(ctx context.Context, keyword string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM time_rules WHERE keyword = ?`, keyword)
	if err == nil {
		s.reloadDicts(ctx)
	}
	return err
}

func (s *Store) DeleteBusinessTerm(ctx context.Context, keyword string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM business_terms WHERE keyword = ?`, keyword)
	if err == nil {
		s.reloadDicts(ctx)
	}
	return err
}

func (s *Store) DeleteFieldMapping(ctx context.Context, keyword string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM field_mappings WHERE keyword = ?`, keyword)
	if err == nil {
		s.reloadDicts(ctx)
	}
	return err
}

func (s *Store) ListTimeRules(ctx context.Context) ([]TimeRule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT keyword, rule_type, value, description, priority FROM time_rules`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TimeRule
	for rows.Next() {
		var r TimeRule
		if err := rows.Scan(&r.Keyword, &r.RuleType, &r.Value, &r.Description, &r.Priority); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) ListBusinessTerms(ctx context.Context) ([]BusinessTerm, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT keyword, type, value, description, priority FROM business_terms`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []BusinessTerm
	for rows.Next() {
		var t BusinessTerm
		var typ string
		if err := rows.Scan(&t.Keyword, &typ, &t.Value, &t.Description, &t.Priority); err != nil {
			return nil, err
		}
		t.Type = BusinessTermType(typ)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) ListFieldMappings(ctx context.Context) ([]FieldMapping, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT keyword, table_name, column_name, description, priority FROM field_mappings`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []FieldMapping
	for rows.Next() {
		var f FieldMapping
		if err := rows.Scan(&f.Keyword, &f.Table, &f.Column, &f.Description, &f.Priority); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// reloadDicts refreshes the in-process dictionary cache after a CRUD
// mutation; failures are logged, not returned, since callers already
// committed the write and a stale cache merely degrades tokenization until
// the next successful reload.
func (s *Store) reloadDicts(ctx context.Context) {
	rules, err := s.ListTimeRules(ctx)
	if err != nil {
		logger.Warn("reload time rules failed", zap.Error(err))
		return
	}
	terms, err := s.ListBusinessTerms(ctx)
	if err != nil {
		logger.Warn("reload business terms failed", zap.Error(err))
		return
	}
	mappings, err := s.ListFieldMappings(ctx)
	if err != nil {
		logger.Warn("reload field mappings failed", zap.Error(err))
		return
	}
	s.cache.Swap(rules, terms, mappings)
}

// LoadDicts performs the initial cache population at startup.
func (s *Store) LoadDicts(ctx context.Context) error {
	s.reloadDicts(ctx)
	return nil
}

func (s *Store) Dicts() *DictCache { return s.cache }

// --- Prompt versions ---

func (s *Store) UpsertPromptVersion(ctx context.Context, name, version, body string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO prompt_versions (name, version, body, is_active, created_at)
		VALUES (?, ?, ?, 0, ?)
		ON CONFLICT(name, version) DO UPDATE SET body = excluded.body
	`, name, version, body, time.Now())
	return err
}

// ActivatePromptVersion atomically deactivates every sibling version of
// `name` and activates `version`, satisfying invariant 3 of §8.
func (s *Store) ActivatePromptVersion(ctx context.Context, name, version string) error {
	s.promptMu.Lock()
	defer s.promptMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE prompt_versions SET is_active = 0 WHERE name = ?`, name)
	if err != nil {
		return err
	}
	_ = res
	r, err := tx.ExecContext(ctx, `UPDATE prompt_versions SET is_active = 1 WHERE name = ? AND version = ?`, name, version)
	if err != nil {
		return err
	}
	n, err := r.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("prompt version %s/%s not found", name, version)
	}
	return tx.Commit()
}

func (s *Store) GetActivePromptVersion(ctx context.Context, name string) (*PromptVersion, error) {
	row := s.db.QueryRowContext(ctx, `SELECT name, version, body, is_active, created_at FROM prompt_versions WHERE name = ? AND is_active = 1`, name)
	var p PromptVersion
	var active int
	if err := row.Scan(&p.Name, &p.Version, &p.Body, &active, &p.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	p.IsActive = active != 0
	return &p, nil
}

func (s *Store) ListPromptVersions(ctx context.Context, name string) ([]PromptVersion, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, version, body, is_active, created_at FROM prompt_versions WHERE name = ? ORDER BY created_at DESC`, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PromptVersion
	for rows.Next() {
		var p PromptVersion
		var active int
		if err := rows.Scan(&p.Name, &p.Version, &p.Body, &active, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.IsActive = active != 0
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- User profiles & query history ---

func (s *Store) GetUserProfile(ctx context.Context, userID string) (*UserProfile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT user_id, expertise, preferred_chart, preferred_time_range, focus_dimensions, user_group, updated_at FROM user_profiles WHERE user_id = ?`, userID)
	var p UserProfile
	var expertise, group string
	var chart, timeRange, dims sql.NullString
	if err := row.Scan(&p.UserID, &expertise, &chart, &timeRange, &dims, &group, &p.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return &UserProfile{UserID: userID, Expertise: ExpertiseBeginner, Group: GroupUser, UpdatedAt: time.Now()}, nil
		}
		return nil, err
	}
	p.Expertise = Expertise(expertise)
	p.Group = UserGroup(group)
	p.PreferredChart = chart.String
	p.PreferredTimeRange = timeRange.String
	if dims.Valid && dims.String != "" {
		_ = json.Unmarshal([]byte(dims.String), &p.FocusDimensions)
	}
	return &p, nil
}

func (s *Store) UpsertUserProfile(ctx context.Context, p *UserProfile) error {
	if len(p.FocusDimensions) > 5 {
		p.FocusDimensions = p.FocusDimensions[:5]
	}
	dims, err := json.Marshal(p.FocusDimensions)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO user_profiles (user_id, expertise, preferred_chart, preferred_time_range, focus_dimensions, user_group, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET expertise=excluded.expertise, preferred_chart=excluded.preferred_chart,
			preferred_time_range=excluded.preferred_time_range, focus_dimensions=excluded.focus_dimensions,
			user_group=excluded.user_group, updated_at=excluded.updated_at
	`, p.UserID, string(p.Expertise), p.PreferredChart, p.PreferredTimeRange, string(dims), string(p.Group), time.Now())
	return err
}

func (s *Store) AppendQueryHistory(ctx context.Context, h *QueryHistory) error {
	dims, _ := json.Marshal(h.Dimensions)
	metrics, _ := json.Marshal(h.Metrics)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO query_history (user_id, raw_text, rewritten, detected_type, chart_type, dimensions, metrics, time_range, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, h.UserID, h.RawText, h.Rewritten, h.DetectedType, h.ChartType, string(dims), string(metrics), h.TimeRange, time.Now())
	return err
}

func (s *Store) RecentQueryHistory(ctx context.Context, userID string, limit int) ([]QueryHistory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, raw_text, rewritten, detected_type, chart_type, dimensions, metrics, time_range, created_at
		FROM query_history WHERE user_id = ? ORDER BY created_at DESC LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []QueryHistory
	for rows.Next() {
		var h QueryHistory
		var dims, metrics string
		if err := rows.Scan(&h.ID, &h.UserID, &h.RawText, &h.Rewritten, &h.DetectedType, &h.ChartType, &dims, &metrics, &h.TimeRange, &h.CreatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(dims), &h.Dimensions)
		_ = json.Unmarshal([]byte(metrics), &h.Metrics)
		out = append(out, h)
	}
	return out, rows.Err()
}

// --- QA pairs (RAG corpus, C9 storage surface) ---

func (s *Store) InsertQAPair(ctx context.Context, q *QAPair) error {
	tags, _ := json.Marshal(q.Tags)
	embBytes := encodeEmbedding(q.Embedding)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO qa_pairs (id, question, sql, answer_preview, embedding, raw_score, composite_score, quality_score,
			source, tags, category, usage_count, last_used_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, q.ID, q.Question, q.SQL, q.AnswerPreview, embBytes, q.RawScore, q.CompositeScore, q.QualityScore,
		string(q.Source), string(tags), q.Category, q.UsageCount, q.LastUsedAt, q.CreatedAt, q.UpdatedAt)
	return err
}

func (s *Store) UpdateQAPairScore(ctx context.Context, id string, composite, quality float64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE qa_pairs SET composite_score = ?, quality_score = ?, updated_at = ? WHERE id = ?`,
		composite, quality, time.Now(), id)
	return err
}

func (s *Store) IncrementQAPairUsage(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE qa_pairs SET usage_count = usage_count + 1, last_used_at = ? WHERE id = ?`, time.Now(), id)
	return err
}

func (s *Store) GetQAPair(ctx context.Context, id string) (*QAPair, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, question, sql, answer_preview, embedding, raw_score, composite_score, quality_score,
			source, tags, category, usage_count, last_used_at, created_at, updated_at
		FROM qa_pairs WHERE id = ?
	`, id)
	return scanQAPair(row)
}

func scanQAPair(row *sql.Row) (*QAPair, error) {
	var q QAPair
	var source, tags, category sql.NullString
	var embBytes []byte
	var lastUsed sql.NullTime
	if err := row.Scan(&q.ID, &q.Question, &q.SQL, &q.AnswerPreview, &embBytes, &q.RawScore, &q.CompositeScore,
		&q.QualityScore, &source, &tags, &category, &q.UsageCount, &lastUsed, &q.CreatedAt, &q.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	q.Source = QASource(source.String)
	q.Category = category.String
	if tags.Valid && tags.String != "" {
		_ = json.Unmarshal([]byte(tags.String), &q.Tags)
	}
	q.Embedding = decodeEmbedding(embBytes)
	if lastUsed.Valid {
		t := lastUsed.Time
		q.LastUsedAt = &t
	}
	return &q, nil
}

// ListQAPairsForScan returns every QA pair for brute-force similarity scans
// (C9's dedup lookup; the vector index
// in internal/embedding covers the cosine top-K path at scale).
func (s *Store) ListQAPairsForScan(ctx context.Context) ([]QAPair, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, question, sql, answer_preview, embedding, raw_score, composite_score, quality_score,
			source, tags, category, usage_count, last_used_at, created_at, updated_at
		FROM qa_pairs
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []QAPair
	for rows.Next() {
		var q QAPair
		var source, tags, category sql.NullString
		var embBytes []byte
		var lastUsed sql.NullTime
		if err := rows.Scan(&q.ID, &q.Question, &q.SQL, &q.AnswerPreview, &embBytes, &q.RawScore, &q.CompositeScore,
			&q.QualityScore, &source, &tags, &category, &q.UsageCount, &lastUsed, &q.CreatedAt, &q.UpdatedAt); err != nil {
			return nil, err
		}
		q.Source = QASource(source.String)
		q.Category = category.String
		if tags.Valid && tags.String != "" {
			_ = json.Unmarshal([]byte(tags.String), &q.Tags)
		}
		q.Embedding = decodeEmbedding(embBytes)
		if lastUsed.Valid {
			t := lastUsed.Time
			q.LastUsedAt = &t
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// EvictLowValueQAPairs deletes entries with composite < threshold AND
// usage_count = 0 AND age > maxAge, per §4.7's eviction rule. Returns the
// number of rows removed.
func (s *Store) EvictLowValueQAPairs(ctx context.Context, compositeThreshold float64, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge)
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM qa_pairs WHERE composite_score < ? AND usage_count = 0 AND created_at < ?
	`, compositeThreshold, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) ListQAPairsByScoreDesc(ctx context.Context, minScore float64, limit int) ([]QAPair, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, question, sql, answer_preview, embedding, raw_score, composite_score, quality_score,
			source, tags, category, usage_count, last_used_at, created_at, updated_at
		FROM qa_pairs WHERE composite_score >= ? ORDER BY composite_score DESC LIMIT ?
	`, minScore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []QAPair
	for rows.Next() {
		var q QAPair
		var source, tags, category sql.NullString
		var embBytes []byte
		var lastUsed sql.NullTime
		if err := rows.Scan(&q.ID, &q.Question, &q.SQL, &q.AnswerPreview, &embBytes, &q.RawScore, &q.CompositeScore,
			&q.QualityScore, &source, &tags, &category, &q.UsageCount, &lastUsed, &q.CreatedAt, &q.UpdatedAt); err != nil {
			return nil, err
		}
		q.Source = QASource(source.String)
		q.Category = category.String
		if tags.Valid && tags.String != "" {
			_ = json.Unmarshal([]byte(tags.String), &q.Tags)
		}
		q.Embedding = decodeEmbedding(embBytes)
		if lastUsed.Valid {
			t := lastUsed.Time
			q.LastUsedAt = &t
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// --- Feedback (C8 write-through) ---

func (s *Store) WriteFeedback(ctx context.Context, f *Feedback) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var vote sql.NullString
	if f.UserVote != nil {
		vote = sql.NullString{String: string(*f.UserVote), Valid: true}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO feedback_current (conversation_id, expert_rating, user_vote, llm_score, ts)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			expert_rating = COALESCE(excluded.expert_rating, feedback_current.expert_rating),
			user_vote = COALESCE(excluded.user_vote, feedback_current.user_vote),
			llm_score = COALESCE(excluded.llm_score, feedback_current.llm_score),
			ts = excluded.ts
	`, f.ConversationID, f.ExpertRating, vote, f.LLMScore, f.Timestamp)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO feedback_history (conversation_id, expert_rating, user_vote, llm_score, ts)
		VALUES (?, ?, ?, ?, ?)
	`, f.ConversationID, f.ExpertRating, vote, f.LLMScore, f.Timestamp)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) GetCurrentFeedback(ctx context.Context, conversationID string) (*Feedback, error) {
	row := s.db.QueryRowContext(ctx, `SELECT conversation_id, expert_rating, user_vote, llm_score, ts FROM feedback_current WHERE conversation_id = ?`, conversationID)
	var f Feedback
	var rating sql.NullInt64
	var vote sql.NullString
	var llm sql.NullFloat64
	if err := row.Scan(&f.ConversationID, &rating, &vote, &llm, &f.Timestamp); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if rating.Valid {
		v := int(rating.Int64)
		f.ExpertRating = &v
	}
	if vote.Valid {
		v := UserVote(vote.String)
		f.UserVote = &v
	}
	if llm.Valid {
		f.LLMScore = &llm.Float64
	}
	return &f, nil
}

// --- Tool call records ---

func (s *Store) InsertToolCallRecord(ctx context.Context, r *ToolCallRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_call_records (id, message_id, tool_name, arguments, result_json, success, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.MessageID, r.ToolName, r.Arguments, r.ResultJSON, r.Success, r.CreatedAt)
	return err
}

func (s *Store) ToolCallRecordsForMessage(ctx context.Context, messageID string) ([]ToolCallRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, message_id, tool_name, arguments, result_json, success, created_at FROM tool_call_records WHERE message_id = ?`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ToolCallRecord
	for rows.Next() {
		var r ToolCallRecord
		var success int
		if err := rows.Scan(&r.ID, &r.MessageID, &r.ToolName, &r.Arguments, &r.ResultJSON, &success, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Success = success != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecentToolCallRecords lists the most recent tool dispatches across all
// conversations, for the memory introspection API.
func (s *Store) RecentToolCallRecords(ctx context.Context, limit int) ([]ToolCallRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, message_id, tool_name, arguments, result_json, success, created_at
		FROM tool_call_records ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ToolCallRecord
	for rows.Next() {
		var r ToolCallRecord
		var success int
		if err := rows.Scan(&r.ID, &r.MessageID, &r.ToolName, &r.Arguments, &r.ResultJSON, &success, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Success = success != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecentQueryTexts lists the most recent analyzed question texts across all
// users, for the memory introspection API.
func (s *Store) RecentQueryTexts(ctx context.Context, limit int) ([]QueryHistory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, raw_text, rewritten, detected_type, chart_type, dimensions, metrics, time_range, created_at
		FROM query_history ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []QueryHistory
	for rows.Next() {
		var h QueryHistory
		var dims, metrics string
		if err := rows.Scan(&h.ID, &h.UserID, &h.RawText, &h.Rewritten, &h.DetectedType, &h.ChartType, &dims, &metrics, &h.TimeRange, &h.CreatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(dims), &h.Dimensions)
		_ = json.Unmarshal([]byte(metrics), &h.Metrics)
		out = append(out, h)
	}
	return out, rows.Err()
}

// --- embedding blob codec shared by all float32-vector columns ---

func encodeEmbedding(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	b := make([]byte, len(v)*4)
	for i, f := range v {
		bits := math.Float32bits(f)
		b[i*4] = byte(bits)
		b[i*4+1] = byte(bits >> 8)
		b[i*4+2] = byte(bits >> 16)
		b[i*4+3] = byte(bits >> 24)
	}
	return b
}

func decodeEmbedding(b []byte) []float32 {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		bits := uint32(b[i*4]) | uint32(b[i*4+1])<<8 | uint32(b[i*4+2])<<16 | uint32(b[i*4+3])<<24
		out[i] = math.Float32frombits(bits)
	}
	return out
}

func tagsToCSV(tags []string) string { return strings.Join(tags, ",") }
