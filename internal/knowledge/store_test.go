package knowledge

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	store, err := NewStore(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := store.InitSchema(); err != nil {
		t.Fatalf("InitSchema: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestConversationLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.StartConversation(ctx, "conv1", "user1", "chat"); err != nil {
		t.Fatalf("StartConversation: %v", err)
	}

	conv, err := store.GetConversation(ctx, "conv1")
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if conv.UserID != "user1" {
		t.Fatalf("got userID=%q want=%q", conv.UserID, "user1")
	}

	list, err := store.ListConversations(ctx, "user1")
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("got=%d conversations want=1", len(list))
	}

	if err := store.DeleteConversation(ctx, "conv1"); err != nil {
		t.Fatalf("DeleteConversation: %v", err)
	}
	if _, err := store.GetConversation(ctx, "conv1"); err == nil {
		t.Fatalf("expected an error fetching a deleted conversation")
	}
}

func TestPersistMessageRoundTripsExtra(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.StartConversation(ctx, "conv1", "user1", "chat"); err != nil {
		t.Fatalf("StartConversation: %v", err)
	}

	msg := &Message{
		ID: "m1", ConversationID: "conv1", Role: RoleAssistant, Content: "答案",
		CreatedAt: time.Now(),
		Extra: &MessageExtra{
			SQL: "SELECT 1 FROM sales", SQLRejected: true, SelectedTables: []string{"sales"},
		},
	}
	if err := store.PersistMessage(ctx, msg); err != nil {
		t.Fatalf("PersistMessage: %v", err)
	}

	transcript, err := store.LoadTranscript(ctx, "conv1")
	if err != nil {
		t.Fatalf("LoadTranscript: %v", err)
	}
	if len(transcript) != 1 {
		t.Fatalf("got=%d messages want=1", len(transcript))
	}
	got := transcript[0]
	if got.Extra == nil || got.Extra.SQL != "SELECT 1 FROM sales" {
		t.Fatalf("got extra=%+v want SQL round-tripped", got.Extra)
	}
	if !got.Extra.SQLRejected {
		t.Fatalf("got SQLRejected=false want=true to round-trip through the JSON column")
	}
	if len(got.Extra.SelectedTables) != 1 || got.Extra.SelectedTables[0] != "sales" {
		t.Fatalf("got selectedTables=%v want=[sales]", got.Extra.SelectedTables)
	}
}

func TestWriteFeedbackUpsertsCurrentAndAppendsHistory(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.StartConversation(ctx, "conv1", "user1", "chat"); err != nil {
		t.Fatalf("StartConversation: %v", err)
	}

	vote := VoteLike
	if err := store.WriteFeedback(ctx, &Feedback{ConversationID: "conv1", UserVote: &vote, Timestamp: time.Now()}); err != nil {
		t.Fatalf("WriteFeedback (1st): %v", err)
	}
	rating := 4
	if err := store.WriteFeedback(ctx, &Feedback{ConversationID: "conv1", ExpertRating: &rating, Timestamp: time.Now()}); err != nil {
		t.Fatalf("WriteFeedback (2nd): %v", err)
	}

	current, err := store.GetCurrentFeedback(ctx, "conv1")
	if err != nil {
		t.Fatalf("GetCurrentFeedback: %v", err)
	}
	if current == nil {
		t.Fatalf("expected a current feedback row after two writes")
	}
	if current.ExpertRating == nil || *current.ExpertRating != 4 {
		t.Fatalf("got expertRating=%v want=4 from the most recent write", current.ExpertRating)
	}

	var historyRows int
	if err := store.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM feedback_history WHERE conversation_id = ?`, "conv1").Scan(&historyRows); err != nil {
		t.Fatalf("count feedback_history: %v", err)
	}
	if historyRows != 2 {
		t.Fatalf("got=%d history rows want=2, one appended per write", historyRows)
	}
}

func TestGetCurrentFeedbackNilWhenNoneWritten(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.StartConversation(ctx, "conv1", "user1", "chat"); err != nil {
		t.Fatalf("StartConversation: %v", err)
	}
	fb, err := store.GetCurrentFeedback(ctx, "conv1")
	if err != nil {
		t.Fatalf("GetCurrentFeedback: %v", err)
	}
	if fb != nil {
		t.Fatalf("got=%+v want nil when no feedback has been written", fb)
	}
}

func TestGetUserProfileDefaultsGracefullyWhenMissing(t *testing.T) {
	store := newTestStore(t)
	profile, err := store.GetUserProfile(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("GetUserProfile: %v", err)
	}
	if profile.Group != GroupUser {
		t.Fatalf("got group=%q want=%q for a user with no stored profile", profile.Group, GroupUser)
	}
	if profile.Expertise != ExpertiseBeginner {
		t.Fatalf("got expertise=%q want=%q", profile.Expertise, ExpertiseBeginner)
	}
}

func TestRecentToolCallRecordsOrdersNewestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.StartConversation(ctx, "conv1", "user1", "chat"); err != nil {
		t.Fatalf("StartConversation: %v", err)
	}
	msg := &Message{ID: "m1", ConversationID: "conv1", Role: RoleAssistant, Content: "x", CreatedAt: time.Now()}
	if err := store.PersistMessage(ctx, msg); err != nil {
		t.Fatalf("PersistMessage: %v", err)
	}

	older := time.Now().Add(-time.Hour)
	newer := time.Now()
	_, err := store.db.ExecContext(ctx,
		`INSERT INTO tool_call_records (id, message_id, tool_name, arguments, result_json, success, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		"t1", "m1", "run_sql", "{}", "{}", true, older)
	if err != nil {
		t.Fatalf("seed older record: %v", err)
	}
	_, err = store.db.ExecContext(ctx,
		`INSERT INTO tool_call_records (id, message_id, tool_name, arguments, result_json, success, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		"t2", "m1", "visualize_data", "{}", "{}", true, newer)
	if err != nil {
		t.Fatalf("seed newer record: %v", err)
	}

	records, err := store.RecentToolCallRecords(ctx, 10)
	if err != nil {
		t.Fatalf("RecentToolCallRecords: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got=%d records want=2", len(records))
	}
	if records[0].ID != "t2" {
		t.Fatalf("got first record id=%q want=%q (newest first)", records[0].ID, "t2")
	}
}
