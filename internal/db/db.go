package db

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"           // Postgres driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"rentchat/internal/models"
)

var ErrNotFound = fmt.Errorf("not found")

type DB struct {
	*sql.DB
	driver string
}

// NewDB opens the database and creates the schema. driver is "sqlite3" or
// "postgres"; for sqlite3 dsn is a file path or ":memory:".
func NewDB(driver, dsn string) (*DB, error) {
	if driver == "sqlite3" && dsn != ":memory:" {
		dbDir := filepath.Dir(dsn)
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return nil, fmt.Errorf("error creating database directory: %v", err)
		}
	}

	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %v", err)
	}
	if driver == "sqlite3" {
		// a single connection keeps ":memory:" databases shared
		conn.SetMaxOpenConns(1)
	}

	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("error connecting to the database: %v", err)
	}

	db := &DB{DB: conn, driver: driver}
	if err := db.initSchema(); err != nil {
		return nil, fmt.Errorf("error initializing schema: %v", err)
	}

	return db, nil
}

func (db *DB) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT UNIQUE NOT NULL,
			password TEXT NOT NULL,
			first_name TEXT NOT NULL,
			last_name TEXT NOT NULL,
			role TEXT NOT NULL,
			avatar TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			title TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS conversation_participants (
			conversation_id TEXT,
			user_id TEXT,
			joined_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (conversation_id, user_id),
			FOREIGN KEY (conversation_id) REFERENCES conversations(id),
			FOREIGN KEY (user_id) REFERENCES users(id)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT UNIQUE NOT NULL,
			conversation_id TEXT,
			sender_id TEXT,
			text TEXT NOT NULL,
			parent_message_id TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id),
			FOREIGN KEY (sender_id) REFERENCES users(id)
		)`,
		`CREATE TABLE IF NOT EXISTS message_reads (
			message_id TEXT,
			user_id TEXT,
			read_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (message_id, user_id)
		)`,
	}

	for _, query := range queries {
		if db.driver == "postgres" {
			query = strings.ReplaceAll(query, "INTEGER PRIMARY KEY AUTOINCREMENT", "SERIAL PRIMARY KEY")
			query = strings.ReplaceAll(query, "DATETIME", "TIMESTAMP")
		}
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute schema query: %v", err)
		}
	}

	return nil
}

// rebind turns ? placeholders into $n for postgres.
func (db *DB) rebind(query string) string {
	if db.driver != "postgres" {
		return query
	}
	n := strings.Count(query, "?")
	for i := 1; i <= n; i++ {
		query = strings.Replace(query, "?", fmt.Sprintf("$%d", i), 1)
	}
	return query
}

// User methods
func (db *DB) CreateUser(u *models.User) (*models.User, error) {
	u.ID = uuid.NewString()
	u.CreatedAt = time.Now().UTC()
	_, err := db.Exec(db.rebind(
		"INSERT INTO users (id, email, password, first_name, last_name, role, avatar, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)"),
		u.ID, u.Email, u.Password, u.FirstName, u.LastName, u.Role, u.Avatar, u.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (db *DB) GetUserByEmail(email string) (*models.User, error) {
	user, err := db.scanUser(db.QueryRow(db.rebind(`
		SELECT id, email, password, first_name, last_name, role, COALESCE(avatar, ''), created_at
		FROM users
		WHERE email = ?
	`), email))
	if err != nil {
		if err == sql.ErrNoRows {
			log.Printf("No user found with email: %s", email)
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("database error: %v", err)
	}
	return user, nil
}

func (db *DB) GetUserByID(id string) (*models.User, error) {
	user, err := db.scanUser(db.QueryRow(db.rebind(`
		SELECT id, email, password, first_name, last_name, role, COALESCE(avatar, ''), created_at
		FROM users
		WHERE id = ?
	`), id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return user, err
}

func (db *DB) scanUser(row *sql.Row) (*models.User, error) {
	var u models.User
	if err := row.Scan(&u.ID, &u.Email, &u.Password, &u.FirstName, &u.LastName, &u.Role, &u.Avatar, &u.CreatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

// GetAvailableUsers returns every user except userID, by name.
func (db *DB) GetAvailableUsers(userID string) ([]models.User, error) {
	rows, err := db.Query(db.rebind(`
		SELECT id, email, first_name, last_name, role, COALESCE(avatar, ''), created_at
		FROM users
		WHERE id <> ?
		ORDER BY first_name, last_name
	`), userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %v", err)
	}
	defer rows.Close()

	users := []models.User{}
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.Email, &u.FirstName, &u.LastName, &u.Role, &u.Avatar, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan user: %v", err)
		}
		users = append(users, u)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating users: %v", err)
	}
	return users, nil
}

// Conversation methods
func (db *DB) CreateConversation(convType, title string, participants []string) (string, error) {
	tx, err := db.Begin()
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %v", err)
	}
	defer tx.Rollback()

	conversationID := uuid.NewString()
	_, err = tx.Exec(db.rebind(`
		INSERT INTO conversations (id, type, title, created_at)
		VALUES (?, ?, ?, ?)
	`), conversationID, convType, title, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("failed to create conversation: %v", err)
	}

	for _, userID := range participants {
		_, err = tx.Exec(db.rebind(`
			INSERT INTO conversation_participants (conversation_id, user_id)
			VALUES (?, ?)
		`), conversationID, userID)
		if err != nil {
			return "", fmt.Errorf("failed to add participant %s: %v", userID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit transaction: %v", err)
	}
	return conversationID, nil
}

// GetUserConversations returns userID's conversations with participants,
// last message preview and unread count, most recently active first.
func (db *DB) GetUserConversations(userID string) ([]models.Conversation, error) {
	rows, err := db.Query(db.rebind(`
		SELECT c.id, c.type, COALESCE(c.title, ''), c.created_at,
			COALESCE(lm.text, ''), lm.created_at,
			(SELECT COUNT(*) FROM messages m
				WHERE m.conversation_id = c.id
				AND m.sender_id <> ?
				AND NOT EXISTS (SELECT 1 FROM message_reads r WHERE r.message_id = m.id AND r.user_id = ?))
		FROM conversations c
		JOIN conversation_participants cp ON c.id = cp.conversation_id
		LEFT JOIN messages lm ON lm.seq = (SELECT MAX(m2.seq) FROM messages m2 WHERE m2.conversation_id = c.id)
		WHERE cp.user_id = ?
	`), userID, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %v", err)
	}

	conversations := []models.Conversation{}
	for rows.Next() {
		var (
			conv      models.Conversation
			createdAt time.Time
			lastAt    sql.NullTime
		)
		if err := rows.Scan(&conv.ID, &conv.Type, &conv.Title, &createdAt, &conv.LastMessage, &lastAt, &conv.UnreadCount); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan conversation: %v", err)
		}
		conv.LastActivity = createdAt
		if lastAt.Valid {
			conv.LastActivity = lastAt.Time
		}
		conversations = append(conversations, conv)
	}
	if err = rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating conversations: %v", err)
	}
	rows.Close()

	for i := range conversations {
		participants, err := db.GetConversationParticipants(conversations[i].ID)
		if err != nil {
			return nil, err
		}
		conversations[i].Participants = participants
	}

	sort.SliceStable(conversations, func(i, j int) bool {
		return conversations[i].LastActivity.After(conversations[j].LastActivity)
	})
	return conversations, nil
}

func (db *DB) GetConversationParticipants(conversationID string) ([]models.Participant, error) {
	rows, err := db.Query(db.rebind(`
		SELECT u.id, u.first_name, u.last_name, u.role, COALESCE(u.avatar, '')
		FROM users u
		JOIN conversation_participants cp ON u.id = cp.user_id
		WHERE cp.conversation_id = ?
		ORDER BY u.first_name, u.last_name
	`), conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to get participants: %v", err)
	}
	defer rows.Close()

	participants := []models.Participant{}
	for rows.Next() {
		var p models.Participant
		if err := rows.Scan(&p.ID, &p.FirstName, &p.LastName, &p.Role, &p.Avatar); err != nil {
			return nil, fmt.Errorf("failed to scan participant: %v", err)
		}
		participants = append(participants, p)
	}
	return participants, rows.Err()
}

// GetConversationParticipantIDs returns all participant IDs for a conversation
func (db *DB) GetConversationParticipantIDs(conversationID string) ([]string, error) {
	rows, err := db.Query(db.rebind(`
		SELECT user_id
		FROM conversation_participants
		WHERE conversation_id = ?
	`), conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to get participants: %v", err)
	}
	defer rows.Close()

	var participantIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan participant ID: %v", err)
		}
		participantIDs = append(participantIDs, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating participants: %v", err)
	}

	return participantIDs, nil
}

func (db *DB) IsParticipant(conversationID, userID string) (bool, error) {
	var exists bool
	err := db.QueryRow(db.rebind(`
		SELECT EXISTS(SELECT 1 FROM conversation_participants WHERE conversation_id = ? AND user_id = ?)
	`), conversationID, userID).Scan(&exists)
	return exists, err
}

// GetExistingDirectConversation returns the id of the direct conversation
// between two users, or "" if there is none.
func (db *DB) GetExistingDirectConversation(userID1, userID2 string) (string, error) {
	var id string
	err := db.QueryRow(db.rebind(`
		SELECT c.id
		FROM conversations c
		JOIN conversation_participants cp1 ON c.id = cp1.conversation_id
		JOIN conversation_participants cp2 ON c.id = cp2.conversation_id
		WHERE c.type = 'direct'
		AND cp1.user_id = ?
		AND cp2.user_id = ?
		LIMIT 1
	`), userID1, userID2).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query existing conversation: %v", err)
	}
	return id, nil
}

// Message methods

// SaveMessage assigns an id and creation time and stores the message.
func (db *DB) SaveMessage(message *models.Message) (*models.Message, error) {
	message.ID = uuid.NewString()
	message.CreatedAt = time.Now().UTC()

	var parent interface{}
	if message.ParentMessageID != "" {
		parent = message.ParentMessageID
	}
	_, err := db.Exec(db.rebind(`
		INSERT INTO messages (id, conversation_id, sender_id, text, parent_message_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), message.ID, message.ConversationID, message.SenderID, message.Text, parent, message.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to save message: %v", err)
	}
	return message, nil
}

// GetMessage returns one message by id.
func (db *DB) GetMessage(id string) (*models.Message, error) {
	var m models.Message
	err := db.QueryRow(db.rebind(`
		SELECT id, conversation_id, sender_id, text, COALESCE(parent_message_id, ''), created_at
		FROM messages
		WHERE id = ?
	`), id).Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Text, &m.ParentMessageID, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// GetConversationMessages returns page (1 = newest) of a conversation's
// history. Items within the page are oldest first.
func (db *DB) GetConversationMessages(conversationID string, page, limit int) (*models.MessagePage, error) {
	if page < 1 {
		page = 1
	}
	rows, err := db.Query(db.rebind(`
		SELECT id, conversation_id, sender_id, text, COALESCE(parent_message_id, ''), created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY seq DESC
		LIMIT ? OFFSET ?
	`), conversationID, limit+1, (page-1)*limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		var msg models.Message
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Text, &msg.ParentMessageID, &msg.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	hasMore := len(messages) > limit
	if hasMore {
		messages = messages[:limit]
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return &models.MessagePage{Items: messages, Page: page, HasMore: hasMore}, nil
}

// MarkMessagesRead records userID as having read the given messages. Ids
// of messages outside userID's conversations are ignored.
func (db *DB) MarkMessagesRead(userID string, messageIDs []string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %v", err)
	}
	defer tx.Rollback()

	query := db.rebind(`
		INSERT INTO message_reads (message_id, user_id)
		SELECT m.id, ?
		FROM messages m
		JOIN conversation_participants cp ON cp.conversation_id = m.conversation_id AND cp.user_id = ?
		WHERE m.id = ?
		ON CONFLICT DO NOTHING
	`)
	for _, id := range messageIDs {
		if _, err := tx.Exec(query, userID, userID, id); err != nil {
			return fmt.Errorf("failed to mark message %s read: %v", id, err)
		}
	}
	return tx.Commit()
}
