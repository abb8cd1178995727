package db

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"

	"cim/errs"
	"cim/models"
)

// FirstUserID is the id handed to the first registered user.
const FirstUserID = 1001

type DB struct {
	conn *sql.DB
}

func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	db := &DB{conn: conn}
	if err := db.init(); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT UNIQUE NOT NULL,
			secret TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS groups (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			creator INTEGER NOT NULL REFERENCES users(id)
		)`,
		`CREATE TABLE IF NOT EXISTS group_members (
			group_id INTEGER NOT NULL REFERENCES groups(id) ON DELETE CASCADE,
			user_id INTEGER NOT NULL REFERENCES users(id),
			PRIMARY KEY (group_id, user_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_group_members_user ON group_members(user_id)`,
		// user ids start at FirstUserID
		fmt.Sprintf(`INSERT INTO sqlite_sequence (name, seq)
			SELECT 'users', %d WHERE NOT EXISTS (SELECT 1 FROM sqlite_sequence WHERE name = 'users')`, FirstUserID-1),
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return err
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// User methods

// CreateUser stores a new user with a bcrypt-hashed secret.
func (db *DB) CreateUser(name, secret string) (int64, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return 0, err
	}

	res, err := db.conn.Exec("INSERT INTO users (name, secret) VALUES (?, ?)", name, string(hashed))
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("%w: %s", errs.ErrUserExists, name)
		}
		return 0, err
	}
	return res.LastInsertId()
}

// AuthenticateUser returns the user when name and secret match.
func (db *DB) AuthenticateUser(name, secret string) (models.User, error) {
	var u models.User
	err := db.conn.QueryRow("SELECT id, name, secret FROM users WHERE name = ?", name).Scan(&u.ID, &u.Name, &u.Secret)
	if err == sql.ErrNoRows {
		return models.User{}, errs.ErrAuthFailed
	}
	if err != nil {
		return models.User{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(u.Secret), []byte(secret)); err != nil {
		return models.User{}, errs.ErrAuthFailed
	}
	return u, nil
}

func (db *DB) GetUser(id int64) (models.User, error) {
	var u models.User
	err := db.conn.QueryRow("SELECT id, name, secret FROM users WHERE id = ?", id).Scan(&u.ID, &u.Name, &u.Secret)
	if err == sql.ErrNoRows {
		return models.User{}, fmt.Errorf("%w: user %d", errs.ErrNotFound, id)
	}
	return u, err
}

// SearchUsers matches pattern against user names.
func (db *DB) SearchUsers(pattern string, limit int) ([]models.User, error) {
	rows, err := db.conn.Query(
		"SELECT id, name FROM users WHERE name LIKE ? ESCAPE '\\' ORDER BY id LIMIT ?",
		"%"+escapeLike(pattern)+"%", limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.Name); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func escapeLike(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r == '%' || r == '_' || r == '\\' {
			out = append(out, '\\')
		}
		out = append(out, r)
	}
	return string(out)
}

// Group methods

// CreateGroup stores a group and makes its creator the first member.
func (db *DB) CreateGroup(name string, creator int64) (int64, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.Exec("INSERT INTO groups (name, creator) VALUES (?, ?)", name, creator)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	if _, err := tx.Exec("INSERT INTO group_members (group_id, user_id) VALUES (?, ?)", id, creator); err != nil {
		return 0, err
	}
	return id, tx.Commit()
}

func (db *DB) AddGroupMember(groupID, userID int64) error {
	if _, err := db.GetGroup(groupID); err != nil {
		return err
	}
	_, err := db.conn.Exec("INSERT OR IGNORE INTO group_members (group_id, user_id) VALUES (?, ?)", groupID, userID)
	return err
}

func (db *DB) RemoveGroupMember(groupID, userID int64) error {
	result, err := db.conn.Exec("DELETE FROM group_members WHERE group_id = ? AND user_id = ?", groupID, userID)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: user %d in group %d", errs.ErrNotFound, userID, groupID)
	}
	return nil
}

// GetGroup loads a group with its members ordered by user id.
func (db *DB) GetGroup(groupID int64) (models.Group, error) {
	g := models.Group{ID: groupID}
	err := db.conn.QueryRow("SELECT name, creator FROM groups WHERE id = ?", groupID).Scan(&g.Name, &g.Creator)
	if err == sql.ErrNoRows {
		return models.Group{}, fmt.Errorf("%w: group %d", errs.ErrNotFound, groupID)
	}
	if err != nil {
		return models.Group{}, err
	}

	rows, err := db.conn.Query("SELECT user_id FROM group_members WHERE group_id = ? ORDER BY user_id", groupID)
	if err != nil {
		return models.Group{}, err
	}
	defer rows.Close()

	for rows.Next() {
		var uid int64
		if err := rows.Scan(&uid); err != nil {
			return models.Group{}, err
		}
		g.Members = append(g.Members, uid)
	}
	return g, rows.Err()
}
