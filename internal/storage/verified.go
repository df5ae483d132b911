package storage

import (
	"context"
	"time"
)

// Verified users are explicitly trusted members (staff and the like). The
// security core only ever reads this set; it is populated through admin
// commands.

func (s *Store) AddVerifiedUser(ctx context.Context, guildID, userID, addedBy string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO verified_users (guild_id, user_id, added_by, added_at)
		VALUES (?, ?, ?, ?)
	`, guildID, userID, addedBy, time.Now().Unix())
	return err
}

func (s *Store) RemoveVerifiedUser(ctx context.Context, guildID, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM verified_users WHERE guild_id = ? AND user_id = ?`, guildID, userID)
	return err
}

func (s *Store) IsVerifiedUser(ctx context.Context, guildID, userID string) (bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM verified_users WHERE guild_id = ? AND user_id = ?
	`, guildID, userID)
	var count int
	if err := row.Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *Store) ListVerifiedUsers(ctx context.Context, guildID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id FROM verified_users WHERE guild_id = ? ORDER BY added_at
	`, guildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, err
		}
		users = append(users, userID)
	}
	return users, rows.Err()
}
