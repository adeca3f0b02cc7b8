package conversation

import (
	"context"
	"database/sql"
	"time"

	"gigchat/internal/db"

	"github.com/pkg/errors"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(conn *sql.DB) *Repository {
	return &Repository{db: conn}
}

const conversationColumns = `id, participant_key, kind, related_job, related_contract,
	last_message_id, last_message_at, is_active, created_at, updated_at`

func (r *Repository) FindOrCreate(ctx context.Context, c *Conversation) (*Conversation, bool, error) {
	created := false
	err := db.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO conversations (id, participant_key, kind, related_job, related_contract, is_active, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, TRUE, $6, $6)
			ON CONFLICT (participant_key) DO NOTHING`,
			c.ID, c.Key, c.Kind, c.RelatedJob, c.RelatedContract, c.CreatedAt)
		if err != nil {
			return errors.Wrap(err, "conversationRepo.FindOrCreate.Insert")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return errors.Wrap(err, "conversationRepo.FindOrCreate.RowsAffected")
		}
		if n == 0 {
			return nil
		}
		created = true
		for _, p := range c.Participants {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO conversation_participants (conversation_id, user_id)
				VALUES ($1, $2) ON CONFLICT DO NOTHING`, c.ID, p); err != nil {
				return errors.Wrap(err, "conversationRepo.FindOrCreate.InsertParticipant")
			}
		}
		return nil
	})
	if err != nil && !db.IsUniqueViolation(err) {
		return nil, false, err
	}
	if err != nil {
		// Lost a race on the key; the winner's row is what we want.
		created = false
	}

	found, err := r.getBy(ctx, "participant_key", c.Key)
	if err != nil {
		return nil, false, err
	}
	return found, created, nil
}

func (r *Repository) Get(ctx context.Context, id string) (*Conversation, error) {
	return r.getBy(ctx, "id", id)
}

func (r *Repository) getBy(ctx context.Context, column, value string) (*Conversation, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE `+column+` = $1`, value)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "conversationRepo.Get.Scan")
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT user_id, unread_count FROM conversation_participants
		WHERE conversation_id = $1 ORDER BY user_id`, c.ID)
	if err != nil {
		return nil, errors.Wrap(err, "conversationRepo.Get.Participants")
	}
	defer rows.Close()
	for rows.Next() {
		var user string
		var unread int
		if err := rows.Scan(&user, &unread); err != nil {
			return nil, errors.Wrap(err, "conversationRepo.Get.ScanParticipant")
		}
		c.Participants = append(c.Participants, user)
		c.UnreadCounts[user] = unread
	}
	return c, errors.Wrap(rows.Err(), "conversationRepo.Get.Rows")
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(s scanner) (*Conversation, error) {
	c := &Conversation{UnreadCounts: make(map[string]int)}
	var lastID sql.NullString
	var lastAt sql.NullTime
	err := s.Scan(&c.ID, &c.Key, &c.Kind, &c.RelatedJob, &c.RelatedContract,
		&lastID, &lastAt, &c.IsActive, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.LastMessageID = lastID.String
	if lastAt.Valid {
		t := lastAt.Time
		c.LastMessageAt = &t
	}
	return c, nil
}

func (r *Repository) ListForUser(ctx context.Context, userID string, includeArchived bool) ([]*Conversation, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+conversationColumns+` FROM conversations
		WHERE id IN (SELECT conversation_id FROM conversation_participants WHERE user_id = $1)
		  AND (is_active OR $2)
		ORDER BY COALESCE(last_message_at, created_at) DESC`, userID, includeArchived)
	if err != nil {
		return nil, errors.Wrap(err, "conversationRepo.ListForUser.Query")
	}
	defer rows.Close()

	var out []*Conversation
	byID := make(map[string]*Conversation)
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, errors.Wrap(err, "conversationRepo.ListForUser.Scan")
		}
		out = append(out, c)
		byID[c.ID] = c
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "conversationRepo.ListForUser.Rows")
	}
	if len(out) == 0 {
		return out, nil
	}

	prow, err := r.db.QueryContext(ctx, `
		SELECT conversation_id, user_id, unread_count FROM conversation_participants
		WHERE conversation_id IN (SELECT conversation_id FROM conversation_participants WHERE user_id = $1)
		ORDER BY conversation_id, user_id`, userID)
	if err != nil {
		return nil, errors.Wrap(err, "conversationRepo.ListForUser.Participants")
	}
	defer prow.Close()
	for prow.Next() {
		var convID, user string
		var unread int
		if err := prow.Scan(&convID, &user, &unread); err != nil {
			return nil, errors.Wrap(err, "conversationRepo.ListForUser.ScanParticipant")
		}
		if c, ok := byID[convID]; ok {
			c.Participants = append(c.Participants, user)
			c.UnreadCounts[user] = unread
		}
	}
	return out, errors.Wrap(prow.Err(), "conversationRepo.ListForUser.ParticipantRows")
}

func (r *Repository) ApplyMessage(ctx context.Context, conversationID string, ref MessageRef) (bool, error) {
	applied := false
	err := db.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = $1 FOR UPDATE`, conversationID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return errors.Wrap(err, "conversationRepo.ApplyMessage.Lock")
		}

		var settled bool
		if err := tx.QueryRowContext(ctx, `
			SELECT EXISTS (SELECT 1 FROM conversation_settled_messages WHERE message_id = $1)`, ref.ID).Scan(&settled); err != nil {
			return errors.Wrap(err, "conversationRepo.ApplyMessage.Settled")
		}
		counted := ref.CountUnread && !settled

		res, err := tx.ExecContext(ctx, `
			INSERT INTO conversation_applied_messages (message_id, conversation_id, sender_id, counted)
			VALUES ($1, $2, $3, $4) ON CONFLICT (message_id) DO NOTHING`, ref.ID, conversationID, ref.Sender, counted)
		if err != nil {
			return errors.Wrap(err, "conversationRepo.ApplyMessage.Mark")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		applied = true

		if _, err := tx.ExecContext(ctx, `
			UPDATE conversations SET
				last_message_id = CASE WHEN last_message_at IS NULL OR last_message_at <= $3::timestamptz
					THEN $2::uuid ELSE last_message_id END,
				last_message_at = GREATEST(COALESCE(last_message_at, $3::timestamptz), $3::timestamptz),
				is_active = TRUE,
				updated_at = now()
			WHERE id = $1`, conversationID, ref.ID, ref.CreatedAt); err != nil {
			return errors.Wrap(err, "conversationRepo.ApplyMessage.Touch")
		}

		if counted {
			if _, err := tx.ExecContext(ctx, `
				UPDATE conversation_participants SET unread_count = unread_count + 1
				WHERE conversation_id = $1 AND user_id <> $2`, conversationID, ref.Sender); err != nil {
				return errors.Wrap(err, "conversationRepo.ApplyMessage.Increment")
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

func (r *Repository) ResetUnread(ctx context.Context, conversationID, userID string) error {
	return db.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE conversation_participants SET unread_count = 0
			WHERE conversation_id = $1 AND user_id = $2`, conversationID, userID); err != nil {
			return errors.Wrap(err, "conversationRepo.ResetUnread")
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE conversation_applied_messages SET counted = FALSE
			WHERE conversation_id = $1 AND sender_id <> $2 AND counted`, conversationID, userID)
		return errors.Wrap(err, "conversationRepo.ResetUnread.Release")
	})
}

func (r *Repository) DecrementUnread(ctx context.Context, conversationID, userID string, messageIDs []string) error {
	return db.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = $1 FOR UPDATE`, conversationID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return errors.Wrap(err, "conversationRepo.DecrementUnread.Lock")
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE conversation_applied_messages SET counted = FALSE
			WHERE conversation_id = $1 AND message_id = ANY($2::uuid[]) AND counted`, conversationID, messageIDs)
		if err != nil {
			return errors.Wrap(err, "conversationRepo.DecrementUnread.Release")
		}
		n, _ := res.RowsAffected()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO conversation_settled_messages (message_id, conversation_id)
			SELECT id, $1 FROM unnest($2::uuid[]) AS id
			WHERE NOT EXISTS (SELECT 1 FROM conversation_applied_messages a WHERE a.message_id = id)
			ON CONFLICT (message_id) DO NOTHING`, conversationID, messageIDs); err != nil {
			return errors.Wrap(err, "conversationRepo.DecrementUnread.Settle")
		}

		if n == 0 {
			return nil
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE conversation_participants SET unread_count = GREATEST(unread_count - $3, 0)
			WHERE conversation_id = $1 AND user_id = $2`, conversationID, userID, n)
		return errors.Wrap(err, "conversationRepo.DecrementUnread")
	})
}

func (r *Repository) TotalUnread(ctx context.Context, userID string) (int, error) {
	var total int
	err := r.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(unread_count), 0) FROM conversation_participants WHERE user_id = $1`, userID).Scan(&total)
	return total, errors.Wrap(err, "conversationRepo.TotalUnread")
}

func (r *Repository) SetActive(ctx context.Context, conversationID string, active bool) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE conversations SET is_active = $2, updated_at = now() WHERE id = $1`, conversationID, active)
	if err != nil {
		return errors.Wrap(err, "conversationRepo.SetActive")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) SetLastMessage(ctx context.Context, conversationID, messageID string, at *time.Time) error {
	var id sql.NullString
	if messageID != "" {
		id = sql.NullString{String: messageID, Valid: true}
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE conversations SET last_message_id = $2, last_message_at = $3, updated_at = now()
		WHERE id = $1`, conversationID, id, at)
	if err != nil {
		return errors.Wrap(err, "conversationRepo.SetLastMessage")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) Counterparts(ctx context.Context, userID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT other.user_id
		FROM conversation_participants me
		JOIN conversation_participants other ON other.conversation_id = me.conversation_id
		WHERE me.user_id = $1 AND other.user_id <> $1
		ORDER BY other.user_id`, userID)
	if err != nil {
		return nil, errors.Wrap(err, "conversationRepo.Counterparts")
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, errors.Wrap(err, "conversationRepo.Counterparts.Scan")
		}
		out = append(out, u)
	}
	return out, errors.Wrap(rows.Err(), "conversationRepo.Counterparts.Rows")
}
