package message

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
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

const messageColumns = `id, conversation_id, sender_id, recipient_id, content, message_type,
	attachments, envelope, related_job, related_contract, is_read, read_at, edited_at, created_at`

func (r *Repository) Create(ctx context.Context, m *Message) error {
	atts, err := json.Marshal(nonNilAttachments(m.Attachments))
	if err != nil {
		return errors.Wrap(err, "messageRepo.Create.MarshalAttachments")
	}
	var env []byte
	if m.Envelope != nil {
		if env, err = json.Marshal(m.Envelope); err != nil {
			return errors.Wrap(err, "messageRepo.Create.MarshalEnvelope")
		}
	}

	return db.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, conversation_id, sender_id, recipient_id, content, message_type,
				attachments, envelope, related_job, related_contract, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8::jsonb, $9, $10, $11)`,
			m.ID, m.ConversationID, m.Sender, m.Recipient, m.Content, string(m.Type),
			string(atts), nullableJSON(env), m.RelatedJob, m.RelatedContract, m.CreatedAt); err != nil {
			return errors.Wrap(err, "messageRepo.Create.Insert")
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO message_outbox (message_id, created_at) VALUES ($1, $2)`, m.ID, m.CreatedAt); err != nil {
			return errors.Wrap(err, "messageRepo.Create.Outbox")
		}
		return nil
	})
}

func nonNilAttachments(a []Attachment) []Attachment {
	if a == nil {
		return []Attachment{}
	}
	return a
}

func nullableJSON(b []byte) sql.NullString {
	if b == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(s scanner) (*Message, error) {
	m := &Message{}
	var msgType string
	var atts, env []byte
	var readAt, editedAt sql.NullTime
	err := s.Scan(&m.ID, &m.ConversationID, &m.Sender, &m.Recipient, &m.Content, &msgType,
		&atts, &env, &m.RelatedJob, &m.RelatedContract, &m.Read.IsRead, &readAt, &editedAt, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	m.Type = Type(msgType)
	if len(atts) > 0 {
		if err := json.Unmarshal(atts, &m.Attachments); err != nil {
			return nil, errors.Wrap(err, "decode attachments")
		}
	}
	if len(env) > 0 {
		m.Envelope = &Envelope{}
		if err := json.Unmarshal(env, m.Envelope); err != nil {
			return nil, errors.Wrap(err, "decode envelope")
		}
	}
	if readAt.Valid {
		t := readAt.Time
		m.Read.ReadAt = &t
	}
	if editedAt.Valid {
		t := editedAt.Time
		m.EditedAt = &t
	}
	return m, nil
}

func (r *Repository) queryMessages(ctx context.Context, op, query string, args ...any) ([]*Message, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "messageRepo."+op+".Query")
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, errors.Wrap(err, "messageRepo."+op+".Scan")
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "messageRepo."+op+".Rows")
	}
	if err := r.loadReactions(ctx, out); err != nil {
		return nil, errors.Wrap(err, "messageRepo."+op+".Reactions")
	}
	return out, nil
}

func (r *Repository) loadReactions(ctx context.Context, msgs []*Message) error {
	if len(msgs) == 0 {
		return nil
	}
	ids := make([]string, len(msgs))
	byID := make(map[string]*Message, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
		byID[m.ID] = m
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT message_id, user_id, emoji, created_at FROM message_reactions
		WHERE message_id = ANY($1::uuid[]) ORDER BY created_at`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var rc Reaction
		if err := rows.Scan(&id, &rc.UserID, &rc.Emoji, &rc.CreatedAt); err != nil {
			return err
		}
		if m, ok := byID[id]; ok {
			m.Reactions = append(m.Reactions, rc)
		}
	}
	return rows.Err()
}

func (r *Repository) Get(ctx context.Context, id string) (*Message, error) {
	msgs, err := r.queryMessages(ctx, "Get", `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, ErrNotFound
	}
	return msgs[0], nil
}

func (r *Repository) UpdateContent(ctx context.Context, id, content string, editedAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE messages SET content = $2, edited_at = $3 WHERE id = $1`, id, content, editedAt)
	if err != nil {
		return errors.Wrap(err, "messageRepo.UpdateContent")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) Delete(ctx context.Context, id string) (*Message, error) {
	var deleted *Message
	err := db.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `DELETE FROM messages WHERE id = $1 RETURNING `+messageColumns, id)
		m, err := scanMessage(row)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return errors.Wrap(err, "messageRepo.Delete")
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM message_outbox WHERE message_id = $1`, id); err != nil {
			return errors.Wrap(err, "messageRepo.Delete.Outbox")
		}
		deleted = m
		return nil
	})
	return deleted, err
}

func (r *Repository) AddReaction(ctx context.Context, id string, rc Reaction) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO message_reactions (message_id, user_id, emoji, created_at)
		VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING`, id, rc.UserID, rc.Emoji, rc.CreatedAt)
	if err != nil {
		return false, errors.Wrap(err, "messageRepo.AddReaction")
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *Repository) RemoveReaction(ctx context.Context, id, userID, emoji string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM message_reactions WHERE message_id = $1 AND user_id = $2 AND emoji = $3`, id, userID, emoji)
	if err != nil {
		return false, errors.Wrap(err, "messageRepo.RemoveReaction")
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *Repository) MarkRead(ctx context.Context, ids []string, reader string, at time.Time) ([]*Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return r.queryMessages(ctx, "MarkRead", `
		UPDATE messages SET is_read = TRUE, read_at = $3
		WHERE id = ANY($1::uuid[]) AND recipient_id = $2 AND NOT is_read
		RETURNING `+messageColumns, ids, reader, at)
}

func (r *Repository) MarkConversationRead(ctx context.Context, conversationID, reader string, at time.Time) ([]*Message, error) {
	return r.queryMessages(ctx, "MarkConversationRead", `
		UPDATE messages SET is_read = TRUE, read_at = $3
		WHERE conversation_id = $1 AND recipient_id = $2 AND NOT is_read
		RETURNING `+messageColumns, conversationID, reader, at)
}

func (r *Repository) SetScanStatus(ctx context.Context, id, locator string, status ScanStatus) (bool, error) {
	found := false
	err := db.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		var raw []byte
		err := tx.QueryRowContext(ctx, `SELECT attachments FROM messages WHERE id = $1 FOR UPDATE`, id).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return errors.Wrap(err, "messageRepo.SetScanStatus.Select")
		}
		var atts []Attachment
		if err := json.Unmarshal(raw, &atts); err != nil {
			return errors.Wrap(err, "messageRepo.SetScanStatus.Decode")
		}
		for i := range atts {
			if atts[i].Locator == locator {
				atts[i].ScanStatus = status
				found = true
			}
		}
		if !found {
			return nil
		}
		updated, err := json.Marshal(atts)
		if err != nil {
			return errors.Wrap(err, "messageRepo.SetScanStatus.Encode")
		}
		_, err = tx.ExecContext(ctx, `UPDATE messages SET attachments = $2::jsonb WHERE id = $1`, id, string(updated))
		return errors.Wrap(err, "messageRepo.SetScanStatus.Update")
	})
	return found, err
}

func (r *Repository) ListConversation(ctx context.Context, conversationID string, before *time.Time, limit int) ([]*Message, error) {
	return r.queryMessages(ctx, "ListConversation", `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = $1 AND ($2::timestamptz IS NULL OR created_at < $2::timestamptz)
		ORDER BY created_at DESC, id DESC
		LIMIT $3`, conversationID, before, limit)
}

func (r *Repository) Search(ctx context.Context, f SearchFilter) ([]*Message, error) {
	var (
		where = []string{"(sender_id = $1 OR recipient_id = $1)"}
		args  = []any{f.Participant}
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.Text != "" {
		where = append(where, `content ILIKE `+arg("%"+escapeLike(f.Text)+"%")+` ESCAPE '\'`)
	}
	if f.HasAttachments != nil {
		if *f.HasAttachments {
			where = append(where, "jsonb_array_length(attachments) > 0")
		} else {
			where = append(where, "jsonb_array_length(attachments) = 0")
		}
	}
	if f.Since != nil {
		where = append(where, "created_at >= "+arg(*f.Since))
	}
	if f.Sender != "" {
		where = append(where, "sender_id = "+arg(f.Sender))
	}

	query := `SELECT ` + messageColumns + ` FROM messages WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY created_at DESC, id DESC LIMIT ` + arg(f.Limit)
	return r.queryMessages(ctx, "Search", query, args...)
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string { return likeEscaper.Replace(s) }

func (r *Repository) PendingOutbox(ctx context.Context, olderThan time.Time, maxAttempts, limit int) ([]OutboxEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT message_id, attempts, last_error, created_at FROM message_outbox
		WHERE completed_at IS NULL AND created_at <= $1 AND ($2 <= 0 OR attempts < $2)
		ORDER BY created_at
		LIMIT $3`, olderThan, maxAttempts, limit)
	if err != nil {
		return nil, errors.Wrap(err, "messageRepo.PendingOutbox.Query")
	}
	defer rows.Close()
	var out []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.MessageID, &e.Attempts, &e.LastError, &e.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "messageRepo.PendingOutbox.Scan")
		}
		out = append(out, e)
	}
	return out, errors.Wrap(rows.Err(), "messageRepo.PendingOutbox.Rows")
}

func (r *Repository) CompleteOutbox(ctx context.Context, messageID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE message_outbox SET completed_at = $2 WHERE message_id = $1 AND completed_at IS NULL`, messageID, at)
	return errors.Wrap(err, "messageRepo.CompleteOutbox")
}

func (r *Repository) FailOutbox(ctx context.Context, messageID, reason string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE message_outbox SET attempts = attempts + 1, last_error = $2 WHERE message_id = $1`, messageID, reason)
	return errors.Wrap(err, "messageRepo.FailOutbox")
}
