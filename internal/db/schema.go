package db

var schema = []string{
	`CREATE TABLE IF NOT EXISTS conversations (
            id UUID PRIMARY KEY,
            participant_key TEXT NOT NULL UNIQUE,
            kind VARCHAR(10) NOT NULL CHECK (kind IN ('direct', 'group')) DEFAULT 'direct',
            related_job TEXT NOT NULL DEFAULT '',
            related_contract TEXT NOT NULL DEFAULT '',
            last_message_id UUID,
            last_message_at TIMESTAMPTZ,
            is_active BOOLEAN NOT NULL DEFAULT TRUE,
            created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
            updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
        )`,

	`CREATE TABLE IF NOT EXISTS conversation_participants (
            conversation_id UUID NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
            user_id TEXT NOT NULL,
            unread_count INT NOT NULL DEFAULT 0 CHECK (unread_count >= 0),
            joined_at TIMESTAMPTZ NOT NULL DEFAULT now(),
            PRIMARY KEY (conversation_id, user_id)
        )`,
	`CREATE INDEX IF NOT EXISTS idx_conversation_participants_user ON conversation_participants (user_id)`,

	`CREATE TABLE IF NOT EXISTS conversation_applied_messages (
            message_id UUID PRIMARY KEY,
            conversation_id UUID NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
            sender_id TEXT NOT NULL DEFAULT '',
            counted BOOLEAN NOT NULL DEFAULT FALSE,
            applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
        )`,
	`ALTER TABLE conversation_applied_messages ADD COLUMN IF NOT EXISTS sender_id TEXT NOT NULL DEFAULT ''`,
	`ALTER TABLE conversation_applied_messages ADD COLUMN IF NOT EXISTS counted BOOLEAN NOT NULL DEFAULT FALSE`,
	`CREATE INDEX IF NOT EXISTS idx_conversation_applied_counted ON conversation_applied_messages (conversation_id) WHERE counted`,

	`CREATE TABLE IF NOT EXISTS conversation_settled_messages (
            message_id UUID PRIMARY KEY,
            conversation_id UUID NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
            settled_at TIMESTAMPTZ NOT NULL DEFAULT now()
        )`,

	`CREATE TABLE IF NOT EXISTS messages (
            id UUID PRIMARY KEY,
            conversation_id UUID NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
            sender_id TEXT NOT NULL,
            recipient_id TEXT NOT NULL,
            content TEXT NOT NULL,
            message_type VARCHAR(10) NOT NULL CHECK (message_type IN ('text', 'image', 'file', 'system')),
            attachments JSONB NOT NULL DEFAULT '[]'::jsonb,
            envelope JSONB,
            related_job TEXT NOT NULL DEFAULT '',
            related_contract TEXT NOT NULL DEFAULT '',
            is_read BOOLEAN NOT NULL DEFAULT FALSE,
            read_at TIMESTAMPTZ,
            edited_at TIMESTAMPTZ,
            created_at TIMESTAMPTZ NOT NULL,
            CHECK (sender_id <> recipient_id)
        )`,
	`CREATE INDEX IF NOT EXISTS idx_messages_conversation_created ON messages (conversation_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages (sender_id, recipient_id)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_recipient_unread ON messages (recipient_id, is_read)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_related_job ON messages (related_job) WHERE related_job <> ''`,
	`CREATE INDEX IF NOT EXISTS idx_messages_related_contract ON messages (related_contract) WHERE related_contract <> ''`,

	`CREATE TABLE IF NOT EXISTS message_reactions (
            message_id UUID NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
            user_id TEXT NOT NULL,
            emoji TEXT NOT NULL,
            created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
            PRIMARY KEY (message_id, user_id, emoji)
        )`,

	`CREATE TABLE IF NOT EXISTS message_outbox (
            message_id UUID PRIMARY KEY,
            attempts INT NOT NULL DEFAULT 0,
            last_error TEXT NOT NULL DEFAULT '',
            created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
            completed_at TIMESTAMPTZ
        )`,
	`CREATE INDEX IF NOT EXISTS idx_message_outbox_pending ON message_outbox (created_at) WHERE completed_at IS NULL`,

	`CREATE TABLE IF NOT EXISTS notifications (
            id UUID PRIMARY KEY,
            recipient_id TEXT NOT NULL,
            type VARCHAR(32) NOT NULL,
            title TEXT NOT NULL,
            content TEXT NOT NULL,
            priority VARCHAR(10) NOT NULL CHECK (priority IN ('low', 'medium', 'high')),
            action_url TEXT NOT NULL DEFAULT '',
            related_type TEXT,
            related_id TEXT,
            is_read BOOLEAN NOT NULL DEFAULT FALSE,
            read_at TIMESTAMPTZ,
            created_at TIMESTAMPTZ NOT NULL DEFAULT now()
        )`,
	`CREATE INDEX IF NOT EXISTS idx_notifications_recipient_created ON notifications (recipient_id, created_at DESC)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_notifications_related ON notifications (recipient_id, type, related_type, related_id)`,
}
