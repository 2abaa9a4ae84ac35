package pgstore

// NotifyChannel is the LISTEN/NOTIFY channel the change triggers publish on.
const NotifyChannel = "connectlink_changes"

// Schema is idempotent. Notify payloads carry key columns only, since
// NOTIFY payloads are capped at 8000 bytes.
const Schema = `
CREATE TABLE IF NOT EXISTS profiles (
	id           text PRIMARY KEY,
	display_name text,
	avatar_url   text,
	bio          text,
	username     text
);

CREATE TABLE IF NOT EXISTS conversations (
	id         text PRIMARY KEY DEFAULT gen_random_uuid()::text,
	name       text,
	is_group   boolean NOT NULL DEFAULT false,
	created_by text,
	created_at timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS conversation_participants (
	conversation_id text NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	user_id         text NOT NULL,
	joined_at       timestamptz NOT NULL DEFAULT now(),
	PRIMARY KEY (conversation_id, user_id)
);
CREATE INDEX IF NOT EXISTS conversation_participants_user_idx ON conversation_participants (user_id);

CREATE TABLE IF NOT EXISTS messages (
	id              text PRIMARY KEY DEFAULT gen_random_uuid()::text,
	conversation_id text NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	sender_id       text NOT NULL,
	content         text NOT NULL DEFAULT '',
	attachment      jsonb,
	client_token    text,
	created_at      timestamptz NOT NULL DEFAULT clock_timestamp(),
	UNIQUE (sender_id, client_token)
);
CREATE INDEX IF NOT EXISTS messages_log_idx ON messages (conversation_id, created_at, id);

CREATE OR REPLACE FUNCTION connectlink_notify() RETURNS trigger AS $$
BEGIN
	PERFORM pg_notify('connectlink_changes', json_build_object(
		'event',  TG_OP,
		'table',  TG_TABLE_NAME,
		'record', to_jsonb(NEW) - 'content' - 'attachment' - 'bio'
	)::text);
	RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS messages_notify ON messages;
CREATE TRIGGER messages_notify AFTER INSERT ON messages
	FOR EACH ROW EXECUTE FUNCTION connectlink_notify();

DROP TRIGGER IF EXISTS participants_notify ON conversation_participants;
CREATE TRIGGER participants_notify AFTER INSERT ON conversation_participants
	FOR EACH ROW EXECUTE FUNCTION connectlink_notify();
`
