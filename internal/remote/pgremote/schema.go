package pgremote

import (
	"fmt"
	"regexp"
	"strings"
)

// DefaultChannel is the NOTIFY channel the change triggers publish on.
const DefaultChannel = "trellosync_changes"

// maxNotifyBytes stays under Postgres' 8000 byte NOTIFY payload limit.
// Larger payloads are sent with id-only row images and refetched by the feed.
const maxNotifyBytes = 7900

var channelRe = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

func validChannel(name string) error {
	if !channelRe.MatchString(name) {
		return fmt.Errorf("invalid notify channel %q", name)
	}
	return nil
}

func schemaSQL(channel string) string {
	r := strings.NewReplacer("{{channel}}", channel, "{{max_bytes}}", fmt.Sprint(maxNotifyBytes))
	return r.Replace(schema)
}

const schema = `
create extension if not exists pgcrypto;

create table if not exists profiles(
    id text primary key default gen_random_uuid()::text,
    email text not null,
    full_name text,
    avatar_url text,
    created_at timestamptz not null default now(),
    updated_at timestamptz not null default now()
);

create table if not exists boards(
    id text primary key default gen_random_uuid()::text,
    title text not null check (length(title) > 0),
    background text not null default '',
    owner_id text not null default '',
    is_archived boolean not null default false,
    archived_at timestamptz,
    created_at timestamptz not null default now(),
    updated_at timestamptz not null default now(),
    constraint boards_archived_consistent check (is_archived = (archived_at is not null))
);

create table if not exists lists(
    id text primary key default gen_random_uuid()::text,
    board_id text not null references boards(id) on delete cascade,
    title text not null check (length(title) > 0),
    position text collate "C" not null,
    created_at timestamptz not null default now(),
    updated_at timestamptz not null default now()
);
create index if not exists lists_board_pos_idx on lists(board_id, position);

create table if not exists cards(
    id text primary key default gen_random_uuid()::text,
    list_id text not null references lists(id) on delete cascade,
    title text not null check (length(title) > 0),
    description text,
    position text collate "C" not null,
    due_date timestamptz,
    created_at timestamptz not null default now(),
    updated_at timestamptz not null default now()
);
create index if not exists cards_list_pos_idx on cards(list_id, position);

create or replace function trellosync_touch() returns trigger as $$
begin
    new.updated_at := now();
    return new;
end $$ language plpgsql;

create or replace function trellosync_notify() returns trigger as $$
declare
    payload jsonb;
    body text;
begin
    payload := jsonb_build_object(
        'commit_timestamp', to_char(now() at time zone 'UTC', 'YYYY-MM-DD"T"HH24:MI:SS.US"Z"'),
        'eventType', TG_OP,
        'schema', TG_TABLE_SCHEMA,
        'table', TG_TABLE_NAME,
        'new', case when TG_OP = 'DELETE' then '{}'::jsonb else to_jsonb(new) end,
        'old', case when TG_OP = 'INSERT' then '{}'::jsonb else to_jsonb(old) end);
    body := payload::text;
    if octet_length(body) > {{max_bytes}} then
        payload := payload
            || jsonb_build_object('new', case when TG_OP = 'DELETE' then '{}'::jsonb else jsonb_build_object('id', new.id) end)
            || jsonb_build_object('old', case when TG_OP = 'INSERT' then '{}'::jsonb else jsonb_build_object('id', old.id) end)
            || '{"truncated": true}'::jsonb;
        body := payload::text;
    end if;
    perform pg_notify('{{channel}}', body);
    return null;
end $$ language plpgsql;

do $$
declare
    t text;
begin
    foreach t in array array['boards', 'lists', 'cards'] loop
        execute format('drop trigger if exists %I on %I', t || '_touch', t);
        execute format('create trigger %I before update on %I for each row execute function trellosync_touch()', t || '_touch', t);
        execute format('drop trigger if exists %I on %I', t || '_notify', t);
        execute format('create trigger %I after insert or update or delete on %I for each row execute function trellosync_notify()', t || '_notify', t);
    end loop;
end $$;
`
