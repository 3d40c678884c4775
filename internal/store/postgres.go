package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cortexuvula/roomrelay/internal/chat"
)

//go:embed schema.sql
var schema string

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// Postgres is a Store backed by a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to databaseURL and applies the schema.
func NewPostgres(ctx context.Context, databaseURL string, maxConns int32) (*Postgres, error) {
	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing database url: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) CreateUser(ctx context.Context, u chat.User) (chat.User, error) {
	err := p.pool.QueryRow(ctx,
		`INSERT INTO users (email, name, photo, password_hash)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, created_at`,
		strings.ToLower(u.Email), u.Name, u.Photo, u.PasswordHash,
	).Scan(&u.ID, &u.CreatedAt)
	if err != nil {
		return chat.User{}, mapError("creating user", err)
	}
	return u, nil
}

func (p *Postgres) UserByEmail(ctx context.Context, email string) (chat.User, error) {
	var u chat.User
	err := p.pool.QueryRow(ctx,
		`SELECT id, email, name, photo, password_hash, created_at
		 FROM users WHERE email = $1`,
		strings.ToLower(email),
	).Scan(&u.ID, &u.Email, &u.Name, &u.Photo, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		return chat.User{}, mapError("looking up user", err)
	}
	return u, nil
}

// CreateRoom inserts the room and its admin's membership in one transaction.
func (p *Postgres) CreateRoom(ctx context.Context, slug string, admin chat.Identity) (chat.Room, error) {
	room := chat.Room{Slug: slug, AdminID: admin}
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx,
			`INSERT INTO rooms (slug, admin_id) VALUES ($1, $2)
			 RETURNING id, created_at`,
			slug, int64(admin),
		).Scan(&room.ID, &room.CreatedAt); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO room_members (room_id, user_id) VALUES ($1, $2)`,
			int64(room.ID), int64(admin))
		return err
	})
	if err != nil {
		return chat.Room{}, mapError("creating room", err)
	}
	return room, nil
}

func (p *Postgres) RoomByID(ctx context.Context, id chat.RoomID) (chat.Room, error) {
	var room chat.Room
	err := p.pool.QueryRow(ctx,
		`SELECT id, slug, admin_id, created_at FROM rooms WHERE id = $1`, int64(id),
	).Scan(&room.ID, &room.Slug, &room.AdminID, &room.CreatedAt)
	if err != nil {
		return chat.Room{}, mapError("looking up room", err)
	}
	return room, nil
}

func (p *Postgres) AddMember(ctx context.Context, room chat.RoomID, id chat.Identity) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO room_members (room_id, user_id) VALUES ($1, $2)
		 ON CONFLICT DO NOTHING`,
		int64(room), int64(id))
	return mapError("adding member", err)
}

func (p *Postgres) RemoveMember(ctx context.Context, room chat.RoomID, id chat.Identity) error {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM room_members WHERE room_id = $1 AND user_id = $2`,
		int64(room), int64(id))
	if err != nil {
		return mapError("removing member", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) VerifyMembership(ctx context.Context, id chat.Identity, room chat.RoomID) (bool, error) {
	var ok bool
	err := p.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM room_members WHERE room_id = $1 AND user_id = $2)`,
		int64(room), int64(id),
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("verifying membership: %w", err)
	}
	return ok, nil
}

func (p *Postgres) AppendChatMessage(ctx context.Context, room chat.RoomID, id chat.Identity, body string) (int64, error) {
	var msgID int64
	err := p.pool.QueryRow(ctx,
		`INSERT INTO chats (room_id, user_id, message) VALUES ($1, $2, $3)
		 RETURNING id`,
		int64(room), int64(id), body,
	).Scan(&msgID)
	if err != nil {
		return 0, mapError("appending chat", err)
	}
	return msgID, nil
}

func (p *Postgres) ListRecentMessages(ctx context.Context, room chat.RoomID, id chat.Identity, limit int) ([]chat.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.pool.Query(ctx,
		`SELECT id, room_id, user_id, message, created_at
		 FROM chats WHERE room_id = $1 AND user_id = $2
		 ORDER BY id DESC LIMIT $3`,
		int64(room), int64(id), limit)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (chat.Message, error) {
		var m chat.Message
		err := row.Scan(&m.ID, &m.RoomID, &m.UserID, &m.Body, &m.CreatedAt)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	return msgs, nil
}

// mapError translates driver errors into ErrNotFound and ErrConflict.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return ErrConflict
		case pgForeignKeyViolation:
			return ErrNotFound
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
