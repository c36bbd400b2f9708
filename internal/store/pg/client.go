// Package pg — документное хранилище поверх Postgres: одна jsonb-таблица
// documents, транзакции для атомарных батчей, LISTEN/NOTIFY (триггер на таблице)
// для push-подписок.
package pg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/marketchat/internal/logger"
	"github.com/marketchat/internal/store"
)

const notifyChannel = "document_change"

type Client struct {
	pool *pgxpool.Pool

	mu   sync.Mutex
	subs map[*subscription]struct{}

	listenCancel context.CancelFunc
	listenDone   chan struct{}
}

func New(ctx context.Context, pool *pgxpool.Pool) *Client {
	listenCtx, cancel := context.WithCancel(ctx)
	c := &Client{
		pool:         pool,
		subs:         make(map[*subscription]struct{}),
		listenCancel: cancel,
		listenDone:   make(chan struct{}),
	}
	go c.listen(listenCtx)
	return c
}

// Close останавливает LISTEN-горутину и отменяет оставшиеся подписки.
// Пул соединений закрывает владелец пула.
func (c *Client) Close() error {
	c.listenCancel()
	<-c.listenDone

	c.mu.Lock()
	subs := make([]*subscription, 0, len(c.subs))
	for s := range c.subs {
		subs = append(subs, s)
	}
	c.subs = make(map[*subscription]struct{})
	c.mu.Unlock()

	for _, s := range subs {
		s.disp.Cancel()
	}
	return nil
}

func (c *Client) Get(ctx context.Context, collection, id string) (store.Document, error) {
	defer logger.DeferLogDuration("pg.Get", time.Now())()
	var raw []byte
	err := c.pool.QueryRow(ctx,
		`SELECT data FROM documents WHERE collection = $1 AND id = $2`,
		collection, id,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pg.Get %s/%s: %w", collection, id, err)
	}
	var doc store.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("pg.Get unmarshal %s/%s: %w", collection, id, err)
	}
	return doc, nil
}

// Query строит SQL по фильтрам: == и != через jsonb containment (@>),
// array-contains через containment по полю-массиву. Сортировка и курсор —
// по (data->>поле)::timestamptz, поле OrderBy обязано хранить RFC3339.
func (c *Client) Query(ctx context.Context, q store.Query) ([]store.Document, error) {
	defer logger.DeferLogDuration("pg.Query", time.Now())()
	var sb strings.Builder
	sb.WriteString(`SELECT data FROM documents WHERE collection = $1`)
	args := []any{q.Collection}

	for _, f := range q.Filters {
		switch f.Op {
		case store.OpEqual, store.OpNotEqual:
			obj, err := json.Marshal(map[string]any{f.Field: f.Value})
			if err != nil {
				return nil, fmt.Errorf("pg.Query marshal filter %s: %w", f.Field, err)
			}
			args = append(args, string(obj))
			if f.Op == store.OpEqual {
				sb.WriteString(` AND data @> $` + strconv.Itoa(len(args)) + `::jsonb`)
			} else {
				sb.WriteString(` AND NOT data @> $` + strconv.Itoa(len(args)) + `::jsonb`)
			}
		case store.OpArrayContains:
			arr, err := json.Marshal([]any{f.Value})
			if err != nil {
				return nil, fmt.Errorf("pg.Query marshal filter %s: %w", f.Field, err)
			}
			args = append(args, f.Field)
			fieldArg := strconv.Itoa(len(args))
			args = append(args, string(arr))
			sb.WriteString(` AND data->($` + fieldArg + `::text) @> $` + strconv.Itoa(len(args)) + `::jsonb`)
		default:
			return nil, fmt.Errorf("pg.Query: unknown filter op %q", f.Op)
		}
	}

	if q.OrderBy != "" {
		args = append(args, q.OrderBy)
		orderArg := strconv.Itoa(len(args))
		if q.StartAfter != "" {
			args = append(args, q.StartAfter)
			cursorArg := strconv.Itoa(len(args))
			cmp := ">"
			if q.Desc {
				cmp = "<"
			}
			if q.StartAfterID != "" {
				// Кортежное сравнение (метка времени, id): документы с равными
				// метками не теряются на границе страницы.
				args = append(args, q.StartAfterID)
				idArg := strconv.Itoa(len(args))
				sb.WriteString(` AND ((data->>($` + orderArg + `::text))::timestamptz, id) ` + cmp + ` ($` + cursorArg + `::timestamptz, $` + idArg + `::text)`)
			} else {
				sb.WriteString(` AND (data->>($` + orderArg + `::text))::timestamptz ` + cmp + ` $` + cursorArg + `::timestamptz`)
			}
		}
		if q.Desc {
			sb.WriteString(` ORDER BY (data->>($` + orderArg + `::text))::timestamptz DESC NULLS LAST, id DESC`)
		} else {
			sb.WriteString(` ORDER BY (data->>($` + orderArg + `::text))::timestamptz ASC NULLS FIRST, id ASC`)
		}
	}
	if q.Limit > 0 {
		args = append(args, q.Limit)
		sb.WriteString(` LIMIT $` + strconv.Itoa(len(args)))
	}

	rows, err := c.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("pg.Query %s: %w", q.Collection, err)
	}
	defer rows.Close()

	docs := make([]store.Document, 0, 16)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("pg.Query scan %s: %w", q.Collection, err)
		}
		var doc store.Document
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("pg.Query unmarshal %s: %w", q.Collection, err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pg.Query rows %s: %w", q.Collection, err)
	}
	return docs, nil
}

func (c *Client) Create(ctx context.Context, collection string, data store.Document) (string, error) {
	id := uuid.New().String()
	if err := c.CreateWithID(ctx, collection, id, data); err != nil {
		return "", err
	}
	return id, nil
}

func (c *Client) CreateWithID(ctx context.Context, collection, id string, data store.Document) error {
	return c.apply(ctx, []store.Write{{Kind: store.WriteCreate, Collection: collection, ID: id, Data: data}})
}

func (c *Client) Update(ctx context.Context, collection, id string, fields store.Document) error {
	return c.apply(ctx, []store.Write{{Kind: store.WriteUpdate, Collection: collection, ID: id, Data: fields}})
}

func (c *Client) Delete(ctx context.Context, collection, id string) error {
	return c.apply(ctx, []store.Write{{Kind: store.WriteDelete, Collection: collection, ID: id}})
}

func (c *Client) Batch(ctx context.Context, writes []store.Write) error {
	return c.apply(ctx, writes)
}

// apply выполняет батч в одной транзакции; любая невалидная операция
// откатывает всё (all-or-nothing).
func (c *Client) apply(ctx context.Context, writes []store.Write) (err error) {
	defer logger.DeferLogDuration("pg.apply", time.Now())()
	if len(writes) == 0 {
		return nil
	}
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("pg.apply begin: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				logger.Errorf("pg.apply rollback: %v", rbErr)
			}
		}
	}()

	for _, w := range writes {
		if w.Collection == "" || w.ID == "" {
			return fmt.Errorf("pg.apply: empty collection or id")
		}
		switch w.Kind {
		case store.WriteCreate:
			doc := store.Clone(w.Data)
			if doc == nil {
				doc = store.Document{}
			}
			doc["id"] = w.ID
			enc, mErr := json.Marshal(doc)
			if mErr != nil {
				return fmt.Errorf("pg.apply marshal %s/%s: %w", w.Collection, w.ID, mErr)
			}
			tag, execErr := tx.Exec(ctx,
				`INSERT INTO documents (collection, id, data) VALUES ($1, $2, $3)
				 ON CONFLICT (collection, id) DO NOTHING`,
				w.Collection, w.ID, enc,
			)
			if execErr != nil {
				return fmt.Errorf("pg.apply insert %s/%s: %w", w.Collection, w.ID, execErr)
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("pg.apply %s/%s: %w", w.Collection, w.ID, store.ErrExists)
			}
		case store.WriteUpdate:
			enc, mErr := json.Marshal(w.Data)
			if mErr != nil {
				return fmt.Errorf("pg.apply marshal %s/%s: %w", w.Collection, w.ID, mErr)
			}
			tag, execErr := tx.Exec(ctx,
				`UPDATE documents SET data = data || $3::jsonb, updated_at = now()
				 WHERE collection = $1 AND id = $2`,
				w.Collection, w.ID, enc,
			)
			if execErr != nil {
				return fmt.Errorf("pg.apply update %s/%s: %w", w.Collection, w.ID, execErr)
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("pg.apply %s/%s: %w", w.Collection, w.ID, store.ErrNotFound)
			}
		case store.WriteIncrement:
			// Чтение текущего значения и сложение — внутри одного UPDATE,
			// под блокировкой строки: параллельные батчи не теряют инкременты.
			sql, args, pErr := incrementSQL(w)
			if pErr != nil {
				return pErr
			}
			tag, execErr := tx.Exec(ctx, sql, args...)
			if execErr != nil {
				return fmt.Errorf("pg.apply increment %s/%s: %w", w.Collection, w.ID, execErr)
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("pg.apply %s/%s: %w", w.Collection, w.ID, store.ErrNotFound)
			}
		case store.WriteSetField:
			sql, args, pErr := setFieldSQL(w)
			if pErr != nil {
				return pErr
			}
			tag, execErr := tx.Exec(ctx, sql, args...)
			if execErr != nil {
				return fmt.Errorf("pg.apply set field %s/%s: %w", w.Collection, w.ID, execErr)
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("pg.apply %s/%s: %w", w.Collection, w.ID, store.ErrNotFound)
			}
		case store.WriteDelete:
			tag, execErr := tx.Exec(ctx,
				`DELETE FROM documents WHERE collection = $1 AND id = $2`,
				w.Collection, w.ID,
			)
			if execErr != nil {
				return fmt.Errorf("pg.apply delete %s/%s: %w", w.Collection, w.ID, execErr)
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("pg.apply %s/%s: %w", w.Collection, w.ID, store.ErrNotFound)
			}
		default:
			return fmt.Errorf("pg.apply: unknown write kind %d", w.Kind)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("pg.apply commit: %w", err)
	}
	return nil
}

// incrementSQL строит UPDATE для WriteIncrement. Поддерживаются пути в один
// и два сегмента («field», «map.key»); у вложенного пути родительский объект
// создаётся, если его ещё нет. Нечисловое текущее значение роняет транзакцию
// ошибкой приведения к numeric.
func incrementSQL(w store.Write) (string, []any, error) {
	if w.Field == "" {
		return "", nil, fmt.Errorf("pg.apply %s/%s: empty field path", w.Collection, w.ID)
	}
	seg := strings.Split(w.Field, ".")
	switch len(seg) {
	case 1:
		return `UPDATE documents
			 SET data = jsonb_set(data, ARRAY[$3::text],
			         to_jsonb(coalesce((data->>($3::text))::numeric, 0) + $4::numeric), true),
			     updated_at = now()
			 WHERE collection = $1 AND id = $2`,
			[]any{w.Collection, w.ID, seg[0], w.Delta}, nil
	case 2:
		return `UPDATE documents
			 SET data = jsonb_set(
			         jsonb_set(data, ARRAY[$3::text], coalesce(data->($3::text), '{}'::jsonb), true),
			         ARRAY[$3::text, $4::text],
			         to_jsonb(coalesce((data#>>ARRAY[$3::text, $4::text])::numeric, 0) + $5::numeric), true),
			     updated_at = now()
			 WHERE collection = $1 AND id = $2`,
			[]any{w.Collection, w.ID, seg[0], seg[1], w.Delta}, nil
	default:
		return "", nil, fmt.Errorf("pg.apply %s/%s: field path %q deeper than two levels", w.Collection, w.ID, w.Field)
	}
}

// setFieldSQL строит UPDATE для WriteSetField с теми же правилами путей.
func setFieldSQL(w store.Write) (string, []any, error) {
	if w.Field == "" {
		return "", nil, fmt.Errorf("pg.apply %s/%s: empty field path", w.Collection, w.ID)
	}
	enc, err := json.Marshal(w.Value)
	if err != nil {
		return "", nil, fmt.Errorf("pg.apply marshal %s/%s: %w", w.Collection, w.ID, err)
	}
	seg := strings.Split(w.Field, ".")
	switch len(seg) {
	case 1:
		return `UPDATE documents
			 SET data = jsonb_set(data, ARRAY[$3::text], $4::jsonb, true), updated_at = now()
			 WHERE collection = $1 AND id = $2`,
			[]any{w.Collection, w.ID, seg[0], string(enc)}, nil
	case 2:
		return `UPDATE documents
			 SET data = jsonb_set(
			         jsonb_set(data, ARRAY[$3::text], coalesce(data->($3::text), '{}'::jsonb), true),
			         ARRAY[$3::text, $4::text], $5::jsonb, true),
			     updated_at = now()
			 WHERE collection = $1 AND id = $2`,
			[]any{w.Collection, w.ID, seg[0], seg[1], string(enc)}, nil
	default:
		return "", nil, fmt.Errorf("pg.apply %s/%s: field path %q deeper than two levels", w.Collection, w.ID, w.Field)
	}
}

type subscription struct {
	c    *Client
	q    store.Query
	disp *store.Dispatcher
}

func (s *subscription) Cancel() {
	s.c.mu.Lock()
	delete(s.c.subs, s)
	s.c.mu.Unlock()
	s.disp.Cancel()
}

func (c *Client) Subscribe(ctx context.Context, q store.Query, fn func(store.Snapshot)) (store.Subscription, error) {
	s := &subscription{c: c, q: q, disp: store.NewDispatcher(fn)}
	c.mu.Lock()
	c.subs[s] = struct{}{}
	c.mu.Unlock()

	go func() {
		docs, err := c.Query(ctx, q)
		s.disp.Deliver(store.Snapshot{Docs: docs, Err: err})
	}()
	return s, nil
}

// listen держит выделенное соединение с LISTEN и рассылает уведомления
// подписчикам коллекции; при ошибке соединения переподключается с паузой.
func (c *Client) listen(ctx context.Context) {
	defer close(c.listenDone)
	for {
		if ctx.Err() != nil {
			return
		}
		if err := c.listenOnce(ctx); err != nil && ctx.Err() == nil {
			logger.Errorf("pg listen: %v (reconnect in 2s)", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Second):
			}
		}
	}
}

func (c *Client) listenOnce(ctx context.Context) error {
	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait: %w", err)
		}
		c.fanOut(ctx, n.Payload)
	}
}

// fanOut пересчитывает снапшоты подписок изменившейся коллекции. Доставка
// последовательная: порядок снапшотов совпадает с порядком уведомлений.
func (c *Client) fanOut(ctx context.Context, collection string) {
	c.mu.Lock()
	targets := make([]*subscription, 0, len(c.subs))
	for s := range c.subs {
		if s.q.Collection == collection {
			targets = append(targets, s)
		}
	}
	c.mu.Unlock()

	for _, s := range targets {
		docs, err := c.Query(ctx, s.q)
		s.disp.Deliver(store.Snapshot{Docs: docs, Err: err})
	}
}
