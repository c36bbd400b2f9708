// Package redis — документное хранилище поверх Redis: документы как JSON-строки,
// множество id на коллекцию, MULTI/EXEC для атомарных батчей (под WATCH на все
// ключи батча), pub/sub канал коллекции для push-подписок.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/marketchat/internal/logger"
	"github.com/marketchat/internal/store"
)

// maxTxRetries — число повторов оптимистичной транзакции при конфликте WATCH.
const maxTxRetries = 5

type Client struct {
	cli *redis.Client
}

func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{cli: cli}, nil
}

func (c *Client) Close() error {
	return c.cli.Close()
}

func docKey(collection, id string) string { return "mchat:doc:" + collection + ":" + id }
func colKey(collection string) string     { return "mchat:col:" + collection }
func chanKey(collection string) string    { return "mchat:ch:" + collection }

func (c *Client) Get(ctx context.Context, collection, id string) (store.Document, error) {
	raw, err := c.cli.Get(ctx, docKey(collection, id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis.Get %s/%s: %w", collection, id, err)
	}
	var doc store.Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("redis.Get unmarshal %s/%s: %w", collection, id, err)
	}
	return doc, nil
}

func (c *Client) Query(ctx context.Context, q store.Query) ([]store.Document, error) {
	ids, err := c.cli.SMembers(ctx, colKey(q.Collection)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis.Query smembers %s: %w", q.Collection, err)
	}
	if len(ids) == 0 {
		return []store.Document{}, nil
	}
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, docKey(q.Collection, id))
	}
	raws, err := c.cli.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis.Query mget %s: %w", q.Collection, err)
	}
	docs := make([]store.Document, 0, len(raws))
	for _, raw := range raws {
		s, ok := raw.(string)
		if !ok {
			continue // id в множестве без документа — гонка с удалением
		}
		var doc store.Document
		if err := json.Unmarshal([]byte(s), &doc); err != nil {
			return nil, fmt.Errorf("redis.Query unmarshal %s: %w", q.Collection, err)
		}
		docs = append(docs, doc)
	}
	return store.EvalQuery(docs, q), nil
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

// apply выполняет батч атомарно: WATCH на всех ключах, валидация и чтение
// текущих версий, затем MULTI/EXEC. Конфликт с параллельным писателем —
// повтор всей транзакции.
func (c *Client) apply(ctx context.Context, writes []store.Write) error {
	if len(writes) == 0 {
		return nil
	}
	keys := make([]string, 0, len(writes))
	for _, w := range writes {
		if w.Collection == "" || w.ID == "" {
			return fmt.Errorf("redis.apply: empty collection or id")
		}
		keys = append(keys, docKey(w.Collection, w.ID))
	}

	touched := make(map[string]struct{})
	for _, w := range writes {
		touched[w.Collection] = struct{}{}
	}

	txf := func(tx *redis.Tx) error {
		// staged: ключ документа -> его новая версия, nil помечает удаление.
		// Повторная запись в тот же документ внутри батча видит уже
		// подготовленную версию, а не исходную из Redis. Инкременты
		// считаются от версии, прочитанной под WATCH, поэтому конфликт с
		// параллельным писателем приводит к повтору, а не к потере.
		staged := make(map[string]store.Document, len(writes))
		known := make(map[string]bool, len(writes))
		load := func(w store.Write) (store.Document, bool, error) {
			key := docKey(w.Collection, w.ID)
			if known[key] {
				doc := staged[key]
				return doc, doc != nil, nil
			}
			raw, err := tx.Get(ctx, key).Result()
			if errors.Is(err, redis.Nil) {
				return nil, false, nil
			}
			if err != nil {
				return nil, false, fmt.Errorf("redis.apply get %s/%s: %w", w.Collection, w.ID, err)
			}
			var doc store.Document
			if err := json.Unmarshal([]byte(raw), &doc); err != nil {
				return nil, false, fmt.Errorf("redis.apply unmarshal %s/%s: %w", w.Collection, w.ID, err)
			}
			return doc, true, nil
		}
		stage := func(w store.Write, doc store.Document) {
			key := docKey(w.Collection, w.ID)
			staged[key] = doc
			known[key] = true
		}

		for _, w := range writes {
			doc, exists, err := load(w)
			if err != nil {
				return err
			}
			switch w.Kind {
			case store.WriteCreate:
				if exists {
					return fmt.Errorf("redis.apply %s/%s: %w", w.Collection, w.ID, store.ErrExists)
				}
				next := store.Clone(w.Data)
				if next == nil {
					next = store.Document{}
				}
				next["id"] = w.ID
				stage(w, next)
			case store.WriteUpdate:
				if !exists {
					return fmt.Errorf("redis.apply %s/%s: %w", w.Collection, w.ID, store.ErrNotFound)
				}
				for k, v := range w.Data {
					doc[k] = v
				}
				stage(w, doc)
			case store.WriteIncrement:
				if !exists {
					return fmt.Errorf("redis.apply %s/%s: %w", w.Collection, w.ID, store.ErrNotFound)
				}
				if w.Field == "" {
					return fmt.Errorf("redis.apply %s/%s: empty field path", w.Collection, w.ID)
				}
				if err := store.IncPath(doc, w.Field, w.Delta); err != nil {
					return fmt.Errorf("redis.apply %s/%s: %w", w.Collection, w.ID, err)
				}
				stage(w, doc)
			case store.WriteSetField:
				if !exists {
					return fmt.Errorf("redis.apply %s/%s: %w", w.Collection, w.ID, store.ErrNotFound)
				}
				if w.Field == "" {
					return fmt.Errorf("redis.apply %s/%s: empty field path", w.Collection, w.ID)
				}
				store.SetPath(doc, w.Field, store.CloneValue(w.Value))
				stage(w, doc)
			case store.WriteDelete:
				if !exists {
					return fmt.Errorf("redis.apply %s/%s: %w", w.Collection, w.ID, store.ErrNotFound)
				}
				stage(w, nil)
			default:
				return fmt.Errorf("redis.apply: unknown write kind %d", w.Kind)
			}
		}

		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			done := make(map[string]bool, len(writes))
			for _, w := range writes {
				key := docKey(w.Collection, w.ID)
				if done[key] {
					continue
				}
				done[key] = true
				doc := staged[key]
				if doc == nil {
					pipe.Del(ctx, key)
					pipe.SRem(ctx, colKey(w.Collection), w.ID)
					continue
				}
				enc, err := json.Marshal(doc)
				if err != nil {
					return fmt.Errorf("redis.apply marshal %s/%s: %w", w.Collection, w.ID, err)
				}
				pipe.Set(ctx, key, enc, 0)
				pipe.SAdd(ctx, colKey(w.Collection), w.ID)
			}
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := c.cli.Watch(ctx, txf, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return err
		}
		for col := range touched {
			if err := c.cli.Publish(ctx, chanKey(col), "changed").Err(); err != nil {
				logger.Errorf("redis publish %s: %v", col, err)
			}
		}
		return nil
	}
	return fmt.Errorf("redis.apply: transaction conflict after %d attempts", maxTxRetries)
}

type subscription struct {
	pubsub *redis.PubSub
	disp   *store.Dispatcher
}

func (s *subscription) Cancel() {
	if err := s.pubsub.Close(); err != nil {
		logger.Errorf("redis pubsub close: %v", err)
	}
	s.disp.Cancel()
}

func (c *Client) Subscribe(ctx context.Context, q store.Query, fn func(store.Snapshot)) (store.Subscription, error) {
	pubsub := c.cli.Subscribe(ctx, chanKey(q.Collection))
	s := &subscription{pubsub: pubsub, disp: store.NewDispatcher(fn)}

	go func() {
		docs, err := c.Query(ctx, q)
		s.disp.Deliver(store.Snapshot{Docs: docs, Err: err})
		for range pubsub.Channel() {
			docs, err := c.Query(ctx, q)
			s.disp.Deliver(store.Snapshot{Docs: docs, Err: err})
		}
	}()
	return s, nil
}

// FlushDB очищает текущую БД Redis (для тестов и сброса dev-окружения).
func (c *Client) FlushDB(ctx context.Context) error {
	return c.cli.FlushDB(ctx).Err()
}
