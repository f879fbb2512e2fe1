package session

import (
	"bytes"
	"context"
	"encoding/base32"
	"encoding/gob"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/sessions"
	gsessions "github.com/gorilla/sessions"
	"github.com/gorilla/securecookie"
	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix = "session:"
	defaultTTL     = 24 * time.Hour
	redisTimeout   = 2 * time.Second
)

// RedisStore はセッション値を Redis に保存し、クッキーには署名付きのセッションIDだけを載せるストアです。
// 複数インスタンスで同じセッションを共有する場合に使います。
type RedisStore struct {
	client redis.UniversalClient
	codecs []securecookie.Codec
	opts   *gsessions.Options
}

var _ sessions.Store = (*RedisStore)(nil)

// NewRedisStore はストアを生成します。keyPairs はクッキー署名用の鍵です。
func NewRedisStore(client redis.UniversalClient, keyPairs ...[]byte) *RedisStore {
	return &RedisStore{
		client: client,
		codecs: securecookie.CodecsFromPairs(keyPairs...),
		opts:   &gsessions.Options{Path: "/", MaxAge: int(defaultTTL.Seconds()), HttpOnly: true},
	}
}

// Options はクッキー属性を設定します。
func (s *RedisStore) Options(opts sessions.Options) {
	s.opts = opts.ToGorillaOptions()
}

// Get はリクエスト単位でキャッシュされたセッションを返します。
func (s *RedisStore) Get(r *http.Request, name string) (*gsessions.Session, error) {
	return gsessions.GetRegistry(r).Get(s, name)
}

// New はクッキーのセッションIDから値を読み込みます。見つからなければ空のセッションを返します。
func (s *RedisStore) New(r *http.Request, name string) (*gsessions.Session, error) {
	sess := gsessions.NewSession(s, name)
	opts := *s.opts
	sess.Options = &opts
	sess.IsNew = true

	cookie, err := r.Cookie(name)
	if err != nil {
		return sess, nil
	}
	if err := securecookie.DecodeMulti(name, cookie.Value, &sess.ID, s.codecs...); err != nil {
		// 改ざん・鍵ローテーション後のクッキーは新規セッション扱い
		sess.ID = ""
		return sess, nil
	}

	ctx, cancel := context.WithTimeout(r.Context(), redisTimeout)
	defer cancel()
	found, err := s.load(ctx, sess)
	if err != nil {
		return sess, err
	}
	sess.IsNew = !found
	if !found {
		sess.ID = ""
	}
	return sess, nil
}

// Save は値を Redis に書き込み、セッションIDのクッキーを発行します。MaxAge が負の場合は削除します。
func (s *RedisStore) Save(r *http.Request, w http.ResponseWriter, sess *gsessions.Session) error {
	ctx, cancel := context.WithTimeout(r.Context(), redisTimeout)
	defer cancel()

	if sess.Options.MaxAge < 0 {
		if sess.ID != "" {
			if err := s.client.Del(ctx, redisKeyPrefix+sess.ID).Err(); err != nil {
				return fmt.Errorf("delete session: %w", err)
			}
		}
		http.SetCookie(w, gsessions.NewCookie(sess.Name(), "", sess.Options))
		return nil
	}

	if sess.ID == "" {
		sess.ID = strings.TrimRight(base32.StdEncoding.EncodeToString(securecookie.GenerateRandomKey(32)), "=")
	}
	if err := s.save(ctx, sess); err != nil {
		return err
	}
	encoded, err := securecookie.EncodeMulti(sess.Name(), sess.ID, s.codecs...)
	if err != nil {
		return fmt.Errorf("encode session cookie: %w", err)
	}
	http.SetCookie(w, gsessions.NewCookie(sess.Name(), encoded, sess.Options))
	return nil
}

func (s *RedisStore) save(ctx context.Context, sess *gsessions.Session) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(sess.Values); err != nil {
		return fmt.Errorf("encode session values: %w", err)
	}
	ttl := time.Duration(sess.Options.MaxAge) * time.Second
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if err := s.client.Set(ctx, redisKeyPrefix+sess.ID, buf.Bytes(), ttl).Err(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *RedisStore) load(ctx context.Context, sess *gsessions.Session) (bool, error) {
	data, err := s.client.Get(ctx, redisKeyPrefix+sess.ID).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load session: %w", err)
	}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&sess.Values); err != nil {
		return false, fmt.Errorf("decode session values: %w", err)
	}
	return true, nil
}
