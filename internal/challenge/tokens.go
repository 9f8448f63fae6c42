package challenge

import (
	"strings"
	"sync/atomic"
)

type httpToken struct {
	token   string
	content string
}

// TokenStore 保存当前唯一生效的 http-01 token 与响应内容
type TokenStore struct {
	current atomic.Pointer[httpToken]
}

// NewTokenStore 创建 token 存储
func NewTokenStore() *TokenStore {
	return &TokenStore{}
}

// Publish 发布新的 token，覆盖之前的 token
func (s *TokenStore) Publish(token, content string) {
	s.current.Store(&httpToken{token: token, content: content})
}

// Lookup 查找 token 对应的响应内容（token 比较忽略大小写）
func (s *TokenStore) Lookup(token string) (string, bool) {
	cur := s.current.Load()
	if cur == nil || token == "" || !strings.EqualFold(cur.token, token) {
		return "", false
	}
	return cur.content, true
}
