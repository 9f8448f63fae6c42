package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"acme-manager/internal/tlsctx"
)

// CredentialSource 当前服务凭证
type CredentialSource interface {
	Current() *tlsctx.Credential
	IsPlaceholder() bool
}

type certificateInfo struct {
	Subject     string    `json:"subject"`
	DNSNames    []string  `json:"dns_names"`
	NotAfter    time.Time `json:"not_after"`
	Placeholder bool      `json:"placeholder"`
}

// InfoHandler HTTPS 监听上的默认处理器，返回正在使用的证书信息
func InfoHandler(source CredentialSource) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/", func(w http.ResponseWriter, req *http.Request) {
		info := certificateInfo{Placeholder: source.IsPlaceholder()}
		if c := source.Current(); c != nil && c.Leaf != nil {
			info.Subject = c.Leaf.Subject.String()
			info.DNSNames = c.Leaf.DNSNames
			info.NotAfter = c.Leaf.NotAfter.UTC()
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(info)
	})
	return r
}
