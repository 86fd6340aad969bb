package provider

import (
	"fmt"
	"net/http"
	"sort"

	"genledger/internal/config"

	"github.com/rs/zerolog"
)

// Registry 供应商名 -> 客户端
type Registry struct {
	clients     map[string]Client
	secrets     map[string]string
	defaultName string
}

func NewRegistry(defaultName string) *Registry {
	return &Registry{
		clients:     make(map[string]Client),
		secrets:     make(map[string]string),
		defaultName: defaultName,
	}
}

// NewRegistryFromConfig 为配置里的每个 endpoint 创建 HTTP 客户端，endpoint 名必须是已知档案
func NewRegistryFromConfig(cfg *config.ProviderConfig, hc *http.Client, log zerolog.Logger) (*Registry, error) {
	r := NewRegistry(cfg.Default)
	for name, ep := range cfg.Endpoints {
		profile, ok := Profiles[name]
		if !ok {
			return nil, fmt.Errorf("未知的供应商档案: %s", name)
		}
		client := NewHTTPClient(profile, Options{
			Endpoint:      ep,
			SubmitTimeout: cfg.SubmitTimeout,
			StatusTimeout: cfg.StatusTimeout,
			Retry:         cfg.Retry,
			HTTPClient:    hc,
			Logger:        log,
		})
		r.Register(client, ep.WebhookSecret)
	}
	if cfg.Default != "" {
		if _, ok := r.clients[cfg.Default]; !ok {
			return nil, fmt.Errorf("默认供应商 %s 没有配置 endpoint", cfg.Default)
		}
	}
	return r, nil
}

// Register 注册客户端，webhookSecret 为空表示不校验回调签名
func (r *Registry) Register(c Client, webhookSecret string) {
	r.clients[c.Name()] = c
	if webhookSecret != "" {
		r.secrets[c.Name()] = webhookSecret
	}
}

// Get 按名字查找客户端，name 为空时使用默认供应商
func (r *Registry) Get(name string) (Client, bool) {
	if name == "" {
		name = r.defaultName
	}
	c, ok := r.clients[name]
	return c, ok
}

func (r *Registry) Default() string {
	return r.defaultName
}

func (r *Registry) WebhookSecret(name string) string {
	return r.secrets[name]
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.clients))
	for n := range r.clients {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
