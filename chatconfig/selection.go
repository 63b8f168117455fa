package chatconfig

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
)

// Selection is the resolved server a widget talks to.
type Selection struct {
	ServerName string
	BaseURL    string
	WSURL      string
	APIKey     string
}

type ResolveOptions struct {
	ServerName string

	BaseURLOverride string
	WSURLOverride   string
	APIKeyOverride  string

	AllowEnvOverrides bool
}

// Resolve picks the server from explicit options, then the LIVECHAT_*
// environment (when allowed), then the config file. The WebSocket URL is
// derived from the base URL when nothing sets it.
func Resolve(global *GlobalConfig, opts ResolveOptions) (*Selection, error) {
	if global == nil {
		global = &GlobalConfig{}
	}
	if global.Servers == nil {
		global.Servers = map[string]Server{}
	}

	env := func(key string) string {
		if !opts.AllowEnvOverrides {
			return ""
		}
		return strings.TrimSpace(os.Getenv(key))
	}

	serverName := strings.TrimSpace(opts.ServerName)
	if serverName == "" {
		serverName = env("LIVECHAT_SERVER")
	}
	if serverName == "" {
		serverName = strings.TrimSpace(global.DefaultServer)
	}

	baseURL := strings.TrimSpace(opts.BaseURLOverride)
	if baseURL == "" {
		if v := env("LIVECHAT_URL"); v != "" {
			if err := ValidateBaseURL(v); err != nil {
				return nil, fmt.Errorf("invalid LIVECHAT_URL: %w", err)
			}
			baseURL = v
		}
	}

	var srv Server
	if serverName != "" {
		srv = global.Servers[serverName]
	}
	if baseURL == "" {
		if serverName == "" {
			return nil, errors.New("no server configured (pass --server or --url, or set default_server in your livechat config)")
		}
		u, err := resolveServerURL(global, serverName)
		if err != nil {
			return nil, err
		}
		baseURL = u
	}
	if err := ValidateBaseURL(baseURL); err != nil {
		return nil, err
	}
	baseURL = strings.TrimRight(baseURL, "/")

	apiKey := strings.TrimSpace(opts.APIKeyOverride)
	if apiKey == "" {
		apiKey = env("LIVECHAT_API_KEY")
	}
	if apiKey == "" {
		apiKey = strings.TrimSpace(srv.APIKey)
	}

	wsURL := strings.TrimSpace(opts.WSURLOverride)
	if wsURL == "" {
		wsURL = env("LIVECHAT_WS_URL")
	}
	if wsURL == "" {
		wsURL = strings.TrimSpace(srv.WSURL)
	}
	if wsURL == "" {
		u, err := DeriveWebSocketURL(baseURL)
		if err != nil {
			return nil, err
		}
		wsURL = u
	}
	if err := ValidateWebSocketURL(wsURL); err != nil {
		return nil, err
	}

	if serverName == "" {
		serverName, _ = DeriveServerNameFromURL(baseURL)
	}
	return &Selection{
		ServerName: serverName,
		BaseURL:    baseURL,
		WSURL:      wsURL,
		APIKey:     apiKey,
	}, nil
}

func resolveServerURL(global *GlobalConfig, serverName string) (string, error) {
	serverName = strings.TrimSpace(serverName)
	if serverName == "" {
		return "", errors.New("empty server name")
	}
	if srv, ok := global.Servers[serverName]; ok && strings.TrimSpace(srv.URL) != "" {
		return strings.TrimSpace(srv.URL), nil
	}
	// Derive from server key (host:port or full URL).
	return DeriveBaseURLFromServerName(serverName)
}

func DeriveBaseURLFromServerName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("empty server name")
	}
	if strings.HasPrefix(name, "http://") || strings.HasPrefix(name, "https://") {
		return name, nil
	}
	isLocal := strings.HasPrefix(name, "localhost") || strings.HasPrefix(name, "127.0.0.1") || strings.HasPrefix(name, "[::1]")
	scheme := "https"
	if isLocal {
		scheme = "http"
	}
	return scheme + "://" + name, nil
}

func DeriveServerNameFromURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	if u.Host == "" {
		return "", fmt.Errorf("url missing host: %q", raw)
	}
	return u.Host, nil
}

// DeriveWebSocketURL maps a REST base URL to the STOMP endpoint on the same
// host: http(s)://host/api -> ws(s)://host/ws.
func DeriveWebSocketURL(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("cannot derive websocket url from %q", baseURL)
	}
	u.Path = "/ws"
	u.RawPath = ""
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

func ValidateBaseURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return errors.New("empty base URL")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid base URL %q", raw)
	}
	return nil
}

func ValidateWebSocketURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return err
	}
	if (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("invalid websocket URL %q", raw)
	}
	return nil
}
