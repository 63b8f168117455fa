package livechat

import (
	"net/url"
)

func urlQueryEscape(v string) string {
	return url.QueryEscape(v)
}

func urlPathEscape(v string) string {
	return url.PathEscape(v)
}
