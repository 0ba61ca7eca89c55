package resolver

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"subrefresh/pkg/model"
)

// DefaultTokenParam 令牌查询参数名
const DefaultTokenParam = "token"

// DefaultPort 协议默认端口，未知协议返回 0
func DefaultPort(protocol string) int {
	switch strings.ToLower(protocol) {
	case "http":
		return 80
	case "https":
		return 443
	default:
		return 0
	}
}

// Parse 将订阅 URL 拆分为组件。
// 优先取查询参数 token；不存在时把路径末段当作令牌并相应缩短 path。
// 令牌以外的查询参数按原顺序保留，重建时位于令牌参数之后。
func Parse(raw string) (model.SubscriptionURLComponents, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return model.SubscriptionURLComponents{}, fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return model.SubscriptionURLComponents{}, fmt.Errorf("parse url %q: missing scheme or host", raw)
	}

	c := model.SubscriptionURLComponents{
		Protocol: strings.ToLower(u.Scheme),
		Host:     u.Hostname(),
		Path:     u.EscapedPath(),
	}
	c.Port, err = portOf(u)
	if err != nil {
		return model.SubscriptionURLComponents{}, err
	}

	token, rawToken, extra, found := splitTokenQuery(u.RawQuery, DefaultTokenParam)
	if found {
		c.TokenParamName = DefaultTokenParam
		c.Token = token
		if rawToken != escapeQueryValue(token) {
			c.RawToken = rawToken
		}
		c.ExtraQuery = extra
		if c.Path == "" {
			c.Path = "/"
		}
		return c, nil
	}

	trimmed := strings.TrimSuffix(c.Path, "/")
	idx := strings.LastIndex(trimmed, "/")
	if idx < 0 || idx == len(trimmed)-1 {
		return model.SubscriptionURLComponents{}, fmt.Errorf("%w: %s", ErrTokenNotFound, raw)
	}
	rawSeg := trimmed[idx+1:]
	seg, err := url.PathUnescape(rawSeg)
	if err != nil {
		return model.SubscriptionURLComponents{}, fmt.Errorf("parse url: %w", err)
	}
	c.Token = seg
	if rawSeg != url.PathEscape(seg) {
		c.RawToken = rawSeg
	}
	c.Path = trimmed[:idx]
	if c.Path == "" {
		c.Path = "/"
	}
	c.TokenInPath = true
	c.TokenParamName = DefaultTokenParam
	c.ExtraQuery = u.RawQuery
	return c, nil
}

// Build 由组件重建 URL；token 为空时使用组件中保存的令牌。
// 端口等于协议默认端口时省略。缺少任一必需组件返回 ErrIncompleteComponents。
func Build(c model.SubscriptionURLComponents, token string) (string, error) {
	if token == "" {
		token = c.Token
	}
	var missing []string
	if c.Protocol == "" {
		missing = append(missing, "protocol")
	}
	if c.Host == "" {
		missing = append(missing, "host")
	}
	if c.Port <= 0 {
		missing = append(missing, "port")
	}
	if c.Path == "" {
		missing = append(missing, "path")
	}
	if c.TokenParamName == "" {
		missing = append(missing, "tokenParamName")
	}
	if token == "" {
		missing = append(missing, "token")
	}
	if len(missing) > 0 {
		return "", fmt.Errorf("%w: missing %s", ErrIncompleteComponents, strings.Join(missing, ", "))
	}

	var b strings.Builder
	b.WriteString(c.Protocol)
	b.WriteString("://")
	if c.Port == DefaultPort(c.Protocol) {
		if strings.Contains(c.Host, ":") {
			b.WriteString("[" + c.Host + "]")
		} else {
			b.WriteString(c.Host)
		}
	} else {
		b.WriteString(net.JoinHostPort(c.Host, strconv.Itoa(c.Port)))
	}

	if c.TokenInPath {
		b.WriteString(strings.TrimSuffix(c.Path, "/"))
		b.WriteString("/")
		b.WriteString(encodedToken(c, token, url.PathEscape))
		if c.ExtraQuery != "" {
			b.WriteString("?")
			b.WriteString(c.ExtraQuery)
		}
		return b.String(), nil
	}

	b.WriteString(c.Path)
	b.WriteString("?")
	b.WriteString(escapeQueryValue(c.TokenParamName))
	b.WriteString("=")
	b.WriteString(encodedToken(c, token, escapeQueryValue))
	if c.ExtraQuery != "" {
		b.WriteString("&")
		b.WriteString(c.ExtraQuery)
	}
	return b.String(), nil
}

// UpdateHostAndPort 仅复制 freshURL 的 host 与 port，其他组件保持不变
func UpdateHostAndPort(c model.SubscriptionURLComponents, freshURL string) (model.SubscriptionURLComponents, error) {
	u, err := url.Parse(strings.TrimSpace(freshURL))
	if err != nil {
		return c, fmt.Errorf("parse fresh url: %w", err)
	}
	if u.Host == "" {
		return c, fmt.Errorf("parse fresh url %q: missing host", freshURL)
	}
	port, err := portOf(u)
	if err != nil {
		return c, err
	}
	out := c
	out.Host = u.Hostname()
	out.Port = port
	return out, nil
}

// ReplaceToken 返回令牌被替换后的新组件
func ReplaceToken(c model.SubscriptionURLComponents, token string) model.SubscriptionURLComponents {
	out := c
	out.Token = token
	out.RawToken = ""
	return out
}

// FromTemplate 用令牌替换模板中的占位符
func FromTemplate(template, token string) (string, error) {
	if !strings.Contains(template, model.TokenPlaceholder) {
		return "", fmt.Errorf("%w: template has no %s placeholder", ErrIncompleteComponents, model.TokenPlaceholder)
	}
	if token == "" {
		return "", fmt.Errorf("%w: missing token", ErrIncompleteComponents)
	}
	escape := url.PathEscape
	if q := strings.Index(template, "?"); q >= 0 && q < strings.Index(template, model.TokenPlaceholder) {
		escape = escapeQueryValue
	}
	return strings.ReplaceAll(template, model.TokenPlaceholder, escape(token)), nil
}

// encodedToken 令牌未被替换时沿用原 URL 中的编码形式，否则按 escape 转义
func encodedToken(c model.SubscriptionURLComponents, token string, escape func(string) string) string {
	if c.RawToken != "" && token == c.Token {
		return c.RawToken
	}
	return escape(token)
}

var queryValueEscaper = strings.NewReplacer("%", "%25", "&", "%26", "#", "%23", " ", "%20", "+", "%2B")

// escapeQueryValue 只转义会破坏查询串结构或被服务端解码为空格的字符，= 等字符原样保留
func escapeQueryValue(s string) string {
	return queryValueEscaper.Replace(s)
}

func portOf(u *url.URL) (int, error) {
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 || n > 65535 {
			return 0, fmt.Errorf("parse url: invalid port %q", p)
		}
		return n, nil
	}
	if n := DefaultPort(u.Scheme); n > 0 {
		return n, nil
	}
	return 0, fmt.Errorf("parse url: no port for scheme %q", u.Scheme)
}

// splitTokenQuery 在原始查询串中定位令牌参数，保留其余参数的原始顺序
func splitTokenQuery(rawQuery, name string) (token, raw, extra string, found bool) {
	if rawQuery == "" {
		return "", "", "", false
	}
	var rest []string
	for _, pair := range strings.Split(rawQuery, "&") {
		if pair == "" {
			continue
		}
		k, v, _ := strings.Cut(pair, "=")
		if !found {
			if key, err := url.PathUnescape(k); err == nil && key == name {
				val, err := url.PathUnescape(v)
				if err != nil {
					val = v
				}
				token, raw, found = val, v, true
				continue
			}
		}
		rest = append(rest, pair)
	}
	if !found {
		return "", "", "", false
	}
	return token, raw, strings.Join(rest, "&"), true
}
