package validator

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

// ErrUnparseable 订阅内容既不是结构化配置也不是 base64 包装的配置
var ErrUnparseable = errors.New("validator: unparseable subscription")

// pseudoTargets 内置的非节点出口
var pseudoTargets = []string{"DIRECT", "REJECT", "REJECT-DROP", "PASS", "COMPATIBLE", "GLOBAL"}

// singBoxNonNodes sing-box 中不代表节点的出站类型
var singBoxNonNodes = []string{"direct", "block", "dns", "selector", "urltest"}

var shareLinkSchemes = []string{
	"ss://", "ssr://", "vmess://", "vless://", "trojan://", "hysteria://", "hysteria2://", "hy2://", "tuic://", "wireguard://", "anytls://", "socks5://", "http://", "https://",
}

// ParseSubscription 解析订阅内容：先按 YAML 解析，失败后尝试 base64 解码再解析。
// base64 解码得到分享链接列表时，以 proxies 列表的形式返回。
func ParseSubscription(data []byte) (map[string]any, error) {
	if doc, ok := parseYAMLMap(data); ok {
		return doc, nil
	}
	if links := shareLinks(data); len(links) > 0 {
		return map[string]any{"proxies": links}, nil
	}
	decoded, ok := decodeBase64(data)
	if !ok {
		return nil, ErrUnparseable
	}
	if doc, ok := parseYAMLMap(decoded); ok {
		return doc, nil
	}
	if links := shareLinks(decoded); len(links) > 0 {
		return map[string]any{"proxies": links}, nil
	}
	return nil, fmt.Errorf("%w: decoded base64 is not a config", ErrUnparseable)
}

func parseYAMLMap(data []byte) (map[string]any, bool) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, false
	}
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil || doc == nil {
		return nil, false
	}
	return doc, true
}

// decodeBase64 依次尝试常见 base64 变体
func decodeBase64(data []byte) ([]byte, bool) {
	s := strings.Join(strings.Fields(string(data)), "")
	if s == "" {
		return nil, false
	}
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		if out, err := enc.DecodeString(s); err == nil {
			return out, true
		}
	}
	return nil, false
}

func shareLinks(data []byte) []any {
	var links []any
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !lo.SomeBy(shareLinkSchemes, func(s string) bool { return strings.HasPrefix(strings.ToLower(line), s) }) {
			return nil
		}
		links = append(links, line)
	}
	return links
}

// CountNodes 计算节点数：优先使用 proxies 列表；缺失时取策略组引用条目的并集，
// 排除内置出口、其他策略组名与装饰性条目；再次缺失时统计 sing-box outbounds。
func CountNodes(doc map[string]any) int {
	if doc == nil {
		return 0
	}
	if raw, ok := doc["proxies"]; ok {
		list, _ := raw.([]any)
		return len(list)
	}
	if raw, ok := doc["proxy-groups"]; ok {
		return countGroupEntries(raw)
	}
	if raw, ok := doc["outbounds"]; ok {
		return countOutbounds(raw)
	}
	return 0
}

func countGroupEntries(raw any) int {
	groups, _ := raw.([]any)
	groupNames := make(map[string]struct{}, len(groups))
	for _, g := range groups {
		if m, ok := g.(map[string]any); ok {
			if name, ok := m["name"].(string); ok {
				groupNames[name] = struct{}{}
			}
		}
	}

	var entries []string
	for _, g := range groups {
		m, ok := g.(map[string]any)
		if !ok {
			continue
		}
		members, _ := m["proxies"].([]any)
		for _, item := range members {
			name, ok := item.(string)
			if !ok {
				continue
			}
			name = strings.TrimSpace(name)
			if _, isGroup := groupNames[name]; isGroup {
				continue
			}
			if isPseudo(name) || isDecorative(name) {
				continue
			}
			entries = append(entries, name)
		}
	}
	return len(lo.Uniq(entries))
}

func countOutbounds(raw any) int {
	list, _ := raw.([]any)
	n := 0
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		t, _ := m["type"].(string)
		if t == "" || lo.Contains(singBoxNonNodes, strings.ToLower(t)) {
			continue
		}
		n++
	}
	return n
}

func isPseudo(name string) bool {
	return lo.Contains(pseudoTargets, strings.ToUpper(name))
}

// isDecorative 不含任何字母或数字的条目视为分隔/装饰标记
func isDecorative(name string) bool {
	for _, r := range name {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
