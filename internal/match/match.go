// Package match 提供 URL 模式匹配 (glob / prefix / regex / exact)
package match

import (
	"regexp"
	"strings"
	"sync"
)

// Mode 匹配模式
type Mode string

const (
	ModeGlob   Mode = "glob"
	ModePrefix Mode = "prefix"
	ModeRegex  Mode = "regex"
	ModeExact  Mode = "exact"
)

var regexCache sync.Map // pattern -> *regexp.Regexp

// Pattern 解析带前缀的模式字符串，如 "regex:^https://.*/user$"、"prefix:https://a/"，默认 glob
func Pattern(raw string) (Mode, string) {
	for _, m := range []Mode{ModeGlob, ModePrefix, ModeRegex, ModeExact} {
		if p, ok := strings.CutPrefix(raw, string(m)+":"); ok {
			return m, p
		}
	}
	return ModeGlob, raw
}

// URL 按模式匹配 URL，pattern 可携带模式前缀
func URL(s, raw string) bool {
	mode, pattern := Pattern(raw)
	switch mode {
	case ModePrefix:
		return strings.HasPrefix(s, pattern)
	case ModeRegex:
		return Regex(s, pattern)
	case ModeExact:
		return s == pattern
	default:
		return Glob(s, pattern)
	}
}

// Regex 使用缓存的正则匹配，非法正则视为不匹配
func Regex(s, pattern string) bool {
	re, err := compile(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(s)
}

func compile(pattern string) (*regexp.Regexp, error) {
	if v, ok := regexCache.Load(pattern); ok {
		return v.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	regexCache.Store(pattern, re)
	return re, nil
}

// Glob 通配匹配，'*' 匹配任意长度字符，pattern 需覆盖整个字符串
func Glob(s, pattern string) bool {
	if pattern == "" {
		return true
	}
	if pattern == "*" {
		return true
	}
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return s == pattern
	}
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]
	last := parts[len(parts)-1]
	for _, mid := range parts[1 : len(parts)-1] {
		if mid == "" {
			continue
		}
		idx := strings.Index(s, mid)
		if idx < 0 {
			return false
		}
		s = s[idx+len(mid):]
	}
	return strings.HasSuffix(s, last)
}
