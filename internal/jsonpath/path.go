// Package jsonpath 实现基于 gjson 的点分路径表达式，
// 在任意 JSON 文档上查找值，缺失的路径段返回 false 而不是报错。
package jsonpath

import (
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Path 点分路径，如 data.token 或 list.0.url
type Path []string

// Parse 将点分字符串转换为路径，空串得到空路径
func Parse(s string) Path {
	if s == "" {
		return nil
	}
	return Path(strings.Split(s, "."))
}

// String 返回点分形式
func (p Path) String() string {
	return strings.Join(p, ".")
}

// Child 返回追加一个段后的新路径
func (p Path) Child(seg string) Path {
	out := make(Path, len(p), len(p)+1)
	copy(out, p)
	return append(out, seg)
}

// Lookup 沿路径遍历文档
func Lookup(doc gjson.Result, p Path) (gjson.Result, bool) {
	cur := doc
	if !cur.Exists() {
		return gjson.Result{}, false
	}
	for _, seg := range p {
		switch {
		case cur.IsObject():
			next, ok := field(cur, seg)
			if !ok {
				return gjson.Result{}, false
			}
			cur = next
		case cur.IsArray():
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 {
				return gjson.Result{}, false
			}
			items := cur.Array()
			if idx >= len(items) {
				return gjson.Result{}, false
			}
			cur = items[idx]
		default:
			return gjson.Result{}, false
		}
	}
	return cur, true
}

// LookupString 沿路径查找字符串值，非字符串视为缺失
func LookupString(doc gjson.Result, p Path) (string, bool) {
	v, ok := Lookup(doc, p)
	if !ok || v.Type != gjson.String {
		return "", false
	}
	return v.Str, true
}

// Visitor 深度优先遍历回调；返回 true 表示命中并停止遍历
type Visitor func(p Path, key string, v gjson.Result) bool

// Find 按文档自然键序深度优先遍历，返回第一个命中的路径
func Find(doc gjson.Result, visit Visitor) (Path, gjson.Result, bool) {
	return find(doc, nil, visit)
}

func find(cur gjson.Result, p Path, visit Visitor) (Path, gjson.Result, bool) {
	var (
		hitPath Path
		hitVal  gjson.Result
		found   bool
	)
	switch {
	case cur.IsObject():
		cur.ForEach(func(k, v gjson.Result) bool {
			child := p.Child(k.String())
			if visit(child, k.String(), v) {
				hitPath, hitVal, found = child, v, true
				return false
			}
			if v.IsObject() || v.IsArray() {
				if hp, hv, ok := find(v, child, visit); ok {
					hitPath, hitVal, found = hp, hv, true
					return false
				}
			}
			return true
		})
	case cur.IsArray():
		i := 0
		cur.ForEach(func(_, v gjson.Result) bool {
			child := p.Child(strconv.Itoa(i))
			i++
			if visit(child, "", v) {
				hitPath, hitVal, found = child, v, true
				return false
			}
			if v.IsObject() || v.IsArray() {
				if hp, hv, ok := find(v, child, visit); ok {
					hitPath, hitVal, found = hp, hv, true
					return false
				}
			}
			return true
		})
	}
	return hitPath, hitVal, found
}

func field(obj gjson.Result, name string) (gjson.Result, bool) {
	var (
		out gjson.Result
		ok  bool
	)
	obj.ForEach(func(k, v gjson.Result) bool {
		if k.String() == name {
			out, ok = v, true
			return false
		}
		return true
	})
	return out, ok
}
