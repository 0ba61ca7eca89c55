package cdp

import (
	"strconv"

	"github.com/mafredri/cdp/protocol/network"
	"github.com/tidwall/gjson"

	"subrefresh/pkg/model"
	"subrefresh/pkg/traffic"
)

// ToHeader 将 CDP Header 对象转换为中立 Header
func ToHeader(h network.Headers) traffic.Header {
	out := make(traffic.Header)
	if len(h) == 0 {
		return out
	}
	gjson.ParseBytes(h).ForEach(func(k, v gjson.Result) bool {
		out.Set(k.String(), v.String())
		return true
	})
	return out
}

// ToCookies 将 CDP Cookie 转换为模型 Cookie
func ToCookies(in []network.Cookie) []model.Cookie {
	out := make([]model.Cookie, 0, len(in))
	for _, c := range in {
		out = append(out, model.Cookie{Name: c.Name, Value: c.Value, Domain: c.Domain, Path: c.Path})
	}
	return out
}

// ParseStorageDump 解析 storageExpr 返回的 JSON 字符串
func ParseStorageDump(dump string) map[string]string {
	out := make(map[string]string)
	if !gjson.Valid(dump) {
		return out
	}
	gjson.Parse(dump).ForEach(func(k, v gjson.Result) bool {
		out[k.String()] = v.String()
		return true
	})
	return out
}

func storageExpr(area string) string {
	return `(() => { try { const s = window.` + area + `; const o = {};` +
		` for (let i = 0; i < s.length; i++) { const k = s.key(i); o[k] = s.getItem(k); }` +
		` return JSON.stringify(o); } catch (e) { return "{}"; } })()`
}

func visibleExpr(selector string) string {
	return `(() => { const el = document.querySelector(` + strconv.Quote(selector) + `);` +
		` if (!el) return false; const r = el.getBoundingClientRect(); const st = getComputedStyle(el);` +
		` return r.width > 0 && r.height > 0 && st.visibility !== "hidden" && st.display !== "none"; })()`
}
