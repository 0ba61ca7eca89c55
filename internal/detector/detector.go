// Package detector 从捕获的流量中推断站点私有的订阅接口
package detector

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/samber/lo"
	"github.com/tidwall/gjson"

	"subrefresh/internal/jsonpath"
	"subrefresh/internal/logger"
	"subrefresh/pkg/model"
	"subrefresh/pkg/traffic"
)

// ErrNilSnapshot 传入了空的流量快照
var ErrNilSnapshot = errors.New("detector: nil traffic snapshot")

// Policy 多个候选命中时的选择策略
type Policy string

const (
	// PolicyFirstMatch 按过滤顺序取第一个产出字段路径的候选
	PolicyFirstMatch Policy = "first"
	// PolicyBestConfidence 扫描全部候选取置信度最高者，平局取靠前者
	PolicyBestConfidence Policy = "best"
)

// URLKeywords 候选请求 URL 必须包含的关键字之一
var URLKeywords = []string{"subscribe", "sub", "token", "user/get"}

// AuthStorageKeys 可能保存令牌的 localStorage 键
var AuthStorageKeys = []string{"app-user", "user", "auth", "token", "info", "userInfo", "user-info"}

var storageTokenFields = []string{"token", "Token", "auth_data"}

var apiVersionSegment = regexp.MustCompile(`/(api|client)/v\d+/`)

const (
	minResponseTokenLen = 10
	minRawStorageLen    = 20
)

// Result 检测结果；未检测到时 Found 为 false 且 Reason 非空
type Result struct {
	Found      bool
	Descriptor model.ApiDescriptor
	Reason     string
	Candidates int
}

// Config 检测器配置
type Config struct {
	Policy Policy
	Logger logger.Logger
}

// Detector 订阅接口检测器
type Detector struct {
	policy Policy
	log    logger.Logger
}

// New 创建检测器
func New(cfg Config) *Detector {
	l := cfg.Logger
	if l == nil {
		l = logger.NewNop()
	}
	p := cfg.Policy
	if p == "" {
		p = PolicyFirstMatch
	}
	return &Detector{policy: p, log: l}
}

// DetectStore 对流量记录的当前快照执行检测
func (d *Detector) DetectStore(store *traffic.Store, storage map[string]string) (Result, error) {
	if store == nil {
		return Result{}, ErrNilSnapshot
	}
	return d.Detect(store.Snapshot(), storage)
}

// Detect 从快照中推断订阅接口，storage 为页面 localStorage 内容
func (d *Detector) Detect(snapshot []traffic.NetworkExchange, storage map[string]string) (Result, error) {
	if snapshot == nil {
		return Result{}, ErrNilSnapshot
	}

	candidates := Candidates(snapshot)
	if len(candidates) == 0 {
		reason := fmt.Sprintf("no candidate passed filtering (%d exchanges scanned)", len(snapshot))
		d.log.Info("未找到候选订阅接口", "exchanges", len(snapshot))
		return Result{Reason: reason}, nil
	}

	var (
		best  model.ApiDescriptor
		found bool
	)
	for _, ex := range candidates {
		desc, ok := Analyze(ex, storage)
		if !ok {
			continue
		}
		d.log.Debug("候选接口命中", "url", ex.URL, "confidence", desc.Confidence)
		if d.policy == PolicyFirstMatch {
			return Result{Found: true, Descriptor: desc, Candidates: len(candidates)}, nil
		}
		if !found || desc.Confidence > best.Confidence {
			best, found = desc, true
		}
	}
	if found {
		return Result{Found: true, Descriptor: best, Candidates: len(candidates)}, nil
	}
	reason := fmt.Sprintf("no candidate yielded field paths (%d candidates)", len(candidates))
	d.log.Info("候选接口均未包含订阅字段", "candidates", len(candidates))
	return Result{Reason: reason, Candidates: len(candidates)}, nil
}

// Candidates 过滤出 XHR/fetch、GET/POST、200 且 URL 含关键字的请求，保持原顺序
func Candidates(snapshot []traffic.NetworkExchange) []traffic.NetworkExchange {
	return lo.Filter(snapshot, func(ex traffic.NetworkExchange, _ int) bool {
		if !ex.IsXHR() || ex.Status != http.StatusOK {
			return false
		}
		if !strings.EqualFold(ex.Method, http.MethodGet) && !strings.EqualFold(ex.Method, http.MethodPost) {
			return false
		}
		return lo.SomeBy(URLKeywords, func(kw string) bool { return traffic.URLContains(ex.URL, kw) })
	})
}

// Analyze 对单个候选执行字段挖掘与鉴权推断，无字段路径时返回 false
func Analyze(ex traffic.NetworkExchange, storage map[string]string) (model.ApiDescriptor, bool) {
	body := strings.TrimSpace(ex.ResponseBody)
	if body == "" || !gjson.Valid(body) {
		return model.ApiDescriptor{}, false
	}
	doc := gjson.Parse(body)
	if !doc.IsObject() && !doc.IsArray() {
		return model.ApiDescriptor{}, false
	}

	desc := model.ApiDescriptor{
		EndpointURL: ex.URL,
		HTTPMethod:  strings.ToUpper(ex.Method),
		RequestBody: ex.RequestBody,
	}

	subPath, subURL, hasSub := FindSubscriptionURL(doc)
	if hasSub {
		desc.SubscriptionURLFieldPath = subPath.String()
	}
	tokenPath, token, hasToken := FindToken(doc)
	if hasToken {
		desc.TokenFieldPath = tokenPath.String()
	}
	if !desc.Valid() {
		return model.ApiDescriptor{}, false
	}

	if hasSub && hasToken {
		desc.URLTemplate = URLTemplate(subURL, token)
	}

	auth := InferAuth(storage, ex.RequestHeaders)
	desc.AuthSource = auth.Source
	desc.AuthStorageKey = auth.StorageKey
	desc.AuthFieldPath = auth.FieldPath
	desc.AuthScheme = auth.Scheme

	desc.Confidence = Score(desc, auth.Inferred)
	return desc, true
}

// IsSubscriptionURL 判断字符串是否形如订阅链接
func IsSubscriptionURL(s string) bool {
	if !strings.HasPrefix(s, "http://") && !strings.HasPrefix(s, "https://") {
		return false
	}
	return strings.Contains(s, "/sub/") ||
		strings.Contains(s, "/subscribe") ||
		strings.Contains(s, "token=") ||
		apiVersionSegment.MatchString(s)
}

// FindSubscriptionURL 按自然键序查找第一个订阅链接字符串
func FindSubscriptionURL(doc gjson.Result) (jsonpath.Path, string, bool) {
	p, v, ok := jsonpath.Find(doc, func(_ jsonpath.Path, _ string, v gjson.Result) bool {
		return v.Type == gjson.String && IsSubscriptionURL(v.Str)
	})
	return p, v.Str, ok
}

// FindToken 查找第一个名为 token (忽略大小写) 且长度超过 10 的字符串
func FindToken(doc gjson.Result) (jsonpath.Path, string, bool) {
	p, v, ok := jsonpath.Find(doc, func(_ jsonpath.Path, key string, v gjson.Result) bool {
		return strings.EqualFold(key, "token") && v.Type == gjson.String && len(v.Str) > minResponseTokenLen
	})
	return p, v.Str, ok
}

// URLTemplate 令牌为订阅链接子串时，将其替换为占位符，否则返回空
func URLTemplate(subURL, token string) string {
	if token == "" || !strings.Contains(subURL, token) {
		return ""
	}
	return strings.ReplaceAll(subURL, token, model.TokenPlaceholder)
}

// Auth 鉴权通道推断结果
type Auth struct {
	Source     model.AuthSource
	StorageKey string
	FieldPath  string
	Scheme     string
	Inferred   bool
}

// InferAuth 从 localStorage 与候选请求头推断鉴权通道；无令牌线索时默认 cookie
func InferAuth(storage map[string]string, reqHeaders traffic.Header) Auth {
	auth := Auth{Source: model.AuthCookie}
	for _, key := range AuthStorageKeys {
		raw, ok := storage[key]
		if !ok || raw == "" {
			continue
		}
		token, fieldPath, ok := StorageToken(raw)
		if !ok {
			continue
		}
		auth.StorageKey = key
		auth.FieldPath = fieldPath
		auth.Inferred = true
		auth.Source = model.AuthLocalStorageToken
		if reqHeaders.Has("Cookie") {
			auth.Source = model.AuthBoth
		}
		auth.Scheme = authScheme(reqHeaders.Get("Authorization"), token)
		return auth
	}
	return auth
}

// StorageToken 从存储值中取令牌：JSON 时查找嵌套的 token/Token/auth_data，否则原值长度超过 20 视为令牌
func StorageToken(raw string) (token, fieldPath string, ok bool) {
	trimmed := strings.TrimSpace(raw)
	if gjson.Valid(trimmed) {
		doc := gjson.Parse(trimmed)
		if !doc.IsObject() {
			if doc.Type == gjson.String {
				if len(doc.Str) > minRawStorageLen {
					return doc.Str, "", true
				}
				return "", "", false
			}
			// 数字与数组等非对象值按原始字符串处理
			if len(trimmed) > minRawStorageLen {
				return trimmed, "", true
			}
			return "", "", false
		}
		p, v, found := jsonpath.Find(doc, func(_ jsonpath.Path, key string, v gjson.Result) bool {
			return lo.Contains(storageTokenFields, key) && v.Type == gjson.String && v.Str != ""
		})
		if !found {
			return "", "", false
		}
		return v.Str, p.String(), true
	}
	if len(trimmed) > minRawStorageLen {
		return trimmed, "", true
	}
	return "", "", false
}

// authScheme 根据捕获的 Authorization 头判断令牌发送方式
func authScheme(header, token string) string {
	switch {
	case header == "":
		return ""
	case header == token:
		return "raw"
	case strings.HasPrefix(strings.ToLower(header), "bearer "):
		return "Bearer"
	default:
		return "raw"
	}
}

// Score 计算置信度。订阅链接字段与令牌模板二者只计一项，订阅链接优先。
func Score(desc model.ApiDescriptor, authInferred bool) float64 {
	score := 0.5
	switch {
	case desc.SubscriptionURLFieldPath != "":
		score += 0.3
	case desc.TokenFieldPath != "" && desc.URLTemplate != "":
		score += 0.2
	}
	if authInferred {
		score += 0.1
	}
	if desc.AuthFieldPath != "" {
		score += 0.1
	}
	if score > 1.0 {
		score = 1.0
	}
	return score
}
