package i18n

import (
	"embed"
	"sync"

	"github.com/nicksnyder/go-i18n/v2/i18n"
	"github.com/pkg/errors"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

//go:embed locales/*.yaml
var localeFS embed.FS

const defaultLang = "zh-CN"

// SupportedLanguages 已提供翻译的语言，顺序与 matcher 一致
var SupportedLanguages = []string{"zh-CN", "en-US"}

var matcher = language.NewMatcher([]language.Tag{language.SimplifiedChinese, language.AmericanEnglish})

// Translator 持有翻译包和按语言缓存的 Localizer
type Translator struct {
	bundle *i18n.Bundle

	mu         sync.RWMutex
	system     string
	localizers map[string]*i18n.Localizer
}

// NewTranslator 加载内嵌翻译文件
func NewTranslator(lang string) (*Translator, error) {
	b := i18n.NewBundle(language.SimplifiedChinese)
	b.RegisterUnmarshalFunc("yaml", yaml.Unmarshal)
	for _, l := range SupportedLanguages {
		name := "locales/" + l + ".yaml"
		if _, err := b.LoadMessageFileFS(localeFS, name); err != nil {
			return nil, errors.Wrapf(err, "加载翻译文件 %s 失败", name)
		}
	}
	t := &Translator{bundle: b, localizers: make(map[string]*i18n.Localizer)}
	t.SetSystemLanguage(lang)
	return t, nil
}

func (t *Translator) localizer(lang string) *i18n.Localizer {
	t.mu.RLock()
	l, ok := t.localizers[lang]
	t.mu.RUnlock()
	if ok {
		return l
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if l, ok = t.localizers[lang]; !ok {
		l = i18n.NewLocalizer(t.bundle, lang, defaultLang)
		t.localizers[lang] = l
	}
	return l
}

// Translate 翻译 key，lang 为空时使用系统语言，找不到时返回 key
func (t *Translator) Translate(lang, key string, data map[string]interface{}) string {
	if lang == "" {
		lang = t.SystemLanguage()
	}
	msg, err := t.localizer(lang).Localize(&i18n.LocalizeConfig{MessageID: key, TemplateData: data})
	if err != nil {
		return key
	}
	return msg
}

// SetSystemLanguage 不支持的语言按最接近的匹配处理
func (t *Translator) SetSystemLanguage(lang string) {
	resolved := defaultLang
	if lang != "" {
		if m, ok := matchTag(lang); ok {
			resolved = m
		}
	}
	t.mu.Lock()
	t.system = resolved
	t.mu.Unlock()
}

func (t *Translator) SystemLanguage() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.system
}

func matchTag(accept string) (string, bool) {
	tags, _, err := language.ParseAcceptLanguage(accept)
	if err != nil || len(tags) == 0 {
		return "", false
	}
	_, idx, conf := matcher.Match(tags...)
	if conf == language.No {
		return "", false
	}
	return SupportedLanguages[idx], true
}

var (
	globalMu sync.RWMutex
	global   *Translator
)

// Init 初始化全局翻译器
func Init(lang string) error {
	t, err := NewTranslator(lang)
	if err != nil {
		return err
	}
	globalMu.Lock()
	global = t
	globalMu.Unlock()
	return nil
}

func current() *Translator {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return global
}

// Match 把 Accept-Language 头映射到支持的语言，无法识别时返回系统语言
func Match(acceptLanguage string) string {
	if lang, ok := matchTag(acceptLanguage); ok {
		return lang
	}
	return GetSystemLanguage()
}

// T 使用系统语言翻译
func T(key string, data ...interface{}) string {
	return TWithLang("", key, data...)
}

// TWithLang 未初始化时返回 key；data 只取第一个 map 参数
func TWithLang(lang string, key string, data ...interface{}) string {
	t := current()
	if t == nil {
		return key
	}
	var m map[string]interface{}
	if len(data) > 0 {
		m, _ = data[0].(map[string]interface{})
	}
	return t.Translate(lang, key, m)
}

func SetSystemLanguage(lang string) {
	if t := current(); t != nil {
		t.SetSystemLanguage(lang)
	}
}

// GetSystemLanguage 未初始化时返回 zh-CN
func GetSystemLanguage() string {
	if t := current(); t != nil {
		return t.SystemLanguage()
	}
	return defaultLang
}
