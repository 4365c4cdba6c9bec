package i18n

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"
	"golang.org/x/text/number"
	"gopkg.in/yaml.v3"

	"github.com/alambique/storefront/internal/domain"
)

// Message keys shared by the storefront packages.
const (
	KeyGenericError   = "error.generic"
	KeyTimeout        = "error.timeout"
	KeyNetwork        = "error.network"
	KeyInvalidRequest = "request.invalid"
	KeyAuthRequired   = "auth.required"
	KeyStockExceeded  = "cart.stock_exceeded"
	KeyCartEmpty      = "cart.empty"
	KeyItemRemoved    = "cart.item_removed"
	KeyOrderRejected  = "checkout.order_rejected"
	KeyCaptureFailed  = "checkout.capture_failed"
	KeyInProgress     = "checkout.in_progress"
	KeyNotOpen        = "checkout.not_open"
	keyMoney          = "money.amount"
)

//go:embed locales/*.yaml
var embedded embed.FS

// Bundle holds the compiled message catalog for every supported language.
type Bundle struct {
	catalog   *catalog.Builder
	fallback  language.Tag
	supported []language.Tag
	matcher   language.Matcher
}

// Load reads every <lang>.yaml under dir in fsys. fallback must be one of them.
func Load(fsys fs.FS, dir, fallback string) (*Bundle, error) {
	fallbackTag, err := language.Parse(fallback)
	if err != nil {
		return nil, fmt.Errorf("i18n: invalid fallback %q: %w", fallback, err)
	}
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("i18n: read %s: %w", dir, err)
	}

	builder := catalog.NewBuilder(catalog.Fallback(fallbackTag))
	var tags []language.Tag
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || path.Ext(name) != ".yaml" {
			continue
		}
		tag, err := language.Parse(strings.TrimSuffix(name, ".yaml"))
		if err != nil {
			return nil, fmt.Errorf("i18n: locale file %s: %w", name, err)
		}
		raw, err := fs.ReadFile(fsys, path.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("i18n: read %s: %w", name, err)
		}
		var messages map[string]string
		if err := yaml.Unmarshal(raw, &messages); err != nil {
			return nil, fmt.Errorf("i18n: unmarshal %s: %w", name, err)
		}
		keys := make([]string, 0, len(messages))
		for key := range messages {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			if err := builder.SetString(tag, key, messages[key]); err != nil {
				return nil, fmt.Errorf("i18n: %s %s: %w", name, key, err)
			}
		}
		tags = append(tags, tag)
	}

	found := false
	ordered := []language.Tag{fallbackTag}
	for _, tag := range tags {
		if tag == fallbackTag {
			found = true
			continue
		}
		ordered = append(ordered, tag)
	}
	if !found {
		return nil, fmt.Errorf("i18n: fallback locale %s not loaded", fallback)
	}
	return &Bundle{
		catalog:   builder,
		fallback:  fallbackTag,
		supported: ordered,
		matcher:   language.NewMatcher(ordered),
	}, nil
}

var (
	defaultOnce   sync.Once
	defaultBundle *Bundle
)

// Default returns the bundle compiled from the embedded catalogs with Spanish as fallback.
func Default() *Bundle {
	defaultOnce.Do(func() {
		b, err := Load(embedded, "locales", "es")
		if err != nil {
			panic(err)
		}
		defaultBundle = b
	})
	return defaultBundle
}

// Supported lists the loaded languages, fallback first.
func (b *Bundle) Supported() []string {
	out := make([]string, len(b.supported))
	for i, tag := range b.supported {
		out[i] = tag.String()
	}
	return out
}

// Resolve picks the best supported language for an Accept-Language header or a bare tag.
func (b *Bundle) Resolve(preferences ...string) string {
	for _, pref := range preferences {
		pref = strings.TrimSpace(pref)
		if pref == "" {
			continue
		}
		tags, _, err := language.ParseAcceptLanguage(pref)
		if err != nil || len(tags) == 0 {
			continue
		}
		_, idx, conf := b.matcher.Match(tags...)
		if conf != language.No {
			return b.supported[idx].String()
		}
	}
	return b.fallback.String()
}

// For returns a Localizer for lang; unknown languages use the fallback.
func (b *Bundle) For(lang string) Localizer {
	_, idx, conf := b.matcher.Match(language.Make(lang))
	tag := b.fallback
	if conf != language.No {
		tag = b.supported[idx]
	}
	return Localizer{tag: tag, printer: message.NewPrinter(tag, message.Catalog(b.catalog))}
}

// Localizer renders messages and amounts in one language.
type Localizer struct {
	tag     language.Tag
	printer *message.Printer
}

// Lang returns the BCP 47 tag of the localizer.
func (l Localizer) Lang() string { return l.tag.String() }

// T renders key with args.
func (l Localizer) T(key string, args ...any) string {
	if l.printer == nil {
		return Default().For("").T(key, args...)
	}
	return l.printer.Sprintf(key, args...)
}

// Money formats an amount with two decimals and locale grouping.
func (l Localizer) Money(m domain.Money) string {
	if l.printer == nil {
		return Default().For("").Money(m)
	}
	amount := l.printer.Sprint(number.Decimal(m.Float(), number.Scale(2)))
	return l.printer.Sprintf(keyMoney, amount)
}
