package utils

import (
	"embed"
	"path"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/language"
)

//go:embed locales/*.toml
var localeFS embed.FS

// SupportedLanguages lists the languages with a bundled message file
var SupportedLanguages = []string{"en", "ja"}

var (
	// Bundle is the global translation bundle
	Bundle *i18n.Bundle
	// Localizer is the default (English) localizer
	Localizer *i18n.Localizer

	i18nOnce sync.Once
	i18nErr  error
)

// InitI18n loads the embedded message files. It is safe to call more than once.
func InitI18n() error {
	i18nOnce.Do(func() {
		Bundle = i18n.NewBundle(language.English)
		Bundle.RegisterUnmarshalFunc("toml", toml.Unmarshal)

		for _, lang := range SupportedLanguages {
			name := "active." + lang + ".toml"
			data, err := localeFS.ReadFile(path.Join("locales", name))
			if err != nil {
				Log.Warn("Failed to read %s locale: %v", lang, err)
				i18nErr = err
				continue
			}
			if _, err := Bundle.ParseMessageFileBytes(data, name); err != nil {
				Log.Warn("Failed to parse %s locale: %v", lang, err)
				i18nErr = err
			}
		}

		Localizer = i18n.NewLocalizer(Bundle, language.English.String())
		Log.Debug("i18n system initialized")
	})
	return i18nErr
}

// IsSupportedLanguage reports whether lang has a bundled message file
func IsSupportedLanguage(lang string) bool {
	for _, l := range SupportedLanguages {
		if l == lang {
			return true
		}
	}
	return false
}

// GetLocalizer returns a localizer for the specified language
func GetLocalizer(lang string) *i18n.Localizer {
	InitI18n()
	if !IsSupportedLanguage(lang) {
		lang = "en"
	}
	return i18n.NewLocalizer(Bundle, lang)
}

func localize(localizer *i18n.Localizer, cfg *i18n.LocalizeConfig) string {
	if localizer == nil {
		localizer = GetLocalizer("en")
	}
	msg, err := localizer.Localize(cfg)
	if err != nil {
		Log.Debug("Translation error for '%s': %v", cfg.MessageID, err)
		return cfg.MessageID
	}
	return msg
}

// T translates a message ID
func T(localizer *i18n.Localizer, messageID string) string {
	return localize(localizer, &i18n.LocalizeConfig{MessageID: messageID})
}

// TWithData translates a message ID with template data
func TWithData(localizer *i18n.Localizer, messageID string, data map[string]interface{}) string {
	return localize(localizer, &i18n.LocalizeConfig{
		MessageID:    messageID,
		TemplateData: data,
	})
}

// TPlural translates a message ID with plural support. Count is added to the
// template data alongside any extra values.
func TPlural(localizer *i18n.Localizer, messageID string, count int, data map[string]interface{}) string {
	td := map[string]interface{}{"Count": count}
	for k, v := range data {
		td[k] = v
	}
	return localize(localizer, &i18n.LocalizeConfig{
		MessageID:    messageID,
		PluralCount:  count,
		TemplateData: td,
	})
}
