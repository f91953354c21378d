package middleware

import (
	"github.com/gofiber/fiber/v2"
	"golang.org/x/text/language"

	"invox/utils"
)

var matcher = language.NewMatcher([]language.Tag{language.English, language.Japanese})

// matchLanguage picks the best supported base language for an
// Accept-Language header
func matchLanguage(accept string) string {
	tags, _, err := language.ParseAcceptLanguage(accept)
	if err != nil || len(tags) == 0 {
		return "en"
	}
	tag, _, _ := matcher.Match(tags...)
	base, _ := tag.Base()
	if utils.IsSupportedLanguage(base.String()) {
		return base.String()
	}
	return "en"
}

// LocaleMiddleware detects and sets the user's locale
func LocaleMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		// Query parameter, then cookie, then Accept-Language
		lang := c.Query("lang")
		if lang != "" && utils.IsSupportedLanguage(lang) {
			c.Cookie(&fiber.Cookie{Name: "lang", Value: lang, MaxAge: 365 * 24 * 3600, SameSite: "Lax"})
		} else {
			lang = c.Cookies("lang")
		}
		if !utils.IsSupportedLanguage(lang) {
			lang = matchLanguage(c.Get(fiber.HeaderAcceptLanguage))
		}

		c.Locals("localizer", utils.GetLocalizer(lang))
		c.Locals("lang", lang)

		utils.Log.Debug("Locale detected: %s for path: %s", lang, c.Path())
		return c.Next()
	}
}
