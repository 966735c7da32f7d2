package models

import "fmt"

var (
	SupportedThemes    = []string{"light", "dark", "system"}
	SupportedLanguages = []string{"en", "zh", "ja", "es", "fr", "de"}
)

// DefaultPreferences is what a user gets before saving anything.
func DefaultPreferences(userID string) Preferences {
	return Preferences{UserID: userID, Theme: "system", Language: "en"}
}

func (p Preferences) Validate() error {
	if !contains(SupportedThemes, p.Theme) {
		return fmt.Errorf("unsupported theme %q", p.Theme)
	}
	if !contains(SupportedLanguages, p.Language) {
		return fmt.Errorf("unsupported language %q", p.Language)
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
