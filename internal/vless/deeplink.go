package vless

import "strings"

// Deep-link builders for the client apps users actually install. Telegram and
// most chat platforms refuse custom URI schemes in buttons, so these are
// usually wrapped in an HTTP bridge URL rendered via RenderURLTemplate.

// KaringInstallLink builds karing://install-config?url=...&name=... .
// Karing expects url to point at an http(s) subscription, not a raw vless://
// link; manual paste is the fallback when no subscription URL is configured.
func KaringInstallLink(subURL, name string) string {
	return "karing://install-config?url=" + PercentEncode(subURL) + "&name=" + PercentEncode(name)
}

// ClashInstallLink builds clash://install-config?url=... for Clash Verge Rev.
func ClashInstallLink(subURL string) string {
	return "clash://install-config?url=" + PercentEncode(subURL)
}

// HiddifyImportLink builds hiddify://import/<url>#<name>. The nested
// subscription URL is percent-encoded so chat clients do not auto-link the
// inner http(s) part and open a browser instead of the app.
func HiddifyImportLink(subURL, name string) string {
	if strings.TrimSpace(subURL) == "" {
		return ""
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = "VPN"
	}
	return "hiddify://import/" + PercentEncode(strings.TrimSpace(subURL)) + "#" + PercentEncode(name)
}
