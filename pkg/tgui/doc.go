// Package tgui renders Telegram message text:
//   - HTML escaping helpers for ParseMode="HTML"
//   - A message builder with sensible defaults and the 4096-rune limit applied
package tgui
