// Package tgui holds small helpers for building Telegram HTML messages
// without unbalanced tags or unescaped user content.
package tgui
