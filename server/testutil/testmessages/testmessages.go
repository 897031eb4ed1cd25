// Package testmessages provides an interfaces.MessageHandler that records
// every message, so tests can assert on what a cache reported.
package testmessages

import (
	"fmt"
	"strings"
	"sync"

	"github.com/buildbuddy-io/contentcache/server/util/log"
)

type Level int

const (
	Info Level = iota
	Warning
	Error
)

func (l Level) String() string {
	switch l {
	case Info:
		return "info"
	case Warning:
		return "warning"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

type Message struct {
	Level Level
	// File and Line are set only for the File* variants.
	File string
	Line int
	Text string
}

// Handler captures messages and also forwards them to the process logger,
// which keeps test output readable.
type Handler struct {
	mu       sync.Mutex
	messages []Message
}

func New() *Handler {
	return &Handler{}
}

func (h *Handler) add(level Level, file string, line int, format string, args ...interface{}) {
	text := fmt.Sprintf(format, args...)
	h.mu.Lock()
	h.messages = append(h.messages, Message{Level: level, File: file, Line: line, Text: text})
	h.mu.Unlock()
	log.Debugf("[%s] %s", level, text)
}

func (h *Handler) Infof(format string, args ...interface{}) {
	h.add(Info, "", 0, format, args...)
}

func (h *Handler) Warningf(format string, args ...interface{}) {
	h.add(Warning, "", 0, format, args...)
}

func (h *Handler) Errorf(format string, args ...interface{}) {
	h.add(Error, "", 0, format, args...)
}

func (h *Handler) FileInfof(file string, line int, format string, args ...interface{}) {
	h.add(Info, file, line, format, args...)
}

func (h *Handler) FileWarningf(file string, line int, format string, args ...interface{}) {
	h.add(Warning, file, line, format, args...)
}

func (h *Handler) FileErrorf(file string, line int, format string, args ...interface{}) {
	h.add(Error, file, line, format, args...)
}

// Messages returns a copy of everything recorded so far.
func (h *Handler) Messages() []Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Message(nil), h.messages...)
}

// Count returns the number of messages recorded at level.
func (h *Handler) Count(level Level) int {
	n := 0
	for _, m := range h.Messages() {
		if m.Level == level {
			n++
		}
	}
	return n
}

// Contains reports whether any message at level contains substr.
func (h *Handler) Contains(level Level, substr string) bool {
	for _, m := range h.Messages() {
		if m.Level == level && strings.Contains(m.Text, substr) {
			return true
		}
	}
	return false
}

func (h *Handler) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = nil
}
