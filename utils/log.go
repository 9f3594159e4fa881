package utils

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LogLevel string

const (
	Info  LogLevel = "INFO"
	Warn  LogLevel = "WARN"
	Error LogLevel = "ERROR"
)

type DiscordEmbedField struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type DiscordEmbed struct {
	Title  string              `json:"title"`
	Color  int                 `json:"color"`
	Fields []DiscordEmbedField `json:"fields"`
}

type DiscordWebhookPayload struct {
	Embeds []DiscordEmbed `json:"embeds"`
}

// NewLogger builds the JSON logger. When webhookURL is set, WARN and above are
// also posted to that Discord webhook as embeds.
func NewLogger(level, webhookURL string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.Lock(os.Stdout), lvl)

	if webhookURL != "" {
		core = zapcore.NewTee(core, NewWebhookCore(webhookURL, zapcore.WarnLevel))
	}
	return zap.New(core, zap.AddCaller()), nil
}

const (
	webhookQueueSize    = 64
	webhookFlushTimeout = 5 * time.Second
)

type webhookCore struct {
	zapcore.LevelEnabler
	sender *webhookSender
	fields []zapcore.Field
}

// webhookSender posts queued embeds from a single goroutine, so a slow
// webhook never blocks the logging caller. Entries are dropped when the queue
// is full.
type webhookSender struct {
	url     string
	client  *http.Client
	queue   chan webhookItem
	dropped atomic.Int64
	errOut  io.Writer
}

// webhookItem is either a payload to post or a flush marker.
type webhookItem struct {
	payload DiscordWebhookPayload
	flushed chan struct{}
}

// NewWebhookCore returns a zap core that forwards entries at or above min to a
// Discord webhook.
func NewWebhookCore(url string, min zapcore.LevelEnabler) zapcore.Core {
	return newWebhookCore(url, min, webhookQueueSize)
}

func newWebhookCore(url string, min zapcore.LevelEnabler, queueSize int) *webhookCore {
	sender := &webhookSender{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
		queue:  make(chan webhookItem, queueSize),
		errOut: os.Stderr,
	}
	go sender.run()
	return &webhookCore{LevelEnabler: min, sender: sender}
}

func (c *webhookCore) With(fields []zapcore.Field) zapcore.Core {
	clone := *c
	clone.fields = append(append([]zapcore.Field{}, c.fields...), fields...)
	return &clone
}

func (c *webhookCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *webhookCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range c.fields {
		f.AddTo(enc)
	}
	for _, f := range fields {
		f.AddTo(enc)
	}

	keys := make([]string, 0, len(enc.Fields))
	for k := range enc.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("%s: %v", k, enc.Fields[k]))
	}
	extra := strings.Join(lines, "\n")
	if extra == "" {
		extra = "-"
	}

	module := ent.LoggerName
	if module == "" {
		module = "modlog"
	}
	c.sender.enqueue(buildPayload(levelOf(ent.Level), module, ent.Message, extra))
	return nil
}

// Sync waits, up to webhookFlushTimeout, for entries queued before it to be
// posted.
func (c *webhookCore) Sync() error {
	timeout := time.NewTimer(webhookFlushTimeout)
	defer timeout.Stop()

	flushed := make(chan struct{})
	select {
	case c.sender.queue <- webhookItem{flushed: flushed}:
	case <-timeout.C:
		return fmt.Errorf("webhook log flush timed out")
	}
	select {
	case <-flushed:
		return nil
	case <-timeout.C:
		return fmt.Errorf("webhook log flush timed out")
	}
}

func (s *webhookSender) enqueue(p DiscordWebhookPayload) {
	select {
	case s.queue <- webhookItem{payload: p}:
	default:
		s.dropped.Add(1)
	}
}

func (s *webhookSender) run() {
	for item := range s.queue {
		if item.flushed != nil {
			close(item.flushed)
			continue
		}
		if err := s.post(item.payload); err != nil {
			fmt.Fprintf(s.errOut, "webhook log: %v\n", err)
		}
	}
}

func levelOf(l zapcore.Level) LogLevel {
	switch {
	case l >= zapcore.ErrorLevel:
		return Error
	case l == zapcore.WarnLevel:
		return Warn
	default:
		return Info
	}
}

func getColor(level LogLevel) int {
	switch level {
	case Info:
		return 3066993 // Green
	case Warn:
		return 15105570 // Orange
	case Error:
		return 15158332 // Red
	default:
		return 3447003 // Blue
	}
}

func buildPayload(level LogLevel, module, operation, extraInfo string) DiscordWebhookPayload {
	embed := DiscordEmbed{
		Title: string(level) + " Log",
		Color: getColor(level),
		Fields: []DiscordEmbedField{
			{Name: "模块", Value: module},
			{Name: "操作", Value: operation},
			{Name: "附加信息", Value: extraInfo},
		},
	}
	return DiscordWebhookPayload{Embeds: []DiscordEmbed{embed}}
}

func (s *webhookSender) post(payload DiscordWebhookPayload) error {
	jsonPayload, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequest("POST", s.url, bytes.NewBuffer(jsonPayload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("failed to send log to discord, status: %s, body: %s", resp.Status, string(body))
	}

	return nil
}
