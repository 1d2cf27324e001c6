package observability

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rahul/webpilot/pkg/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// EventType defines the category of the log event.
type EventType string

const (
	EventTypePolicyCheck EventType = "policy_check"
	EventTypeIntent      EventType = "intent"
	EventTypePlan        EventType = "plan"
	EventTypeStep        EventType = "step"
	EventTypeTask        EventType = "task"
	EventTypeHeartbeat   EventType = "heartbeat"
	EventTypeLLM         EventType = "llm"
)

// Event represents a structured log entry.
type Event struct {
	Type      EventType `json:"type"`
	ChatID    string    `json:"chat_id,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Logger emits typed events through zap. LLM exchanges are additionally
// written as JSON lines to a separate rotated file.
type Logger struct {
	zap *zap.Logger
	llm *zap.Logger
}

// NewLogger wraps base. llmSink receives LLM events; nil disables that file.
func NewLogger(base *zap.Logger, llmSink io.Writer) *Logger {
	if base == nil {
		base = zap.NewNop()
	}
	l := &Logger{zap: base, llm: zap.NewNop()}
	if llmSink != nil {
		enc := zap.NewProductionEncoderConfig()
		enc.TimeKey = "timestamp"
		enc.EncodeTime = zapcore.RFC3339NanoTimeEncoder
		core := zapcore.NewCore(zapcore.NewJSONEncoder(enc), zapcore.AddSync(llmSink), zap.DebugLevel)
		l.llm = zap.New(core)
	}
	return l
}

// NewFromConfig builds the console logger and the rotated LLM log described
// by cfg.
func NewFromConfig(cfg config.LoggerConfig) *Logger {
	var llmSink io.Writer
	if cfg.LLMLogFile != "" {
		llmSink = &lumberjack.Logger{
			Filename:   cfg.LLMLogFile,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}
	}
	return NewLogger(NewZap(cfg, zapcore.Lock(os.Stderr)), llmSink)
}

// NewZap builds a zap logger writing to console, plus a rotated JSON file
// when cfg.LogFile is set.
func NewZap(cfg config.LoggerConfig, console zapcore.WriteSyncer) *zap.Logger {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level.SetLevel(zap.InfoLevel)
	}

	cores := []zapcore.Core{zapcore.NewCore(encoder(cfg.Format), console, level)}
	if cfg.LogFile != "" {
		fileWriter := zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		})
		cores = append(cores, zapcore.NewCore(encoder("json"), fileWriter, level))
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddStacktrace(zap.ErrorLevel))
	if cfg.ServiceName != "" {
		logger = logger.Named(cfg.ServiceName)
	}
	return logger
}

func encoder(format string) zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02T15:04:05.000Z07:00")
	if strings.EqualFold(format, "console") {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return zapcore.NewConsoleEncoder(encoderConfig)
	}
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	return zapcore.NewJSONEncoder(encoderConfig)
}

// Zap returns the underlying logger for packages that log directly.
func (l *Logger) Zap() *zap.Logger {
	return l.zap
}

// Named returns a Logger whose console output carries name.
func (l *Logger) Named(name string) *Logger {
	return &Logger{zap: l.zap.Named(name), llm: l.llm}
}

// Log emits a structured event.
func (l *Logger) Log(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	fields := []zap.Field{zap.String("type", string(evt.Type))}
	if evt.ChatID != "" {
		fields = append(fields, zap.String("chat_id", evt.ChatID))
	}
	if evt.TaskID != "" {
		fields = append(fields, zap.String("task_id", evt.TaskID))
	}
	fields = append(fields, zap.Any("data", evt.Data))

	if evt.Type == EventTypeLLM {
		l.llm.Info(string(evt.Type), append(fields, zap.Time("event_time", evt.Timestamp))...)
		// prompts are large, the console only notes the exchange
		l.zap.Debug(string(evt.Type), zap.String("task_id", evt.TaskID))
		return
	}
	l.zap.Info(string(evt.Type), fields...)
}

// Helper methods for common events

func (l *Logger) LogIntent(taskID string, intent any, fallbackUsed bool) {
	l.Log(Event{
		Type:   EventTypeIntent,
		TaskID: taskID,
		Data: map[string]any{
			"intent":        intent,
			"fallback_used": fallbackUsed,
		},
	})
}

func (l *Logger) LogPlan(taskID string, steps any) {
	l.Log(Event{
		Type:   EventTypePlan,
		TaskID: taskID,
		Data:   map[string]any{"steps": steps},
	})
}

func (l *Logger) LogStep(taskID string, index int, action, status string, attempts int, errMsg string) {
	data := map[string]any{
		"index":    index,
		"action":   action,
		"status":   status,
		"attempts": attempts,
	}
	if errMsg != "" {
		data["error"] = errMsg
	}
	l.Log(Event{Type: EventTypeStep, TaskID: taskID, Data: data})
}

func (l *Logger) LogPolicyCheck(taskID, action, target string, allowed bool, reason string) {
	l.Log(Event{
		Type:   EventTypePolicyCheck,
		TaskID: taskID,
		Data: map[string]any{
			"action":  action,
			"target":  target,
			"allowed": allowed,
			"reason":  reason,
		},
	})
}

func (l *Logger) LogTask(taskID, status string, records int, duration time.Duration) {
	l.Log(Event{
		Type:   EventTypeTask,
		TaskID: taskID,
		Data: map[string]any{
			"status":      status,
			"records":     records,
			"duration_ms": duration.Milliseconds(),
		},
	})
}

func (l *Logger) LogHeartbeat() {
	l.Log(Event{
		Type: EventTypeHeartbeat,
		Data: map[string]string{"status": "alive"},
	})
}

func (l *Logger) LogLLM(taskID string, prompt any, response string, toolCalls any) {
	l.Log(Event{
		Type:   EventTypeLLM,
		TaskID: taskID,
		Data: map[string]any{
			"prompt":     prompt,
			"response":   response,
			"tool_calls": toolCalls,
		},
	})
}

// Sync flushes buffered entries.
func (l *Logger) Sync() {
	_ = l.zap.Sync()
	_ = l.llm.Sync()
}
