package core

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// ProductionLogger implements ComponentAwareLogger on top of zerolog.
// JSON output by default for log aggregation; console output when
// LOG_FORMAT=text for local development.
type ProductionLogger struct {
	zl        zerolog.Logger
	component string
}

// NewProductionLogger creates a logger from LoggingConfig.
func NewProductionLogger(cfg LoggingConfig, serviceName string) *ProductionLogger {
	var out io.Writer = os.Stdout
	if cfg.Output == "stderr" {
		out = os.Stderr
	}
	if cfg.Format == "text" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	}

	level := zerolog.InfoLevel
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = zerolog.DebugLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zl := zerolog.New(out).Level(level).With().
		Timestamp().
		Str("service", serviceName).
		Logger()

	return &ProductionLogger{zl: zl}
}

// WithComponent returns a logger whose entries carry the component name.
func (p *ProductionLogger) WithComponent(component string) Logger {
	child := *p
	child.component = component
	child.zl = p.zl.With().Str("component", component).Logger()
	return &child
}

func (p *ProductionLogger) log(ev *zerolog.Event, msg string, fields map[string]interface{}) {
	for k, v := range fields {
		switch val := v.(type) {
		case error:
			ev = ev.AnErr(k, val)
		case string:
			ev = ev.Str(k, val)
		case int:
			ev = ev.Int(k, val)
		case int64:
			ev = ev.Int64(k, val)
		case float64:
			ev = ev.Float64(k, val)
		case bool:
			ev = ev.Bool(k, val)
		default:
			ev = ev.Interface(k, val)
		}
	}
	ev.Msg(msg)
}

func (p *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	p.log(p.zl.Info(), msg, fields)
}

func (p *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	p.log(p.zl.Error(), msg, fields)
}

func (p *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	p.log(p.zl.Warn(), msg, fields)
}

func (p *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	p.log(p.zl.Debug(), msg, fields)
}

func (p *ProductionLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.log(p.zl.Info().Ctx(ctx), msg, fields)
}

func (p *ProductionLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.log(p.zl.Error().Ctx(ctx), msg, fields)
}

func (p *ProductionLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.log(p.zl.Warn().Ctx(ctx), msg, fields)
}

func (p *ProductionLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.log(p.zl.Debug().Ctx(ctx), msg, fields)
}

// ComponentLogger wraps base with component context when base supports it.
func ComponentLogger(base Logger, component string) Logger {
	if base == nil {
		return &NoOpLogger{}
	}
	if cal, ok := base.(ComponentAwareLogger); ok {
		return cal.WithComponent(component)
	}
	return base
}
