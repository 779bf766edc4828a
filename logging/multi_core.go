package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewMultiCore tees console output with an optional file. The file always
// gets JSON; the console gets the colored encoder in development mode and
// JSON otherwise. A nil file writer gives a console-only core. The result
// redacts secrets before encoding.
func NewMultiCore(level zapcore.LevelEnabler, console, file zapcore.WriteSyncer, isDev bool) zapcore.Core {
	var consoleEncoder zapcore.Encoder
	if isDev {
		consoleEncoder = zapcore.NewConsoleEncoder(NewConsoleEncoderConfig())
	} else {
		consoleEncoder = zapcore.NewJSONEncoder(NewEncoderConfig())
	}
	cores := []zapcore.Core{zapcore.NewCore(consoleEncoder, console, level)}

	if file != nil {
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(NewEncoderConfig()), file, level))
	}
	return NewRedactingCore(zapcore.NewTee(cores...))
}

// redactingCore scrubs messages and string fields before they reach the
// wrapped core, so loggers handed out through Zap() redact too.
type redactingCore struct {
	zapcore.Core
}

// NewRedactingCore wraps core with secret redaction.
func NewRedactingCore(core zapcore.Core) zapcore.Core {
	return &redactingCore{Core: core}
}

func (c *redactingCore) With(fields []zapcore.Field) zapcore.Core {
	return &redactingCore{Core: c.Core.With(redactFields(fields))}
}

func (c *redactingCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *redactingCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	ent.Message = RedactSensitiveData(ent.Message)
	return c.Core.Write(ent, redactFields(fields))
}

func redactFields(fields []zapcore.Field) []zapcore.Field {
	if len(fields) == 0 {
		return fields
	}
	out := make([]zapcore.Field, len(fields))
	for i, f := range fields {
		out[i] = redactField(f)
	}
	return out
}

func redactField(f zapcore.Field) zapcore.Field {
	switch {
	case f.Type == zapcore.StringType && IsSensitiveField(f.Key):
		return zap.String(f.Key, RedactedPlaceholder)
	case f.Type == zapcore.StringType:
		if r := RedactSensitiveData(f.String); r != f.String {
			return zap.String(f.Key, r)
		}
	case f.Type == zapcore.ErrorType:
		if err, ok := f.Interface.(error); ok && err != nil {
			if r := RedactSensitiveData(err.Error()); r != err.Error() {
				return zap.String(f.Key, r)
			}
		}
	}
	return f
}
