// Copyright (c) 2024 Netskope, Inc. All rights reserved.

package log

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options select where and how verbosely the service logs.
type Options struct {
	Dir    string `yaml:"dir"`
	Name   string `yaml:"name"`
	Debug  bool   `yaml:"debug"`
	Stdout bool   `yaml:"stdout"`
}

// Path is the log file written when Stdout is false.
func (o Options) Path() string {
	dir, name := o.Dir, o.Name
	if dir == "" {
		dir = "/tmp"
	}
	if name == "" {
		name = filepath.Base(os.Args[0])
	}
	return filepath.Join(dir, name+".log")
}

// NewLogger returns a JSON zap logger writing to stdout or to the log file.
// Every entry carries the service name.
func NewLogger(opts Options) (*zap.Logger, error) {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.EpochTimeEncoder
	cfg.LevelKey = "lv"
	cfg.EncodeLevel = func(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(l.CapitalString()[:2])
	}

	level := zap.InfoLevel
	if opts.Debug {
		level = zap.DebugLevel
		cfg.EncodeCaller = zapcore.ShortCallerEncoder
		cfg.CallerKey = "call"
	}

	var sink zapcore.WriteSyncer
	if opts.Stdout {
		sink = zapcore.Lock(os.Stdout)
	} else {
		file, err := os.OpenFile(opts.Path(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, err
		}
		sink = zapcore.AddSync(file)
	}

	core := zapcore.NewCore(zapcore.NewJSONEncoder(cfg), sink, level)
	zopts := []zap.Option{zap.ErrorOutput(zapcore.Lock(os.Stderr))}
	if opts.Debug {
		zopts = append(zopts, zap.AddCaller())
	}
	logger := zap.New(core, zopts...)
	if opts.Name != "" {
		logger = logger.With(zap.String("svc", opts.Name))
	}
	return logger, nil
}
