// This package defines a common config struct which can be used by any subsystem within courier.
package config

import (
	"crypto/ed25519"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Debug              bool
	RootDir            string
	TrustRoot          ed25519.PublicKey
	MaxEnvelopeBacklog uint
	RetryHoldoffMs     int64
	BatchWaitTimeMs    int64
	BatchMaxSize       int
	TaskTimeoutMs      int64
	LoggingPrefix      string
	writer             io.Writer
}

func (c Config) Logger(source string) *zap.SugaredLogger {
	var p string
	if source == "" {
		p = c.LoggingPrefix
	} else {
		p = fmt.Sprintf("%s:%s", c.LoggingPrefix, source)
	}

	level := zapcore.InfoLevel
	if c.Debug {
		level = zapcore.DebugLevel
	}
	opts := []zap.Option{
		zap.Fields(zap.String("source", p)),
	}

	de := zap.NewDevelopmentEncoderConfig()
	fileEncoder := zapcore.NewJSONEncoder(de)
	consoleEncoder := zapcore.NewConsoleEncoder(de)
	core := zapcore.NewTee(
		zapcore.NewCore(fileEncoder, zapcore.AddSync(c.writer), level),
		zapcore.NewCore(consoleEncoder, zapcore.AddSync(os.Stdout), level),
	)
	logger := zap.New(core, opts...)
	sugar := logger.Sugar()
	return sugar
}

type Option func(*Config)

func WithDebug(d bool) Option {
	return func(c *Config) {
		c.Debug = d
	}
}

func WithRootDir(d string) Option {
	return func(c *Config) {
		c.RootDir = d
	}
}

func WithLoggingPrefix(p string) Option {
	return func(c *Config) {
		c.LoggingPrefix = p
	}
}

// The pinned public key used to validate anonymous-sender certificate chains.
// Required; NewCourier fails without it.
func WithTrustRoot(k ed25519.PublicKey) Option {
	return func(c *Config) {
		c.TrustRoot = k
	}
}

// Ceiling on cached undecrypted envelopes. A backlog past this is purged
// wholesale on replay rather than reprocessed.
func WithMaxEnvelopeBacklog(n uint) Option {
	return func(c *Config) {
		c.MaxEnvelopeBacklog = n
	}
}

func WithRetryHoldoffMs(n int64) Option {
	return func(c *Config) {
		c.RetryHoldoffMs = n
	}
}

func WithBatchWaitTimeMs(n int64) Option {
	return func(c *Config) {
		c.BatchWaitTimeMs = n
	}
}

func WithBatchMaxSize(n int) Option {
	return func(c *Config) {
		c.BatchMaxSize = n
	}
}

func WithTaskTimeoutMs(n int64) Option {
	return func(c *Config) {
		c.TaskTimeoutMs = n
	}
}

func NewConfig(opts ...Option) *Config {
	c := &Config{
		Debug:              os.Getenv("DEBUG") == "1",
		MaxEnvelopeBacklog: 1500,
		RetryHoldoffMs:     5000,
		BatchWaitTimeMs:    500,
		BatchMaxSize:       10,
		TaskTimeoutMs:      60000,
		LoggingPrefix:      "",
		RootDir:            ".",

		writer: nil,
	}
	for _, o := range opts {
		o(c)
	}

	writer := &lumberjack.Logger{
		Filename:   filepath.Join(c.RootDir, "out.log"),
		MaxSize:    500, // megabytes
		MaxBackups: 3,
		MaxAge:     28,   // days
		Compress:   true, // disabled by default
	}
	c.writer = writer
	return c
}
