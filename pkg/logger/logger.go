package logger

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

var log *logrus.Logger

// Fields 结构化日志字段
type Fields = logrus.Fields

func Init(level, format string) error {
	l := logrus.New()

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	l.SetLevel(lvl)

	switch format {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
		l.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	default:
		return fmt.Errorf("invalid log format %q", format)
	}

	l.SetOutput(os.Stdout)
	log = l
	return nil
}

// SetOutput 重定向日志输出，CLI 模式下写到 stderr 以免和对话内容混在一起
func SetOutput(w io.Writer) {
	if log != nil {
		log.SetOutput(w)
	}
}

// WithFields 返回带字段的 entry；未初始化时使用 logrus 标准 logger
func WithFields(fields Fields) *logrus.Entry {
	if log == nil {
		return logrus.WithFields(fields)
	}
	return log.WithFields(fields)
}

func Debugf(format string, args ...interface{}) {
	if log != nil {
		log.Debugf(format, args...)
	}
}

func Info(args ...interface{}) {
	if log != nil {
		log.Info(args...)
	}
}

func Infof(format string, args ...interface{}) {
	if log != nil {
		log.Infof(format, args...)
	}
}

func Warnf(format string, args ...interface{}) {
	if log != nil {
		log.Warnf(format, args...)
	}
}

func Errorf(format string, args ...interface{}) {
	if log != nil {
		log.Errorf(format, args...)
	} else {
		fmt.Fprintf(os.Stderr, "ERROR: "+format+"\n", args...)
	}
}
