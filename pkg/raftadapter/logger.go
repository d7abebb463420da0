package raftadapter

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"go.etcd.io/etcd/raft/v3"
)

// slogLogger routes etcd raft's internal logging to slog.
type slogLogger struct {
	l *slog.Logger
}

var _ raft.Logger = (*slogLogger)(nil)

func newRaftLogger(nodeID uint64) *slogLogger {
	return &slogLogger{l: slog.Default().With("component", "raft", "node", nodeID)}
}

func (s *slogLogger) log(level slog.Level, msg string) {
	s.l.Log(context.Background(), level, msg)
}

func (s *slogLogger) Debug(v ...interface{}) { s.log(slog.LevelDebug, fmt.Sprint(v...)) }
func (s *slogLogger) Debugf(format string, v ...interface{}) {
	s.log(slog.LevelDebug, fmt.Sprintf(format, v...))
}
func (s *slogLogger) Info(v ...interface{}) { s.log(slog.LevelInfo, fmt.Sprint(v...)) }
func (s *slogLogger) Infof(format string, v ...interface{}) {
	s.log(slog.LevelInfo, fmt.Sprintf(format, v...))
}
func (s *slogLogger) Warning(v ...interface{}) { s.log(slog.LevelWarn, fmt.Sprint(v...)) }
func (s *slogLogger) Warningf(format string, v ...interface{}) {
	s.log(slog.LevelWarn, fmt.Sprintf(format, v...))
}
func (s *slogLogger) Error(v ...interface{}) { s.log(slog.LevelError, fmt.Sprint(v...)) }
func (s *slogLogger) Errorf(format string, v ...interface{}) {
	s.log(slog.LevelError, fmt.Sprintf(format, v...))
}

func (s *slogLogger) Fatal(v ...interface{}) {
	s.log(slog.LevelError, fmt.Sprint(v...))
	os.Exit(1)
}

func (s *slogLogger) Fatalf(format string, v ...interface{}) {
	s.log(slog.LevelError, fmt.Sprintf(format, v...))
	os.Exit(1)
}

func (s *slogLogger) Panic(v ...interface{}) {
	msg := fmt.Sprint(v...)
	s.log(slog.LevelError, msg)
	panic(msg)
}

func (s *slogLogger) Panicf(format string, v ...interface{}) {
	msg := fmt.Sprintf(format, v...)
	s.log(slog.LevelError, msg)
	panic(msg)
}
