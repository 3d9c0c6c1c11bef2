package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Level 日志级别
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var levelPrefix = map[Level]string{
	LevelDebug: "[DEBUG] ",
	LevelInfo:  "[INFO] ",
	LevelWarn:  "[WARN] ",
	LevelError: "[ERROR] ",
}

var (
	loggers      = map[Level]*log.Logger{}
	loggersMu    sync.RWMutex
	debugEnabled bool
	logFile      *os.File

	// 日志订阅者（/api/logs/stream 使用）
	subscribers   = make(map[chan string]struct{})
	subscribersMu sync.RWMutex
)

// fanout 写入底层 writer 后把同一行推给订阅者，订阅者阻塞时直接丢弃
type fanout struct {
	dst io.Writer
}

func (f *fanout) Write(p []byte) (int, error) {
	n, err := f.dst.Write(p)
	line := string(p)
	subscribersMu.RLock()
	for ch := range subscribers {
		select {
		case ch <- line:
		default:
		}
	}
	subscribersMu.RUnlock()
	return n, err
}

// Subscribe 订阅日志流
func Subscribe() chan string {
	ch := make(chan string, 100)
	subscribersMu.Lock()
	subscribers[ch] = struct{}{}
	subscribersMu.Unlock()
	return ch
}

// Unsubscribe 取消订阅
func Unsubscribe(ch chan string) {
	subscribersMu.Lock()
	if _, ok := subscribers[ch]; ok {
		delete(subscribers, ch)
		close(ch)
	}
	subscribersMu.Unlock()
}

// Init 初始化日志系统，日志同时写到控制台和 dir/server_YYYY-MM-DD.log
func Init(dir string) error {
	if dir == "" {
		dir = "logs"
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("创建日志目录失败: %w", err)
	}

	name := filepath.Join(dir, fmt.Sprintf("server_%s.log", time.Now().Format("2006-01-02")))
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("创建日志文件失败: %w", err)
	}
	logFile = f

	setOutput(&fanout{dst: io.MultiWriter(os.Stdout, f)})
	Info("日志系统初始化成功，日志文件: %s", name)
	return nil
}

// InitConsole 只输出到控制台（CLI 子命令使用）
func InitConsole() {
	setOutput(&fanout{dst: os.Stderr})
}

func setOutput(w io.Writer) {
	loggersMu.Lock()
	defer loggersMu.Unlock()
	for lvl, prefix := range levelPrefix {
		loggers[lvl] = log.New(w, prefix, log.Ldate|log.Ltime|log.Lshortfile)
	}
}

// Close 断开订阅者并关闭日志文件
func Close() {
	subscribersMu.Lock()
	for ch := range subscribers {
		delete(subscribers, ch)
		close(ch)
	}
	subscribersMu.Unlock()

	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
}

// SetDebugEnabled 设置调试日志开关
func SetDebugEnabled(enabled bool) {
	debugEnabled = enabled
	if enabled {
		Info("调试日志已启用")
	}
}

// IsDebugEnabled 返回调试模式是否开启
func IsDebugEnabled() bool {
	return debugEnabled
}

func output(lvl Level, format string, v ...interface{}) {
	loggersMu.RLock()
	l := loggers[lvl]
	loggersMu.RUnlock()
	if l == nil {
		return
	}
	// 3 = output + Info/Warn/... + 调用方
	l.Output(3, fmt.Sprintf(format, v...))
}

// Info 记录信息级别日志
func Info(format string, v ...interface{}) { output(LevelInfo, format, v...) }

// Warn 记录警告级别日志
func Warn(format string, v ...interface{}) { output(LevelWarn, format, v...) }

// Error 记录错误级别日志
func Error(format string, v ...interface{}) { output(LevelError, format, v...) }

// Debug 记录调试级别日志
func Debug(format string, v ...interface{}) {
	if debugEnabled {
		output(LevelDebug, format, v...)
	}
}

// LogRequest 记录 HTTP 请求
func LogRequest(method, path, ip string, statusCode int, duration time.Duration) {
	output(LevelInfo, "%s %s from %s - Status: %d - Duration: %v", method, path, ip, statusCode, duration)
}
