// Package logger — логирование с префиксом сервиса и асинхронной записью через
// буферизованный канал, чтобы горячий путь (отправка сообщений, снапшоты подписок)
// не блокировался на I/O. Поддерживается замер времени выполнения операций.
package logger

import (
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

const queueSize = 8192

// slowThreshold — операции дольше этого порога логируются всегда,
// даже при LOG_LEVEL=info.
const slowThreshold = 100 * time.Millisecond

var (
	prefix   string
	logLevel = levelInfo
	queue    chan string
	once     sync.Once
)

type level int

const (
	levelDebug level = iota
	levelInfo
)

func initWorker() {
	switch os.Getenv("LOG_LEVEL") {
	case "debug", "trace":
		logLevel = levelDebug
	default:
		logLevel = levelInfo
	}
	queue = make(chan string, queueSize)
	go func() {
		for msg := range queue {
			log.Print(msg)
		}
	}()
}

func enqueue(msg string) {
	once.Do(initWorker)
	select {
	case queue <- msg:
	default:
		// Очередь переполнена — строку теряем, но не блокируемся
	}
}

func tag() string {
	if prefix == "" {
		return ""
	}
	return "[" + prefix + "] "
}

// SetPrefix задаёт префикс сервиса для всех последующих логов (например "sync").
func SetPrefix(p string) {
	prefix = p
}

// Info пишет строку с префиксом (асинхронно).
func Info(v ...any) {
	enqueue(tag() + fmt.Sprint(v...))
}

// Infof форматирует и пишет с префиксом (асинхронно).
func Infof(format string, v ...any) {
	enqueue(tag() + fmt.Sprintf(format, v...))
}

// Error пишет ошибку с префиксом (асинхронно).
func Error(v ...any) {
	enqueue(tag() + "ERROR: " + fmt.Sprint(v...))
}

// Errorf форматирует ошибку с префиксом (асинхронно).
func Errorf(format string, v ...any) {
	enqueue(tag() + "ERROR: " + fmt.Sprintf(format, v...))
}

// Debugf пишет строку только при LOG_LEVEL=debug.
func Debugf(format string, v ...any) {
	once.Do(initWorker)
	if logLevel == levelDebug {
		enqueue(tag() + fmt.Sprintf(format, v...))
	}
}

// LogDuration логирует имя операции и её длительность в миллисекундах.
// При LOG_LEVEL=info логируются только медленные вызовы (>= slowThreshold).
func LogDuration(op string, start time.Time) {
	elapsed := time.Since(start)
	once.Do(initWorker)
	if logLevel == levelDebug || elapsed >= slowThreshold {
		enqueue(fmt.Sprintf("%sop=%s duration_ms=%d", tag(), op, elapsed.Milliseconds()))
	}
}

// DeferLogDuration возвращает функцию для defer:
// defer logger.DeferLogDuration("pipeline.Send", time.Now())().
func DeferLogDuration(op string, start time.Time) func() {
	return func() { LogDuration(op, start) }
}
