// Package logger предоставляет логирование с префиксом сервиса и асинхронной записью,
// чтобы не блокировать ни сервер, ни цикл клиентской сессии. Поддерживается логирование времени выполнения.
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"
)

const asyncBufferSize = 8192

var (
	prefix   string
	logLevel = levelInfo
	ch       chan string
	once     sync.Once
	pending  sync.WaitGroup
)

type level int

const (
	levelDebug level = iota
	levelInfo
)

func initLevel() {
	switch os.Getenv("LOG_LEVEL") {
	case "debug", "trace":
		logLevel = levelDebug
	default:
		logLevel = levelInfo
	}
}

func initWorker() {
	initLevel()
	ch = make(chan string, asyncBufferSize)
	go func() {
		for msg := range ch {
			log.Print(msg)
			pending.Done()
		}
	}()
}

func enqueue(msg string) {
	once.Do(initWorker)
	pending.Add(1)
	select {
	case ch <- msg:
	default:
		// Буфер полон: не блокируем, теряем лог
		pending.Done()
	}
}

// SetPrefix задаёт префикс для всех последующих логов (например "chat", "syncclient").
func SetPrefix(p string) {
	prefix = p
}

// SetOutput перенаправляет вывод (в тестах: io.Discard или буфер).
func SetOutput(w io.Writer) {
	log.SetOutput(w)
}

// SetLevel переопределяет LOG_LEVEL из конфигурации.
func SetLevel(l string) {
	once.Do(initWorker)
	switch l {
	case "debug", "trace":
		logLevel = levelDebug
	case "":
	default:
		logLevel = levelInfo
	}
}

// Flush ждёт, пока фоновая горутина запишет накопленные сообщения. Вызывается при остановке процесса.
func Flush(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		pending.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
	}
}

func tag() string {
	if prefix == "" {
		return ""
	}
	return "[" + prefix + "] "
}

// Info пишет в log с префиксом (асинхронно).
func Info(v ...any) {
	enqueue(tag() + fmt.Sprint(v...))
}

// Infof форматирует и пишет с префиксом (асинхронно).
func Infof(format string, v ...any) {
	enqueue(tag() + fmt.Sprintf(format, v...))
}

// Debugf пишет только при LOG_LEVEL=debug.
func Debugf(format string, v ...any) {
	once.Do(initWorker)
	if logLevel != levelDebug {
		return
	}
	enqueue(tag() + "DEBUG: " + fmt.Sprintf(format, v...))
}

// Warnf: некритичные ситуации: переподключение, устаревший снимок, повтор запроса.
func Warnf(format string, v ...any) {
	enqueue(tag() + "WARN: " + fmt.Sprintf(format, v...))
}

// Error пишет ошибку с префиксом (асинхронно).
func Error(v ...any) {
	enqueue(tag() + "ERROR: " + fmt.Sprint(v...))
}

// Errorf форматирует ошибку с префиксом (асинхронно).
func Errorf(format string, v ...any) {
	enqueue(tag() + "ERROR: " + fmt.Sprintf(format, v...))
}

// LogDuration логирует имя функции и время выполнения в миллисекундах (асинхронно).
// При LOG_LEVEL=info логирует только вызовы дольше 100ms; при LOG_LEVEL=debug: все.
func LogDuration(fn string, start time.Time) {
	once.Do(initWorker)
	elapsed := time.Since(start)
	if logLevel == levelDebug || elapsed >= 100*time.Millisecond {
		enqueue(fmt.Sprintf("%sfn=%s duration_ms=%d", tag(), fn, elapsed.Milliseconds()))
	}
}

// DeferLogDuration возвращает функцию для вызова в defer: defer logger.DeferLogDuration("msg.Create", time.Now())().
func DeferLogDuration(fn string, start time.Time) func() {
	return func() { LogDuration(fn, start) }
}
