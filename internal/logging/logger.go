package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// LogLevel определяет уровни логирования
type LogLevel int

const (
	TRACE LogLevel = iota
	DEBUG
	INFO
	WARN
	ERROR
)

// String возвращает строковое представление уровня логирования
func (l LogLevel) String() string {
	switch l {
	case TRACE:
		return "TRACE"
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Logger пишет в консоль и (опционально) в файл.
// В консоль попадают сообщения от minConsoleLevel и выше, в файл — от minFileLevel.
type Logger struct {
	component       string
	consoleLogger   *log.Logger
	fileLogger      *log.Logger
	file            *os.File
	minConsoleLevel LogLevel
	minFileLevel    LogLevel
	mu              sync.Mutex
}

var (
	globalLogger *Logger
	globalOnce   sync.Once
)

// NewLogger создаёт логгер компонента с файлом в директории logs/
func NewLogger(component string) (*Logger, error) {
	if err := os.MkdirAll("logs", 0755); err != nil {
		return nil, fmt.Errorf("ошибка создания директории logs: %w", err)
	}

	timestamp := time.Now().Format("2006-01-02_15-04-05")
	filename := filepath.Join("logs", fmt.Sprintf("%s_%s.log", component, timestamp))

	file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания файла логов: %w", err)
	}

	return &Logger{
		component:       component,
		consoleLogger:   log.New(os.Stdout, "", log.LstdFlags),
		fileLogger:      log.New(file, "", log.LstdFlags),
		file:            file,
		minConsoleLevel: INFO,
		minFileLevel:    TRACE,
	}, nil
}

// NewConsoleLogger создаёт логгер без файла (для тестов и утилит)
func NewConsoleLogger(component string) *Logger {
	return &Logger{
		component:       component,
		consoleLogger:   log.New(os.Stdout, "", log.LstdFlags),
		minConsoleLevel: INFO,
	}
}

// Close закрывает файл логов
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		l.fileLogger = nil
		return err
	}
	return nil
}

// SetLevels задаёт минимальные уровни для консоли и файла
func (l *Logger) SetLevels(console, file LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.minConsoleLevel = console
	l.minFileLevel = file
}

func (l *Logger) logf(level LogLevel, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	message := fmt.Sprintf("[%s] [%s] %s", level.String(), l.component, fmt.Sprintf(format, args...))

	if l.fileLogger != nil && level >= l.minFileLevel {
		l.fileLogger.Println(message)
	}
	if l.consoleLogger != nil && level >= l.minConsoleLevel {
		l.consoleLogger.Println(message)
	}
}

// Trace логирует сообщение уровня TRACE
func (l *Logger) Trace(format string, args ...interface{}) { l.logf(TRACE, format, args...) }

// Debug логирует сообщение уровня DEBUG
func (l *Logger) Debug(format string, args ...interface{}) { l.logf(DEBUG, format, args...) }

// Info логирует сообщение уровня INFO
func (l *Logger) Info(format string, args ...interface{}) { l.logf(INFO, format, args...) }

// Warn логирует сообщение уровня WARN
func (l *Logger) Warn(format string, args ...interface{}) { l.logf(WARN, format, args...) }

// Error логирует сообщение уровня ERROR
func (l *Logger) Error(format string, args ...interface{}) { l.logf(ERROR, format, args...) }

// Init инициализирует глобальный логгер процесса.
// Вызывается один раз из main; повторные вызовы игнорируются.
func Init(component string) error {
	var err error
	globalOnce.Do(func() {
		globalLogger, err = NewLogger(component)
	})
	return err
}

func global() *Logger {
	globalOnce.Do(func() {
		globalLogger = NewConsoleLogger("server")
	})
	return globalLogger
}

// Trace логирует через глобальный логгер
func Trace(format string, args ...interface{}) { global().Trace(format, args...) }

// Debug логирует через глобальный логгер
func Debug(format string, args ...interface{}) { global().Debug(format, args...) }

// Info логирует через глобальный логгер
func Info(format string, args ...interface{}) { global().Info(format, args...) }

// Warn логирует через глобальный логгер
func Warn(format string, args ...interface{}) { global().Warn(format, args...) }

// Error логирует через глобальный логгер
func Error(format string, args ...interface{}) { global().Error(format, args...) }

// Close закрывает глобальный логгер
func Close() {
	if globalLogger != nil {
		_ = globalLogger.Close()
	}
}
