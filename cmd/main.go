package main

import (
	"io"
	"os"
	"path/filepath"

	"controlplane/config"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// setupLogging writes to stdout and a rotated file under cfg.Dir.
func setupLogging(cfg config.LogConfig) {
	logDir := cfg.Dir
	if logDir == "" {
		logDir = "./logs"
	}
	file := cfg.File
	if file == "" {
		file = "controller.log"
	}
	os.MkdirAll(logDir, 0755)

	fileLogger := &lumberjack.Logger{
		Filename:   filepath.Join(logDir, file),
		MaxSize:    100,  // MB
		MaxBackups: 7,    // Keep 7 old log files
		MaxAge:     30,   // Days
		Compress:   true, // Compress old log files
	}
	log.SetOutput(io.MultiWriter(os.Stdout, fileLogger))
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})

	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		log.Warnf("Invalid log level '%s', using 'info'", cfg.Level)
		level = log.InfoLevel
	}
	log.SetLevel(level)
	log.Infof("Logging initialized: file=%s, stdout=enabled", filepath.Join(logDir, file))
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
