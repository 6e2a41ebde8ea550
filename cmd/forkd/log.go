package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/blockberries/forkberry/chaindb"
	"github.com/blockberries/forkberry/engine"
	"github.com/blockberries/forkberry/mempool"
	"github.com/blockberries/forkberry/miner"
	"github.com/blockberries/forkberry/pow"
	"github.com/blockberries/forkberry/validator"
	"github.com/blockberries/forkberry/wal"
	"github.com/btcsuite/btclog/v2"
	"github.com/jrick/logrotate/rotator"
)

const daemonSubsystem = "FRKD"

// logWriter fans log output out to stdout and the rotating log file
type logWriter struct {
	rotator *rotator.Rotator
	pipe    *io.PipeWriter
}

func (w *logWriter) Write(b []byte) (int, error) {
	os.Stdout.Write(b)
	if w.pipe != nil {
		w.pipe.Write(b)
	}
	return len(b), nil
}

// initLogRotator creates the log directory and starts the file rotator
func (w *logWriter) initLogRotator(logFile string, maxSizeMB,
	maxFiles int) error {

	logDir, _ := filepath.Split(logFile)
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	r, err := rotator.New(logFile, int64(maxSizeMB*1024), false, maxFiles)
	if err != nil {
		return fmt.Errorf("failed to create file rotator: %w", err)
	}

	pr, pw := io.Pipe()
	go func() {
		if err := r.Run(pr); err != nil {
			fmt.Fprintf(os.Stderr, "failed to run file rotator: %v\n",
				err)
		}
	}()

	w.rotator = r
	w.pipe = pw
	return nil
}

func (w *logWriter) Close() error {
	if w.pipe != nil {
		w.pipe.Close()
	}
	if w.rotator != nil {
		return w.rotator.Close()
	}
	return nil
}

// subLoggers holds the subsystem loggers of every package keyed by tag
type subLoggers map[string]btclog.Logger

var (
	logOutput = &logWriter{}
	loggers   = make(subLoggers)
	fdLog     = btclog.Disabled
)

// initLoggers creates a logger per subsystem sharing one handler
func initLoggers() {
	handler := btclog.NewDefaultHandler(logOutput)

	register := func(tag string, use func(btclog.Logger)) {
		logger := btclog.NewSLogger(handler.SubSystem(tag))
		loggers[tag] = logger
		use(logger)
	}

	register(daemonSubsystem, func(l btclog.Logger) { fdLog = l })
	register(engine.Subsystem, engine.UseLogger)
	register(chaindb.Subsystem, chaindb.UseLogger)
	register(validator.Subsystem, validator.UseLogger)
	register(pow.Subsystem, pow.UseLogger)
	register(mempool.Subsystem, mempool.UseLogger)
	register(wal.Subsystem, wal.UseLogger)
	register(miner.Subsystem, miner.UseLogger)
}

func (s subLoggers) supportedSubsystems() []string {
	tags := make([]string, 0, len(s))
	for tag := range s {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

func (s subLoggers) setLevel(tag, level string) {
	lvl, _ := btclog.LevelFromString(level)
	s[tag].SetLevel(lvl)
}

// parseAndSetDebugLevels applies a debuglevel option: either a single
// level for every subsystem, optionally followed by subsystem=level pairs.
func parseAndSetDebugLevels(level string, s subLoggers) error {
	levels := strings.Split(level, ",")

	global := levels[0]
	if !strings.Contains(global, "=") {
		if !validLogLevel(global) {
			return fmt.Errorf("the specified debug level [%v] is "+
				"invalid", global)
		}
		for tag := range s {
			s.setLevel(tag, global)
		}
		levels = levels[1:]
	}

	for _, pair := range levels {
		fields := strings.Split(pair, "=")
		if len(fields) != 2 {
			return fmt.Errorf("the specified debug level has an "+
				"invalid format [%v] -- use format "+
				"subsystem1=level1,subsystem2=level2", pair)
		}

		tag, lvl := fields[0], fields[1]
		if _, ok := s[tag]; !ok {
			return fmt.Errorf("the specified subsystem [%v] is "+
				"invalid -- supported subsystems are %v", tag,
				s.supportedSubsystems())
		}
		if !validLogLevel(lvl) {
			return fmt.Errorf("the specified debug level [%v] is "+
				"invalid", lvl)
		}
		s.setLevel(tag, lvl)
	}

	return nil
}

func validLogLevel(level string) bool {
	switch level {
	case "trace", "debug", "info", "warn", "error", "critical", "off":
		return true
	}
	return false
}
